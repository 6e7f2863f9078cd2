// Package validator decides whether generated Python code uses only
// approved constructs and imports before it is allowed anywhere near an
// executor.
//
// Each rule is a single-pass walk over the shared syntax tree; rules are
// independent of one another and their findings are folded into one
// verdict. A program is valid iff no rule produced an error.
package validator

import (
	"fmt"
	"strings"

	"github.com/oriys/pulsar/internal/pyast"
)

// Result is the aggregated verdict over all rules.
type Result struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Rule inspects the tree and reports findings. Implementations must not
// depend on the order rules run in.
type Rule interface {
	Name() string
	Check(mod *pyast.Module) []string
}

// Validator runs the configured rule pipeline.
type Validator struct {
	rules []Rule
}

// New creates a validator with the built-in rule set. A nil allowlist uses
// the default safe-module allowlist.
func New(allowlist map[string]bool) *Validator {
	return &Validator{
		rules: []Rule{
			NoFileIORule{},
			NoOSCommandsRule{},
			NoNetworkRule{},
			NewImportAllowlistRule(allowlist),
		},
	}
}

// NewWithRules creates a validator with an explicit rule pipeline.
func NewWithRules(rules ...Rule) *Validator {
	return &Validator{rules: rules}
}

// Validate parses code and runs every rule. Syntactically invalid input
// never produces an error return; the parse failure becomes a finding.
func (v *Validator) Validate(code string) Result {
	mod, err := pyast.Parse(code)
	if err != nil {
		return Result{
			OK:     false,
			Errors: []string{fmt.Sprintf("syntax error: %v", err)},
		}
	}

	var errs []string
	for _, rule := range v.rules {
		errs = append(errs, rule.Check(mod)...)
	}
	return Result{OK: len(errs) == 0, Errors: errs}
}

// fileOperations are the call and attribute names treated as file I/O.
var fileOperations = map[string]bool{
	"open":  true,
	"read":  true,
	"write": true,
	"file":  true,
}

// NoFileIORule rejects file I/O operations.
type NoFileIORule struct{}

func (NoFileIORule) Name() string { return "no-file-io" }

func (NoFileIORule) Check(mod *pyast.Module) []string {
	var errs []string
	pyast.Walk(mod, func(n pyast.Node) bool {
		switch v := n.(type) {
		case *pyast.Call:
			switch f := v.Func.(type) {
			case *pyast.Name:
				if fileOperations[f.ID] {
					errs = append(errs, "file I/O operation not allowed: "+f.ID)
				}
			case *pyast.Attribute:
				if fileOperations[f.Attr] {
					errs = append(errs, "file I/O operation not allowed: "+f.Attr)
				}
			}
		case *pyast.With:
			for _, item := range v.Items {
				call, ok := item.(*pyast.Call)
				if !ok {
					continue
				}
				if name, ok := call.Func.(*pyast.Name); ok && name.ID == "open" {
					errs = append(errs, "file I/O operation not allowed: open (in with statement)")
				}
			}
		}
		return true
	})
	return errs
}

// osOperations are the call and attribute names treated as OS command
// execution or dynamic code loading.
var osOperations = map[string]bool{
	"system":     true,
	"popen":      true,
	"exec":       true,
	"eval":       true,
	"compile":    true,
	"__import__": true,
}

var osModules = map[string]bool{
	"os":         true,
	"subprocess": true,
	"commands":   true,
}

// NoOSCommandsRule rejects OS command execution.
type NoOSCommandsRule struct{}

func (NoOSCommandsRule) Name() string { return "no-os-commands" }

func (NoOSCommandsRule) Check(mod *pyast.Module) []string {
	var errs []string
	pyast.Walk(mod, func(n pyast.Node) bool {
		call, ok := n.(*pyast.Call)
		if !ok {
			return true
		}
		switch f := call.Func.(type) {
		case *pyast.Name:
			if osOperations[f.ID] {
				errs = append(errs, "OS command execution not allowed: "+f.ID)
			}
		case *pyast.Attribute:
			if osOperations[f.Attr] {
				errs = append(errs, "OS command execution not allowed: "+f.Attr)
			}
			if root := f.Root(); osModules[root] {
				errs = append(errs, fmt.Sprintf("OS command execution not allowed: %s.%s", root, f.Attr))
			}
		}
		return true
	})
	return errs
}

var networkOperations = map[string]bool{
	"socket":  true,
	"urlopen": true,
	"request": true,
	"get":     true,
	"post":    true,
	"put":     true,
	"delete":  true,
	"patch":   true,
}

var networkModules = map[string]bool{
	"socket":   true,
	"urllib":   true,
	"urllib2":  true,
	"urllib3":  true,
	"requests": true,
	"http":     true,
	"httplib":  true,
	"httplib2": true,
	"aiohttp":  true,
}

// NoNetworkRule rejects network operations.
type NoNetworkRule struct{}

func (NoNetworkRule) Name() string { return "no-network" }

func (NoNetworkRule) Check(mod *pyast.Module) []string {
	var errs []string
	pyast.Walk(mod, func(n pyast.Node) bool {
		call, ok := n.(*pyast.Call)
		if !ok {
			return true
		}
		switch f := call.Func.(type) {
		case *pyast.Name:
			if networkOperations[f.ID] {
				errs = append(errs, "network operation not allowed: "+f.ID)
			}
		case *pyast.Attribute:
			if networkOperations[f.Attr] {
				errs = append(errs, "network operation not allowed: "+f.Attr)
			}
			if root := f.Root(); networkModules[root] {
				errs = append(errs, fmt.Sprintf("network operation not allowed: %s.%s", root, f.Attr))
			}
		}
		return true
	})
	return errs
}

// DefaultAllowlist is the default set of importable modules.
var DefaultAllowlist = map[string]bool{
	"math": true, "random": true, "datetime": true, "json": true,
	"re": true, "collections": true, "itertools": true, "functools": true,
	"operator": true, "string": true, "decimal": true, "fractions": true,
	"statistics": true, "typing": true, "dataclasses": true, "enum": true,
	"copy": true, "pprint": true, "textwrap": true, "unicodedata": true,
	"hashlib": true, "hmac": true, "secrets": true, "uuid": true,
	"time": true, "calendar": true, "zoneinfo": true,
}

// prohibitedModules can never be imported, regardless of any allowlist
// override. Prohibition wins.
var prohibitedModules = map[string]bool{
	"os": true, "sys": true, "subprocess": true, "socket": true,
	"urllib": true, "urllib2": true, "urllib3": true, "requests": true,
	"http": true, "httplib": true, "httplib2": true, "aiohttp": true,
	"io": true, "pathlib": true, "shutil": true, "tempfile": true,
	"glob": true, "pickle": true, "shelve": true, "dbm": true,
	"sqlite3": true, "ctypes": true, "multiprocessing": true,
	"threading": true, "asyncio": true, "concurrent": true,
	"__builtin__": true, "builtins": true, "importlib": true,
}

// ImportAllowlistRule checks every import against the prohibition set and
// the allowlist. Wildcard imports are rejected outright: the tree walks do
// not follow name bindings, and `from x import *` would smuggle restricted
// names past the call-site rules.
type ImportAllowlistRule struct {
	allowlist map[string]bool
}

// NewImportAllowlistRule builds the import rule. A nil allowlist selects
// DefaultAllowlist.
func NewImportAllowlistRule(allowlist map[string]bool) ImportAllowlistRule {
	if allowlist == nil {
		allowlist = DefaultAllowlist
	}
	return ImportAllowlistRule{allowlist: allowlist}
}

func (ImportAllowlistRule) Name() string { return "import-allowlist" }

func (r ImportAllowlistRule) Check(mod *pyast.Module) []string {
	var errs []string
	pyast.Walk(mod, func(n pyast.Node) bool {
		switch v := n.(type) {
		case *pyast.Import:
			for _, name := range v.Names {
				if msg := r.checkModule(name); msg != "" {
					errs = append(errs, msg)
				}
			}
		case *pyast.ImportFrom:
			if v.Wildcard {
				errs = append(errs, "wildcard import not allowed: from "+v.Module+" import *")
			}
			if msg := r.checkModule(v.Module); msg != "" {
				errs = append(errs, msg)
			}
		}
		return true
	})
	return errs
}

func (r ImportAllowlistRule) checkModule(name string) string {
	top := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		top = name[:i]
	}
	if top == "" {
		return ""
	}
	if prohibitedModules[top] {
		return "unauthorized import detected: " + name
	}
	if !r.allowlist[top] {
		return "unauthorized import detected: " + name
	}
	return ""
}
