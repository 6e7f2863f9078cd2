// Package classifier routes approved code to an execution lane.
//
// Classification is a pure function of the source text. Code that fails to
// parse defaults to Lightweight; that is safe only because the validator
// runs before the classifier in the orchestration flow and has already
// rejected malformed code. Callers using the classifier standalone must
// validate first.
package classifier

import (
	"strings"

	"github.com/oriys/pulsar/internal/pyast"
)

// Complexity is the execution lane for a program.
type Complexity string

const (
	// Lightweight programs run in the in-process sandbox.
	Lightweight Complexity = "lightweight"
	// Heavy programs run as one-shot cluster jobs.
	Heavy Complexity = "heavy"
)

// heavyImports are data-processing libraries whose presence alone routes
// code to the heavy lane.
var heavyImports = map[string]bool{
	"pandas":  true,
	"modin":   true,
	"polars":  true,
	"pyarrow": true,
	"dask":    true,
	"ray":     true,
	"pyspark": true,
}

var fileOperations = map[string]bool{
	"open":  true,
	"read":  true,
	"write": true,
	"file":  true,
}

var fileModules = map[string]bool{
	"io":      true,
	"pathlib": true,
}

// heavyLoopDepth is the loop nesting depth at which code becomes heavy.
const heavyLoopDepth = 3

// Classify tags code as Lightweight or Heavy. Decision order: heavy
// imports, then file I/O constructs, then loop nesting depth.
func Classify(code string) Complexity {
	mod, err := pyast.Parse(code)
	if err != nil {
		return Lightweight
	}
	if hasHeavyImports(mod) {
		return Heavy
	}
	if hasFileIO(mod) {
		return Heavy
	}
	if pyast.MaxLoopDepth(mod) >= heavyLoopDepth {
		return Heavy
	}
	return Lightweight
}

func topLevel(module string) string {
	if i := strings.IndexByte(module, '.'); i >= 0 {
		return module[:i]
	}
	return module
}

func hasHeavyImports(mod *pyast.Module) bool {
	found := false
	pyast.Walk(mod, func(n pyast.Node) bool {
		switch v := n.(type) {
		case *pyast.Import:
			for _, name := range v.Names {
				if heavyImports[topLevel(name)] {
					found = true
				}
			}
		case *pyast.ImportFrom:
			if heavyImports[topLevel(v.Module)] {
				found = true
			}
		}
		return !found
	})
	return found
}

func hasFileIO(mod *pyast.Module) bool {
	found := false
	pyast.Walk(mod, func(n pyast.Node) bool {
		switch v := n.(type) {
		case *pyast.Call:
			switch f := v.Func.(type) {
			case *pyast.Name:
				if fileOperations[f.ID] {
					found = true
				}
			case *pyast.Attribute:
				if fileOperations[f.Attr] {
					found = true
				}
			}
		case *pyast.With:
			for _, item := range v.Items {
				if call, ok := item.(*pyast.Call); ok {
					if name, ok := call.Func.(*pyast.Name); ok && name.ID == "open" {
						found = true
					}
				}
			}
		case *pyast.Import:
			for _, name := range v.Names {
				if fileModules[topLevel(name)] {
					found = true
				}
			}
		case *pyast.ImportFrom:
			if fileModules[topLevel(v.Module)] {
				found = true
			}
		}
		return !found
	})
	return found
}
