package pyast

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) *Module {
	t.Helper()
	mod, err := Parse(src)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	return mod
}

func collectImports(m *Module) []string {
	var out []string
	Walk(m, func(n Node) bool {
		switch v := n.(type) {
		case *Import:
			out = append(out, v.Names...)
		case *ImportFrom:
			out = append(out, v.Module)
		}
		return true
	})
	return out
}

func collectCallNames(m *Module) []string {
	var out []string
	Walk(m, func(n Node) bool {
		call, ok := n.(*Call)
		if !ok {
			return true
		}
		switch f := call.Func.(type) {
		case *Name:
			out = append(out, f.ID)
		case *Attribute:
			out = append(out, f.Attr)
		}
		return true
	})
	return out
}

func TestParseImports(t *testing.T) {
	mod := mustParse(t, "import math\nimport os.path, json as j\nfrom collections import OrderedDict\n")
	got := collectImports(mod)
	want := []string{"math", "os.path", "json", "collections"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("imports = %v, want %v", got, want)
	}
}

func TestParseWildcardImport(t *testing.T) {
	mod := mustParse(t, "from math import *\n")
	var found *ImportFrom
	Walk(mod, func(n Node) bool {
		if v, ok := n.(*ImportFrom); ok {
			found = v
		}
		return true
	})
	if found == nil || !found.Wildcard {
		t.Fatalf("expected wildcard import, got %+v", found)
	}
}

func TestParseCalls(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"bare call", "open('f')", []string{"open"}},
		{"attribute call", "os.system('ls')", []string{"system"}},
		{"chained attribute call", "a.b.c()", []string{"c"}},
		{"call on call result", "open('f').read()", []string{"open", "read"}},
		{"no call", "x = y + 1", nil},
		{"call inside fstring untouched", `print(f"{x}")`, []string{"print"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collectCallNames(mustParse(t, tt.src))
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("calls = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttributeRoot(t *testing.T) {
	mod := mustParse(t, "subprocess.run(['ls'])")
	var root string
	Walk(mod, func(n Node) bool {
		if call, ok := n.(*Call); ok {
			if attr, ok := call.Func.(*Attribute); ok {
				root = attr.Root()
			}
		}
		return true
	})
	if root != "subprocess" {
		t.Fatalf("root = %q, want subprocess", root)
	}
}

func TestAnonRootedChain(t *testing.T) {
	mod := mustParse(t, "get_client().session.post(url)")
	var leaf, root string
	Walk(mod, func(n Node) bool {
		if call, ok := n.(*Call); ok {
			if attr, ok := call.Func.(*Attribute); ok && attr.Attr == "post" {
				leaf = attr.Attr
				root = attr.Root()
			}
		}
		return true
	})
	if leaf != "post" || root != "" {
		t.Fatalf("leaf=%q root=%q, want post and empty root", leaf, root)
	}
}

func TestWithItems(t *testing.T) {
	mod := mustParse(t, "with open('f') as fh:\n    pass\n")
	var calls []string
	Walk(mod, func(n Node) bool {
		if w, ok := n.(*With); ok {
			for _, item := range w.Items {
				if c, ok := item.(*Call); ok {
					if name, ok := c.Func.(*Name); ok {
						calls = append(calls, name.ID)
					}
				}
			}
		}
		return true
	})
	if len(calls) != 1 || calls[0] != "open" {
		t.Fatalf("with items = %v, want [open]", calls)
	}
}

func TestMaxLoopDepth(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{"flat", "x = 1\ny = 2\n", 0},
		{"single loop", "for i in range(3):\n    print(i)\n", 1},
		{"double nested", "for i in a:\n    for j in b:\n        print(i, j)\n", 2},
		{"triple nested", "for i in a:\n    for j in b:\n        while True:\n            break\n", 3},
		{"conditional between loops", "for i in a:\n    if i:\n        for j in b:\n            while j:\n                pass\n", 3},
		{"siblings do not stack", "for i in a:\n    pass\nfor j in b:\n    pass\n", 1},
		{"function body counts", "def f():\n    for i in a:\n        for j in b:\n            pass\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxLoopDepth(mustParse(t, tt.src)); got != tt.want {
				t.Fatalf("depth = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseContinuations(t *testing.T) {
	src := "result = some_call(\n    1,\n    2,\n)\ntotal = 1 + \\\n    2\n"
	got := collectCallNames(mustParse(t, src))
	if len(got) != 1 || got[0] != "some_call" {
		t.Fatalf("calls = %v, want [some_call]", got)
	}
}

func TestParseTripleQuotedString(t *testing.T) {
	src := "doc = \"\"\"\nimport os\nos.system('x')\n\"\"\"\nprint(doc)\n"
	mod := mustParse(t, src)
	if imports := collectImports(mod); len(imports) != 0 {
		t.Fatalf("string contents leaked into tree: %v", imports)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unterminated string", "x = 'abc\n"},
		{"unclosed bracket", "x = foo(1, 2\n"},
		{"unmatched close", "x = 1)\n"},
		{"bare from", "from import x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.src); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParseErrorPosition(t *testing.T) {
	_, err := Parse("x = 1\ny = 'oops\n")
	perr, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if perr.Pos.Line != 2 {
		t.Fatalf("error line = %d, want 2", perr.Pos.Line)
	}
}
