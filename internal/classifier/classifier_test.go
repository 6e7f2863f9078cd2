package classifier

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		code string
		want Complexity
	}{
		{"simple arithmetic", "result = sum(range(101))\nprint(result)", Lightweight},
		{"pandas import", "import pandas\nresult = pandas.__version__", Heavy},
		{"polars import", "import polars\nresult = 1", Heavy},
		{"pyspark from import", "from pyspark.sql import SparkSession", Heavy},
		{"dotted heavy import", "import pandas.core.frame", Heavy},
		{"open call", "data = open('f').read()", Heavy},
		{"with open", "with open('f') as fh:\n    pass", Heavy},
		{"io import", "import io\nbuf = io.StringIO()", Heavy},
		{"pathlib from import", "from pathlib import Path", Heavy},
		{"double loop stays light", "for i in a:\n    for j in b:\n        print(i, j)", Lightweight},
		{"triple loop is heavy", "for i in a:\n    for j in b:\n        for k in c:\n            print(k)", Heavy},
		{"loop through conditional", "for i in a:\n    if i:\n        for j in b:\n            while j:\n                pass", Heavy},
		{"math import", "import math\nprint(math.pi)", Lightweight},
		{"parse failure defaults light", "x = 'unterminated", Lightweight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.code); got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestClassifyDeterminism(t *testing.T) {
	code := "import pandas\nfor i in a:\n    pass"
	first := Classify(code)
	for i := 0; i < 10; i++ {
		if got := Classify(code); got != first {
			t.Fatalf("classification flapped: %s then %s", first, got)
		}
	}
}
