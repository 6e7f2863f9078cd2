package store

import "testing"

func TestOrderClauseAllowlist(t *testing.T) {
	tests := []struct {
		name string
		opts ListOptions
		want string
	}{
		{"default", ListOptions{}, "created_at DESC"},
		{"timestamp asc", ListOptions{OrderBy: "timestamp", OrderDirection: "asc"}, "timestamp ASC"},
		{"duration", ListOptions{OrderBy: "duration_ms"}, "duration_ms DESC"},
		{"injection attempt", ListOptions{OrderBy: "created_at; DROP TABLE job_history"}, "created_at DESC"},
		{"unknown column", ListOptions{OrderBy: "stdout"}, "created_at DESC"},
		{"bad direction", ListOptions{OrderBy: "status", OrderDirection: "sideways"}, "status DESC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := orderClause(tt.opts); got != tt.want {
				t.Fatalf("orderClause(%+v) = %q, want %q", tt.opts, got, tt.want)
			}
		})
	}
}

func TestMarshalUsage(t *testing.T) {
	data, err := marshalUsage(nil)
	if err != nil || string(data) != "{}" {
		t.Fatalf("nil usage = %q, %v", data, err)
	}
	data, err = marshalUsage(map[string]any{"max_rss_kb": 1024})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"max_rss_kb":1024}` {
		t.Fatalf("usage = %s", data)
	}
}
