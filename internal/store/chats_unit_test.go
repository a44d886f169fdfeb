package store

import (
	"strings"
	"testing"
)

func TestRenderToolUse(t *testing.T) {
	longCmd := strings.Repeat("x", 100)
	cases := []struct {
		name    string
		payload map[string]any
		want    string
	}{
		{
			"bash short",
			map[string]any{"tool": "Bash", "input": map[string]any{"command": "ls -la"}},
			"Bash: ls -la",
		},
		{
			"bash truncated at 80",
			map[string]any{"tool": "Bash", "input": map[string]any{"command": longCmd}},
			"Bash: " + longCmd[:80] + "...",
		},
		{
			"file tool",
			map[string]any{"tool": "Read", "input": map[string]any{"file_path": "/etc/hosts"}},
			"Read: /etc/hosts",
		},
		{
			"search tool",
			map[string]any{"tool": "Grep", "input": map[string]any{"pattern": "func main"}},
			"Grep: func main",
		},
		{
			"unknown tool falls back to name",
			map[string]any{"tool": "Web", "input": map[string]any{"url": "https://example.com"}},
			"Web",
		},
		{
			"missing tool name",
			map[string]any{"input": map[string]any{}},
			"tool",
		},
		{
			"known tool with missing input",
			map[string]any{"tool": "Bash"},
			"Bash",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := renderToolUse(tc.payload); got != tc.want {
				t.Fatalf("renderToolUse = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMatchesMetadata(t *testing.T) {
	meta := map[string]string{"client_id": "k7", "env": "prod"}

	if !matchesMetadata(meta, nil) {
		t.Fatal("nil filter must match everything")
	}
	if !matchesMetadata(meta, map[string]string{"client_id": "k7"}) {
		t.Fatal("exact key match rejected")
	}
	if matchesMetadata(meta, map[string]string{"client_id": "other"}) {
		t.Fatal("mismatched value accepted")
	}
	if matchesMetadata(nil, map[string]string{"client_id": "k7"}) {
		t.Fatal("empty metadata matched a non-empty filter")
	}
}
