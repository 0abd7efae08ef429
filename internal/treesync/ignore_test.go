package treesync

import "testing"

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"build", "docs/**", "*.log"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name, rel string
		want      bool
	}{
		{".hidden", ".hidden", true},
		{"visible", "visible", false},
		{"mod.pyc", "pkg/mod.pyc", true},
		{"mod.py", "pkg/mod.py", false},
		{"notes~", "notes~", true},
		{"build", "build", true},
		{"build.py", "build.py", false},
		{"index.md", "docs/api/index.md", true},
		{"out.log", "a/b/out.log", true},
		{".git", ".git", true},
	}
	for _, tt := range tests {
		if got := m.Match(tt.name, tt.rel); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.name, tt.rel, got, tt.want)
		}
	}
}

func TestMatcher_InvalidPattern(t *testing.T) {
	if _, err := NewMatcher([]string{"[unclosed"}); err == nil {
		t.Error("NewMatcher() should reject an invalid pattern")
	}
}
