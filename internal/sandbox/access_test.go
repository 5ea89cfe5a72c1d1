package sandbox

import (
	"path/filepath"
	"testing"
)

func TestIsWithinPath(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		target string
		want   bool
	}{
		{base, true},
		{filepath.Join(base, "a", "b.txt"), true},
		{base + "file", false},
		{filepath.Join(base, "..", "other"), false},
	}
	for _, tt := range tests {
		if got := isWithinPath(filepath.Clean(tt.target), base); got != tt.want {
			t.Errorf("isWithinPath(%q, %q) = %v, want %v", tt.target, base, got, tt.want)
		}
	}
}

func TestHostAllowed(t *testing.T) {
	tests := []struct {
		url      string
		patterns []string
		want     bool
	}{
		{"https://api.example.com/x", nil, true},
		{"https://api.example.com/x", []string{"*.example.com"}, true},
		{"https://example.org/x", []string{"*.example.com"}, false},
		{"http://API.Example.com:8080/", []string{"api.example.com"}, true},
		{"http://[::1]:8080/", []string{"::1"}, true},
		{"file:///etc/passwd", nil, false},
		{"not a url", nil, false},
	}
	for _, tt := range tests {
		if _, got := hostAllowed(tt.url, tt.patterns); got != tt.want {
			t.Errorf("hostAllowed(%q, %v) = %v, want %v", tt.url, tt.patterns, got, tt.want)
		}
	}
}

func TestLanguageForFile(t *testing.T) {
	tests := map[string]Language{
		"main.lua":  LanguageLua,
		"index.js":  LanguageJavaScript,
		"index.MJS": LanguageJavaScript,
	}
	for file, want := range tests {
		got, err := LanguageForFile(file)
		if err != nil || got != want {
			t.Errorf("LanguageForFile(%q) = %v, %v; want %v", file, got, err, want)
		}
	}
	if _, err := LanguageForFile("main.py"); err == nil {
		t.Error("LanguageForFile(main.py) error = nil")
	}
}
