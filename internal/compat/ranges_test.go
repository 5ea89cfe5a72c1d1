package compat

import "testing"

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version string
		rng     string
		want    bool
	}{
		{"1.2.3", "", true},
		{"1.2.3", "*", true},
		{"1.2.3", "latest", true},
		{"1.2.3", "1.2.3", true},
		{"1.2.4", "1.2.3", false},
		{"1.9.0", "^1.2.3", true},
		{"2.0.0", "^1.2.3", false},
		{"1.2.2", "^1.2.3", false},
		{"0.2.9", "^0.2.3", true},
		{"0.3.0", "^0.2.3", false},
		{"0.0.3", "^0.0.3", true},
		{"0.0.4", "^0.0.3", false},
		{"1.2.9", "~1.2.3", true},
		{"1.3.0", "~1.2.3", false},
		{"1.9.0", "~1", true},
		{"1.5.0", "1.x", true},
		{"2.0.0", "1.x", false},
		{"1.2.7", "1.2.x", true},
		{"1.3.0", "1.2", false},
		{"1.5.0", ">=1.0.0 <2.0.0", true},
		{"2.0.0", ">=1.0.0 <2.0.0", false},
		{"1.5.0", ">= 1.0.0", true},
		{"3.1.0", "^1.0.0 || ^3.0.0", true},
		{"2.1.0", "^1.0.0 || ^3.0.0", false},
		{"1.5.0", "1.0.0 - 2.0.0", true},
		{"2.0.1", "1.0.0 - 2.0.0", false},
		{"1.2.5", "~> 1.2.0", true},
		{"not-a-version", "*", false},
		{"1.0.0", "^banana", false},
	}
	for _, tt := range tests {
		if got := Satisfies(tt.version, tt.rng); got != tt.want {
			t.Errorf("Satisfies(%q, %q) = %v, want %v", tt.version, tt.rng, got, tt.want)
		}
	}
}

func TestParseRangeInvalid(t *testing.T) {
	for _, rng := range []string{">=banana", "^1.x.y.z", "~~1"} {
		if _, err := ParseRange(rng); err == nil {
			t.Errorf("ParseRange(%q) error = nil", rng)
		}
	}
}

func TestRangesConflict(t *testing.T) {
	tests := []struct {
		x, y string
		want bool
	}{
		{"^1.0.0", "^2.0.0", true},
		{"^1.0.0", "~1.4.0", false},
		{"*", "^2.0.0", false},
		{">=1.0.0", "<3.0.0", false},
	}
	for _, tt := range tests {
		if got := rangesConflict(tt.x, tt.y); got != tt.want {
			t.Errorf("rangesConflict(%q, %q) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}
