package rterrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), ""},
		{"validation", NewValidationError("name", "", "is required"), KindValidation},
		{"conflict", &ConflictError{Plugin: "a", Existing: "1.0.0"}, KindConflict},
		{"dependency", &DependencyError{Plugin: "b", Dependency: "a"}, KindDependency},
		{"permission", &PermissionError{Operation: "addResource"}, KindPermission},
		{"timeout", &TimeoutError{Operation: "execute", Limit: "1s"}, KindTimeout},
		{"resource", &ResourceLimitError{Resource: "memory"}, KindResourceLimit},
		{"reload", &ReloadError{Plugin: "a", Err: errors.New("x")}, KindReload},
		{"wrapped", fmt.Errorf("outer: %w", &TimeoutError{}), KindTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDependencyErrorMessage(t *testing.T) {
	err := &DependencyError{Plugin: "reporter", Dependency: "logger", Required: "^1.0.0"}
	if got, want := err.Error(), "missing dependency: logger"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	err.Found = "2.0.0"
	if got, want := err.Error(), "dependency logger: version 2.0.0 does not satisfy ^1.0.0"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConflictErrorDependents(t *testing.T) {
	err := &ConflictError{Plugin: "logger", Dependents: []string{"reporter", "audit"}}
	want := `conflict: plugin "logger" is required by reporter, audit`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("errors.Is(ConflictError, ErrConflict) = false")
	}
}

func TestReloadErrorUnwrap(t *testing.T) {
	inner := &ValidationError{Field: "version", Message: "is required"}
	err := &ReloadError{Plugin: "a", Stage: "validate", Err: inner}

	if !errors.Is(err, ErrReload) {
		t.Error("errors.Is(err, ErrReload) = false")
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("errors.Is(err, ErrValidation) = false, want unwrap to inner error")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "version" {
		t.Errorf("errors.As() field = %v, want version", ve)
	}
}
