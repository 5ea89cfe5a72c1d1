// Package rterrors defines the error taxonomy shared by the plugin runtime.
//
// Every typed error matches its sentinel through errors.Is, so callers can
// branch on the category without type assertions:
//
//	if errors.Is(err, rterrors.ErrConflict) { ... }
package rterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for comparison with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrDependency    = errors.New("dependency error")
	ErrPermission    = errors.New("permission denied")
	ErrTimeout       = errors.New("execution timed out")
	ErrResourceLimit = errors.New("resource limit exceeded")
	ErrReload        = errors.New("reload failed")
)

// Kind names an error category.
type Kind string

// Error kinds.
const (
	KindValidation    Kind = "validation"
	KindConflict      Kind = "conflict"
	KindDependency    Kind = "dependency"
	KindPermission    Kind = "permission"
	KindTimeout       Kind = "timeout"
	KindResourceLimit Kind = "resource-limit"
	KindReload        Kind = "reload"
)

// KindOf returns the category of err, or "" if err is not part of the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDependency):
		return KindDependency
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrResourceLimit):
		return KindResourceLimit
	case errors.Is(err, ErrReload):
		return KindReload
	default:
		return ""
	}
}

// ValidationError reports a malformed manifest or plugin.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	if e.Value != "" {
		return fmt.Sprintf("validation error: %s %q: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports a duplicate registration or a blocked unregister.
type ConflictError struct {
	Plugin     string
	Existing   string
	Dependents []string
	Message    string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if len(e.Dependents) > 0 {
		return fmt.Sprintf("conflict: plugin %q is required by %s", e.Plugin, strings.Join(e.Dependents, ", "))
	}
	if e.Message != "" {
		return fmt.Sprintf("conflict: plugin %q: %s", e.Plugin, e.Message)
	}
	return fmt.Sprintf("conflict: plugin %q already registered (version %s)", e.Plugin, e.Existing)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// DependencyError reports a missing, stopped, or mismatched dependency.
type DependencyError struct {
	Plugin     string
	Dependency string
	Required   string
	Found      string
	Reason     string
}

// Error implements the error interface.
func (e *DependencyError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Dependency)
	case e.Found == "":
		return fmt.Sprintf("missing dependency: %s", e.Dependency)
	default:
		return fmt.Sprintf("dependency %s: version %s does not satisfy %s", e.Dependency, e.Found, e.Required)
	}
}

// Is matches ErrDependency.
func (e *DependencyError) Is(target error) bool {
	return target == ErrDependency
}

// PermissionError reports an access attempt the sandbox policy denied.
type PermissionError struct {
	Permission string
	Operation  string
	Reason     string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("permission denied: %s", e.Operation)
	if e.Permission != "" {
		msg += fmt.Sprintf(" (requires %s)", e.Permission)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches ErrPermission.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermission
}

// TimeoutError reports an execution that exceeded its time limit.
type TimeoutError struct {
	Operation string
	Limit     string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Limit)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ResourceLimitError reports an exhausted sandbox ceiling.
type ResourceLimitError struct {
	Resource string
	Limit    int64
	Current  int64
}

// Error implements the error interface.
func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s (%d > %d)", e.Resource, e.Current, e.Limit)
}

// Is matches ErrResourceLimit.
func (e *ResourceLimitError) Is(target error) bool {
	return target == ErrResourceLimit
}

// ReloadError reports a failed hot reload.
type ReloadError struct {
	Plugin string
	Stage  string
	Err    error
}

// Error implements the error interface.
func (e *ReloadError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("reload %s failed at %s: %v", e.Plugin, e.Stage, e.Err)
	}
	return fmt.Sprintf("reload %s failed: %v", e.Plugin, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReloadError) Unwrap() error {
	return e.Err
}

// Is matches ErrReload.
func (e *ReloadError) Is(target error) bool {
	return target == ErrReload
}
