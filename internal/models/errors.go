package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel error classes. Typed errors below match these via errors.Is so
// callers can branch on the class without knowing the concrete type.
var (
	// ErrNotFound marks unknown extensions, actions, experiments and tasks.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks requests rejected before any process is spawned.
	ErrValidation = errors.New("validation failed")

	// ErrConfiguration marks malformed extensions and missing folders.
	ErrConfiguration = errors.New("configuration error")

	// ErrFolderUnset is returned when an extension's folder is read before it
	// was loaded from disk.
	ErrFolderUnset = errors.New("extension was not loaded from a folder")
)

// ParameterError reports a single parameter that failed validation.
type ParameterError struct {
	Parameter string
	Reason    string
}

// Error implements the error interface.
func (e *ParameterError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Parameter, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ParameterError) Is(target error) bool {
	return target == ErrValidation
}

// ParameterSetError reports a mismatch between supplied and declared
// parameter names.
type ParameterSetError struct {
	Missing    []string
	Unexpected []string
}

// NewParameterSetError builds a ParameterSetError with sorted key lists.
func NewParameterSetError(missing, unexpected []string) *ParameterSetError {
	sort.Strings(missing)
	sort.Strings(unexpected)
	return &ParameterSetError{Missing: missing, Unexpected: unexpected}
}

// Error implements the error interface.
func (e *ParameterSetError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected: "+strings.Join(e.Unexpected, ", "))
	}
	return "parameter set mismatch (" + strings.Join(parts, "; ") + ")"
}

// Is reports whether target is ErrValidation.
func (e *ParameterSetError) Is(target error) bool {
	return target == ErrValidation
}

// NotFoundError names the kind and identifier of a missing entity.
type NotFoundError struct {
	Kind string // "extension", "action", "experiment", "task"
	Name string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConfigError wraps a configuration problem with the path it was found at.
// Path is a folder, a manifest file or a field path inside a manifest.
type ConfigError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error at %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// IsNotFound reports whether err belongs to the not-found class.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConfiguration reports whether err belongs to the configuration class.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
