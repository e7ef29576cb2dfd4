// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for every failure the state history can report
// - The typed TimeRangeError
// - Error category checking functions
// - ExitCode mapping for the command line tool
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Exit codes - used by cmd/statehist
// ============================================================================

const (
	ExitOK            = 0
	ExitInternal      = 1
	ExitUsage         = 2
	ExitTimeRange     = 3
	ExitNotFound      = 4
	ExitDisposed      = 5
	ExitIO            = 6
	ExitCorrupt       = 7
	ExitInvalidConfig = 8
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitOK:
		return "OK"
	case ExitInternal:
		return "Internal"
	case ExitUsage:
		return "Usage"
	case ExitTimeRange:
		return "TimeRange"
	case ExitNotFound:
		return "NotFound"
	case ExitDisposed:
		return "Disposed"
	case ExitIO:
		return "IO"
	case ExitCorrupt:
		return "Corrupt"
	case ExitInvalidConfig:
		return "InvalidConfig"
	default:
		return fmt.Sprintf("Exit(%d)", code)
	}
}

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Query and construction errors
	ErrTimeRange         = errors.New("time out of range")
	ErrAttributeNotFound = errors.New("attribute not found")
	ErrDisposed          = errors.New("state system disposed")
	ErrStateValueType    = errors.New("state value type mismatch")
	ErrIncoherentStorage = errors.New("incoherent interval storage")
	ErrStackOverflow     = errors.New("attribute stack depth exceeded")

	// Lifecycle errors
	ErrAttributeTreeFrozen = errors.New("attribute tree is frozen")
	ErrAlreadyBuilt        = errors.New("history already finished building")
	ErrNotBuilt            = errors.New("history is still building")

	// Storage errors
	ErrIO          = errors.New("storage I/O error")
	ErrCorruptFile = errors.New("corrupt history file")
	ErrNodeFull    = errors.New("interval does not fit in an empty node")

	// Configuration and input errors
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidPath    = errors.New("invalid attribute path")
	ErrInvalidValue   = errors.New("invalid state value")
	ErrUnknownBackend = errors.New("unknown backend")
)

// ============================================================================
// Typed errors
// ============================================================================

// TimeRangeError describes a timestamp outside the valid range of a history, or
// one that breaks per-attribute monotonicity during construction.
type TimeRangeError struct {
	Time   int64
	Start  int64
	End    int64
	Reason string
}

// NewTimeRange creates a TimeRangeError.
func NewTimeRange(t, start, end int64, reason string) *TimeRangeError {
	return &TimeRangeError{Time: t, Start: start, End: end, Reason: reason}
}

// Error implements the error interface.
func (e *TimeRangeError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: t=%d valid=[%d,%d]: %s", ErrTimeRange, e.Time, e.Start, e.End, e.Reason)
	}
	return fmt.Sprintf("%s: t=%d valid=[%d,%d]", ErrTimeRange, e.Time, e.Start, e.End)
}

// Is makes errors.Is(err, ErrTimeRange) match.
func (e *TimeRangeError) Is(target error) bool {
	return target == ErrTimeRange
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsTimeRange returns true if err is a time range error.
func IsTimeRange(err error) bool {
	return errors.Is(err, ErrTimeRange)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAttributeNotFound)
}

// IsDisposed returns true if err was caused by a disposed state system.
func IsDisposed(err error) bool {
	return errors.Is(err, ErrDisposed)
}

// IsStorage returns true if err is a storage-level failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrIO) ||
		errors.Is(err, ErrCorruptFile) ||
		errors.Is(err, ErrNodeFull)
}

// IsLifecycle returns true if err reports an operation at the wrong point of
// the build lifecycle.
func IsLifecycle(err error) bool {
	return errors.Is(err, ErrAttributeTreeFrozen) ||
		errors.Is(err, ErrAlreadyBuilt) ||
		errors.Is(err, ErrNotBuilt) ||
		errors.Is(err, ErrDisposed)
}

// IsValidation returns true if err is an input validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrUnknownBackend)
}

// ============================================================================
// Error to exit code mapping
// ============================================================================

// ExitCode maps an error to the process exit code used by the CLI.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	switch {
	case IsTimeRange(err):
		return ExitTimeRange
	case IsNotFound(err):
		return ExitNotFound
	case IsDisposed(err):
		return ExitDisposed
	case Is(err, ErrCorruptFile):
		return ExitCorrupt
	case Is(err, ErrIO):
		return ExitIO
	case IsValidation(err):
		return ExitInvalidConfig
	default:
		return ExitInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IO wraps a storage failure so that it matches ErrIO while keeping the cause.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewAttributeNotFound creates a not-found error for a path.
func NewAttributeNotFound(path string) error {
	return fmt.Errorf("attribute '%s': %w", path, ErrAttributeNotFound)
}

// NewQuarkNotFound creates a not-found error for a quark.
func NewQuarkNotFound(quark int32) error {
	return fmt.Errorf("quark %d: %w", quark, ErrAttributeNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// NewCorrupt creates a corrupt file error.
func NewCorrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCorruptFile)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
