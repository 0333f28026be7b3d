package executor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrQueueFull is returned when an asynchronous request arrives while every
// queue slot is taken. No task is created.
var ErrQueueFull = errors.New("execution queue is full")

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("executor is closed")

// TimeoutError reports an action process killed because it ran too long.
type TimeoutError struct {
	Action          string        // extension/action that timed out
	TimeoutDuration time.Duration // Duration after which timeout occurred
	Timestamp       time.Time     // When the timeout occurred
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(action string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		Action:          action,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %v", e.Action, e.TimeoutDuration)
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// SpawnError reports a script that could not be started, as opposed to one
// that ran and exited non-zero. ExitCode is -1 when the process never started,
// otherwise the shell's 126 (not executable) or 127 (not found).
type SpawnError struct {
	Action   string
	ExitCode int
	Err      error
}

// Error implements the error interface for SpawnError.
func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: could not spawn script: %v", e.Action, e.Err)
	}
	reason := "command not found"
	if e.ExitCode == 126 {
		reason = "command not executable"
	}
	return fmt.Sprintf("%s: could not spawn script: %s (exit status %d)", e.Action, reason, e.ExitCode)
}

// Unwrap returns the underlying start error, if any.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	// Check for TimeoutError
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	// Check for context.DeadlineExceeded
	return errors.Is(err, context.DeadlineExceeded)
}

// IsSpawnError checks if the error is or wraps a SpawnError.
func IsSpawnError(err error) bool {
	if err == nil {
		return false
	}
	var se *SpawnError
	return errors.As(err, &se)
}
