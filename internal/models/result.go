package models

import "time"

// ExecutionResult is the outcome of one action process.
type ExecutionResult struct {
	ExitCode int           // process exit status
	Stdout   string        // captured standard output
	Stderr   string        // captured standard error
	Duration time.Duration // wall-clock run time
}

// Succeeded reports whether the process exited with status 0.
func (r *ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Experiment is the narrow view of an experiment record the executor needs.
type Experiment struct {
	ID   string // e.g. 20240229-5689864ffd94
	Path string // storage folder for attached files
}
