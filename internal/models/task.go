package models

import (
	"time"
)

// TaskStatus is a state of the task lifecycle:
// PENDING -> STARTED -> {SUCCESS, FAILURE, REVOKED}; REVOKED and FAILURE are
// also reachable directly from PENDING.
type TaskStatus string

const (
	StatusPending TaskStatus = "PENDING"
	StatusStarted TaskStatus = "STARTED"
	StatusSuccess TaskStatus = "SUCCESS"
	StatusFailure TaskStatus = "FAILURE"
	StatusRevoked TaskStatus = "REVOKED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// ParseTaskStatus converts a stored status string back into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(s) {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusRevoked:
		return TaskStatus(s), true
	}
	return "", false
}

// Task is one execution attempt of an action against an experiment.
type Task struct {
	ID         string            `json:"id"`
	Experiment string            `json:"experiment"`
	Extension  string            `json:"extension"`
	Action     string            `json:"action"`
	Params     map[string]string `json:"params"`
	Requester  string            `json:"requester,omitempty"`
	Status     TaskStatus        `json:"status"`
	ReceivedAt time.Time         `json:"received_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
	ResultCode *int              `json:"result_code,omitempty"`
	Stdout     string            `json:"stdout,omitempty"`
	Stderr     string            `json:"stderr,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// IsTerminal reports whether the task reached SUCCESS, FAILURE or REVOKED.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Duration returns how long the process ran (0 if it never started or has
// not ended).
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt)
}

// TaskFilter selects tasks for listing. Empty fields match everything.
type TaskFilter struct {
	Extension  string
	Action     string
	Experiment string
	Requester  string
	Limit      int
	Offset     int
}
