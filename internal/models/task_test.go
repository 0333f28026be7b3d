package models

import (
	"testing"
	"time"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusStarted, false},
		{StatusSuccess, true},
		{StatusFailure, true},
		{StatusRevoked, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTaskStatus(t *testing.T) {
	if s, ok := ParseTaskStatus("STARTED"); !ok || s != StatusStarted {
		t.Errorf("ParseTaskStatus(STARTED) = %q, %v", s, ok)
	}
	if _, ok := ParseTaskStatus("started"); ok {
		t.Error("status parsing must be case-sensitive")
	}
}

func TestTaskDuration(t *testing.T) {
	start := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	task := &Task{}
	if task.Duration() != 0 {
		t.Error("expected zero duration before start")
	}
	task.StartedAt = &start
	task.EndedAt = &end
	if task.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", task.Duration())
	}
}
