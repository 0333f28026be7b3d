package tasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
)

// Lifecycle events.
const (
	EventStart   = "start"
	EventSucceed = "succeed"
	EventFail    = "fail"
	EventRevoke  = "revoke"
)

// transitions is the task state machine. Nothing leaves a terminal state.
var transitions = fsm.Events{
	{Name: EventStart, Src: []string{string(models.StatusPending)}, Dst: string(models.StatusStarted)},
	{Name: EventSucceed, Src: []string{string(models.StatusStarted)}, Dst: string(models.StatusSuccess)},
	{Name: EventFail, Src: []string{string(models.StatusPending), string(models.StatusStarted)}, Dst: string(models.StatusFailure)},
	{Name: EventRevoke, Src: []string{string(models.StatusPending), string(models.StatusStarted)}, Dst: string(models.StatusRevoked)},
}

// EventFor returns the event that moves a task into status.
func EventFor(status models.TaskStatus) (string, error) {
	switch status {
	case models.StatusStarted:
		return EventStart, nil
	case models.StatusSuccess:
		return EventSucceed, nil
	case models.StatusFailure:
		return EventFail, nil
	case models.StatusRevoked:
		return EventRevoke, nil
	}
	return "", fmt.Errorf("no event leads to status %s", status)
}

// Lifecycle guards the status of a single task.
type Lifecycle struct {
	id string

	mu  sync.RWMutex
	fsm *fsm.FSM

	logger logger.Logger
}

// NewLifecycle creates the state machine for task id starting at initial.
func NewLifecycle(id string, initial models.TaskStatus, log logger.Logger) *Lifecycle {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	l := &Lifecycle{id: id, logger: log}
	l.fsm = fsm.NewFSM(
		string(initial),
		transitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				l.logger.Debugf("task %s: %s -> %s", l.id, e.Src, e.Dst)
			},
		},
	)
	return l
}

// Current returns the current status.
func (l *Lifecycle) Current() models.TaskStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return models.TaskStatus(l.fsm.Current())
}

// Can reports whether the task may move to status from where it is now.
func (l *Lifecycle) Can(status models.TaskStatus) bool {
	event, err := EventFor(status)
	if err != nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fsm.Can(event)
}

// Transition moves the task to status and returns the status it left.
func (l *Lifecycle) Transition(ctx context.Context, status models.TaskStatus) (models.TaskStatus, error) {
	event, err := EventFor(status)
	if err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from := models.TaskStatus(l.fsm.Current())
	if err := l.fsm.Event(ctx, event); err != nil {
		return from, &TransitionError{TaskID: l.id, From: from, To: status, Err: err}
	}
	return from, nil
}

// TransitionError reports a status change the state machine refused.
type TransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s: %v", e.TaskID, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}
