// Package tasks tracks execution requests through their status lifecycle.
//
// The Tracker owns every in-flight task: it persists each status change to the
// store before exposing it, so pollers only ever see a task move forward, and
// it writes the terminal result exactly once.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/store"
)

// InterruptedReason is the error recorded on tasks left unfinished by a
// previous process.
const InterruptedReason = "interrupted: service restarted"

// DefaultMaxPageSize caps ListTasks when the tracker is built without a limit.
const DefaultMaxPageSize = 100

// ErrNotRunnable is returned by Start when the task was revoked or already
// finished before a worker picked it up.
var ErrNotRunnable = errors.New("task is no longer runnable")

// ErrNotOwned is returned by Cancel for an unfinished task that no worker of
// this tracker runs, e.g. one started by another server sharing the database.
var ErrNotOwned = errors.New("task is not run by this process")

// Submission describes a task to create.
type Submission struct {
	Experiment string
	Extension  string
	Action     string
	Params     map[string]string
	Requester  string
}

// Outcome is what a worker reports when a task stops.
type Outcome struct {
	Result *models.ExecutionResult // nil when no process ran
	Err    error                   // execution error, if any
}

// handle is the in-memory side of a task that has not reached a terminal state.
type handle struct {
	mu        sync.Mutex
	lifecycle *Lifecycle
	cancel    context.CancelFunc
	revoking  bool
	done      chan struct{}
}

// Tracker creates tasks, moves them through their lifecycle and answers
// queries about them.
type Tracker struct {
	store       *store.Store
	logger      logger.Logger
	maxPageSize int

	// cancelWait bounds how long Cancel waits for a started task to stop.
	cancelWait time.Duration

	mu   sync.Mutex
	live map[string]*handle
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxPageSize sets the largest accepted ListTasks limit.
func WithMaxPageSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxPageSize = n
		}
	}
}

// WithCancelWait sets how long Cancel waits for a running process to exit.
func WithCancelWait(d time.Duration) Option {
	return func(t *Tracker) { t.cancelWait = d }
}

// NewTracker creates a tracker backed by st. If log also implements
// logger.TaskRecorder, every terminal task is recorded with it.
func NewTracker(st *store.Store, log logger.Logger, opts ...Option) *Tracker {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	t := &Tracker{
		store:       st,
		logger:      log,
		maxPageSize: DefaultMaxPageSize,
		cancelWait:  10 * time.Second,
		live:        make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Recover marks tasks a previous process left PENDING or STARTED as FAILURE.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	n, err := t.store.FailUnfinished(ctx, InterruptedReason, time.Now())
	if err != nil {
		return n, fmt.Errorf("recover unfinished tasks: %w", err)
	}
	if n > 0 {
		t.logger.Warnf("Marked %d unfinished task(s) from a previous run as FAILURE", n)
	}
	return n, nil
}

// Create persists a new PENDING task and starts tracking it.
func (t *Tracker) Create(ctx context.Context, sub Submission) (*models.Task, error) {
	params := make(map[string]string, len(sub.Params))
	for k, v := range sub.Params {
		params[k] = v
	}
	task := &models.Task{
		ID:         uuid.NewString(),
		Experiment: sub.Experiment,
		Extension:  sub.Extension,
		Action:     sub.Action,
		Params:     params,
		Requester:  sub.Requester,
		Status:     models.StatusPending,
		ReceivedAt: time.Now(),
	}
	if err := t.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}

	h := &handle{
		lifecycle: NewLifecycle(task.ID, models.StatusPending, t.logger),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.live[task.ID] = h
	t.mu.Unlock()

	t.logger.Debugf("Task %s created for %s/%s on experiment %s", task.ID, task.Extension, task.Action, task.Experiment)
	return task, nil
}

func (t *Tracker) handle(id string) (*handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.live[id]
	return h, ok
}

func (t *Tracker) release(id string, h *handle) {
	t.mu.Lock()
	delete(t.live, id)
	t.mu.Unlock()
	close(h.done)
}

// Start moves a PENDING task to STARTED. cancel is invoked if the task is
// revoked while running. It returns ErrNotRunnable when the task was revoked
// before it could start.
func (t *Tracker) Start(ctx context.Context, id string, cancel context.CancelFunc) (*models.Task, error) {
	h, ok := t.handle(id)
	if !ok {
		return nil, fmt.Errorf("start task %s: %w", id, ErrNotRunnable)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.revoking || !h.lifecycle.Can(models.StatusStarted) {
		return nil, fmt.Errorf("start task %s: %w", id, ErrNotRunnable)
	}

	now := time.Now()
	changed, err := t.store.TransitionStatus(ctx, id, models.StatusPending, models.StatusStarted, now, &now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("start task %s: %w", id, ErrNotRunnable)
	}
	if _, err := h.lifecycle.Transition(ctx, models.StatusStarted); err != nil {
		return nil, err
	}
	h.cancel = cancel
	return t.store.GetTask(ctx, id)
}

// Finish records the terminal state of a task. A task that was revoked while
// running is stored as REVOKED whatever the process outcome was. Finish is a
// no-op returning the stored task if the task already finished.
func (t *Tracker) Finish(ctx context.Context, id string, out Outcome) (*models.Task, error) {
	h, ok := t.handle(id)
	if !ok {
		return t.store.GetTask(ctx, id)
	}

	h.mu.Lock()
	from := h.lifecycle.Current()
	if from.IsTerminal() {
		h.mu.Unlock()
		return t.store.GetTask(ctx, id)
	}

	final := &models.Task{ID: id}
	end := time.Now()
	final.EndedAt = &end

	if out.Result != nil {
		code := out.Result.ExitCode
		final.ResultCode = &code
		final.Stdout = out.Result.Stdout
		final.Stderr = out.Result.Stderr
	}

	switch {
	case h.revoking:
		final.Status = models.StatusRevoked
		final.Error = "revoked"
	case out.Err != nil:
		final.Status = models.StatusFailure
		final.Error = out.Err.Error()
	case out.Result != nil && out.Result.Succeeded():
		final.Status = models.StatusSuccess
	default:
		final.Status = models.StatusFailure
		if out.Result != nil {
			final.Error = fmt.Sprintf("exit status %d", out.Result.ExitCode)
		}
	}

	task, err := t.finalize(ctx, h, final, from)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t.release(id, h)
	t.record(task)
	return task, nil
}

// finalize persists final and advances the lifecycle. Callers hold h.mu.
func (t *Tracker) finalize(ctx context.Context, h *handle, final *models.Task, from models.TaskStatus) (*models.Task, error) {
	if !h.lifecycle.Can(final.Status) {
		return nil, &TransitionError{TaskID: final.ID, From: from, To: final.Status, Err: errors.New("transition not allowed")}
	}
	if _, err := t.store.FinalizeTask(ctx, final, from); err != nil {
		return nil, err
	}
	if _, err := h.lifecycle.Transition(ctx, final.Status); err != nil {
		return nil, err
	}
	return t.store.GetTask(ctx, final.ID)
}

// Cancel revokes a task. A PENDING task is revoked immediately and will never
// start. For a STARTED task the running process is cancelled and Cancel waits
// up to the configured cancel wait for the worker to record REVOKED. Cancelling
// a task that already finished returns it unchanged.
func (t *Tracker) Cancel(ctx context.Context, id string) (*models.Task, error) {
	h, ok := t.handle(id)
	if !ok {
		task, err := t.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if !task.IsTerminal() {
			t.logger.Warnf("Task %s is %s but not run by this process; not revoking it", id, task.Status)
			return nil, fmt.Errorf("cancel task %s (%s): %w", id, task.Status, ErrNotOwned)
		}
		return task, nil
	}

	h.mu.Lock()
	switch h.lifecycle.Current() {
	case models.StatusPending:
		end := time.Now()
		final := &models.Task{ID: id, Status: models.StatusRevoked, EndedAt: &end, Error: "revoked before start"}
		task, err := t.finalize(ctx, h, final, models.StatusPending)
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		t.release(id, h)
		t.record(task)
		t.logger.Infof("Task %s revoked before it started", id)
		return task, nil

	case models.StatusStarted:
		first := !h.revoking
		h.revoking = true
		cancel := h.cancel
		h.mu.Unlock()
		if first {
			t.logger.Infof("Revoking running task %s", id)
		}
		if cancel != nil {
			cancel()
		}
		return t.waitDone(ctx, id, h, t.cancelWait)

	default:
		h.mu.Unlock()
		return t.store.GetTask(ctx, id)
	}
}

// waitDone blocks until h finishes, limit elapses or ctx ends, then returns the
// stored task.
func (t *Tracker) waitDone(ctx context.Context, id string, h *handle, limit time.Duration) (*models.Task, error) {
	var timeout <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-h.done:
	case <-timeout:
		t.logger.Warnf("Task %s did not stop within %s", id, limit)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.store.GetTask(ctx, id)
}

// Wait blocks until the task reaches a terminal state or ctx ends.
func (t *Tracker) Wait(ctx context.Context, id string) (*models.Task, error) {
	h, ok := t.handle(id)
	if !ok {
		return t.store.GetTask(ctx, id)
	}
	return t.waitDone(ctx, id, h, 0)
}

// Get returns the current state of a task.
func (t *Tracker) Get(ctx context.Context, id string) (*models.Task, error) {
	return t.store.GetTask(ctx, id)
}

// List returns tasks matching filter, newest first. A zero limit means the
// maximum page size; a larger limit or a negative offset is rejected.
func (t *Tracker) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", models.ErrValidation)
	}
	if filter.Limit > t.maxPageSize {
		return nil, fmt.Errorf("%w: limit %d exceeds maximum page size %d", models.ErrValidation, filter.Limit, t.maxPageSize)
	}
	if filter.Offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", models.ErrValidation)
	}
	if filter.Limit == 0 {
		filter.Limit = t.maxPageSize
	}
	return t.store.ListTasks(ctx, filter)
}

// History returns the recorded status changes of a task, oldest first.
func (t *Tracker) History(ctx context.Context, id string) ([]store.Transition, error) {
	return t.store.Transitions(ctx, id)
}

// Active returns the number of tasks not yet finished.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *Tracker) record(task *models.Task) {
	rec, ok := t.logger.(logger.TaskRecorder)
	if !ok {
		return
	}
	if err := rec.LogTaskResult(task); err != nil {
		t.logger.Warnf("Failed to record task %s: %v", task.ID, err)
	}
}
