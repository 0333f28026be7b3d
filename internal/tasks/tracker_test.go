package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/store"
)

// recordingLogger captures terminal tasks.
type recordingLogger struct {
	logger.NoOpLogger
	mu   sync.Mutex
	done []*models.Task
}

func (r *recordingLogger) LogTaskResult(task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, task)
	return nil
}

func (r *recordingLogger) recorded() []*models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Task(nil), r.done...)
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *store.Store, *recordingLogger) {
	t.Helper()
	st, err := store.NewStore(store.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	rec := &recordingLogger{}
	return NewTracker(st, rec, opts...), st, rec
}

func submission() Submission {
	return Submission{
		Experiment: "20240229-5689864ffd94",
		Extension:  "demo",
		Action:     "echo",
		Params:     map[string]string{"var1": "text"},
		Requester:  "admin",
	}
}

func TestTrackerSuccessfulRun(t *testing.T) {
	tr, _, rec := newTestTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, submission())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, task.Status)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, 1, tr.Active())

	started, err := tr.Start(ctx, task.ID, func() {})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, started.Status)
	require.NotNil(t, started.StartedAt)

	done, err := tr.Finish(ctx, task.ID, Outcome{Result: &models.ExecutionResult{ExitCode: 0, Stdout: "var1=text\n"}})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, done.Status)
	require.NotNil(t, done.ResultCode)
	assert.Equal(t, 0, *done.ResultCode)
	assert.Equal(t, "var1=text\n", done.Stdout)
	assert.NotNil(t, done.EndedAt)
	assert.Equal(t, 0, tr.Active())

	require.Len(t, rec.recorded(), 1)
	assert.Equal(t, task.ID, rec.recorded()[0].ID)

	// A second finish changes nothing.
	again, err := tr.Finish(ctx, task.ID, Outcome{Err: errors.New("late")})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, again.Status)
	assert.Len(t, rec.recorded(), 1)
}

func TestTrackerFailureOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		start     bool
		outcome   Outcome
		wantError string
		wantCode  *int
	}{
		{
			name:      "nonzero exit",
			start:     true,
			outcome:   Outcome{Result: &models.ExecutionResult{ExitCode: 3, Stderr: "boom"}},
			wantError: "exit status 3",
			wantCode:  intPtr(3),
		},
		{
			name:      "execution error",
			start:     true,
			outcome:   Outcome{Err: errors.New("timed out after 1s")},
			wantError: "timed out after 1s",
		},
		{
			name:      "failure before start",
			outcome:   Outcome{Err: errors.New("provisioning failed")},
			wantError: "provisioning failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, _ := newTestTracker(t)
			ctx := context.Background()
			task, err := tr.Create(ctx, submission())
			require.NoError(t, err)
			if tt.start {
				_, err = tr.Start(ctx, task.ID, nil)
				require.NoError(t, err)
			}

			done, err := tr.Finish(ctx, task.ID, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, models.StatusFailure, done.Status)
			assert.Equal(t, tt.wantError, done.Error)
			if tt.wantCode != nil {
				require.NotNil(t, done.ResultCode)
				assert.Equal(t, *tt.wantCode, *done.ResultCode)
			}
		})
	}
}

func intPtr(i int) *int { return &i }

func TestTrackerCancelPending(t *testing.T) {
	tr, _, rec := newTestTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, submission())
	require.NoError(t, err)

	revoked, err := tr.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, revoked.Status)
	assert.Len(t, rec.recorded(), 1)

	_, err = tr.Start(ctx, task.ID, nil)
	assert.ErrorIs(t, err, ErrNotRunnable, "a revoked task must never start")
}

func TestTrackerCancelStarted(t *testing.T) {
	tr, _, _ := newTestTracker(t, WithCancelWait(5*time.Second))
	ctx := context.Background()

	task, err := tr.Create(ctx, submission())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	_, err = tr.Start(ctx, task.ID, cancel)
	require.NoError(t, err)

	// Worker: waits for cancellation, then reports the killed process.
	go func() {
		<-runCtx.Done()
		tr.Finish(context.Background(), task.ID, Outcome{
			Result: &models.ExecutionResult{ExitCode: -1},
			Err:    runCtx.Err(),
		})
	}()

	revoked, err := tr.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRevoked, revoked.Status)
	assert.NotNil(t, revoked.EndedAt)
}

func TestTrackerCancelTerminalIsNoOp(t *testing.T) {
	tr, _, rec := newTestTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, submission())
	require.NoError(t, err)
	_, err = tr.Start(ctx, task.ID, nil)
	require.NoError(t, err)
	_, err = tr.Finish(ctx, task.ID, Outcome{Result: &models.ExecutionResult{ExitCode: 1}})
	require.NoError(t, err)

	got, err := tr.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, got.Status)
	assert.Len(t, rec.recorded(), 1)
}

func TestTrackerCancelUnknown(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	_, err := tr.Cancel(context.Background(), "nope")
	assert.True(t, models.IsNotFound(err))
}

func TestTrackerCancelTaskOfAnotherProcess(t *testing.T) {
	owner, st, _ := newTestTracker(t)
	ctx := context.Background()

	task, err := owner.Create(ctx, submission())
	require.NoError(t, err)
	_, err = owner.Start(ctx, task.ID, func() {})
	require.NoError(t, err)

	other := NewTracker(st, nil)
	start := time.Now()
	_, err = other.Cancel(ctx, task.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotOwned))
	assert.Less(t, time.Since(start), time.Second)

	stored, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStarted, stored.Status)

	// Once the owner records the result, cancelling elsewhere is a no-op.
	_, err = owner.Finish(ctx, task.ID, Outcome{Result: &models.ExecutionResult{ExitCode: 0}})
	require.NoError(t, err)
	got, err := other.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, got.Status)
}

func TestTrackerWait(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, submission())
	require.NoError(t, err)

	go func() {
		tr.Start(context.Background(), task.ID, nil)
		tr.Finish(context.Background(), task.ID, Outcome{Result: &models.ExecutionResult{}})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := tr.Wait(waitCtx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, done.Status)
}

func TestTrackerListPaging(t *testing.T) {
	tr, _, _ := newTestTracker(t, WithMaxPageSize(3))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := tr.Create(ctx, submission())
		require.NoError(t, err)
	}

	all, err := tr.List(ctx, models.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3, "zero limit means the maximum page size")

	rest, err := tr.List(ctx, models.TaskFilter{Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	_, err = tr.List(ctx, models.TaskFilter{Limit: 4})
	assert.True(t, models.IsValidation(err), "oversized pages are rejected, not clamped")

	_, err = tr.List(ctx, models.TaskFilter{Offset: -1})
	assert.True(t, models.IsValidation(err))

	_, err = tr.List(ctx, models.TaskFilter{Limit: -1})
	assert.True(t, models.IsValidation(err))
}

func TestTrackerRecover(t *testing.T) {
	st, err := store.NewStore(store.MemoryDSN)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	// A tracker that "crashes" with one pending and one running task.
	first := NewTracker(st, nil)
	a, err := first.Create(ctx, submission())
	require.NoError(t, err)
	b, err := first.Create(ctx, submission())
	require.NoError(t, err)
	_, err = first.Start(ctx, b.ID, nil)
	require.NoError(t, err)

	second := NewTracker(st, nil)
	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		got, err := second.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailure, got.Status)
		assert.Equal(t, InterruptedReason, got.Error)
	}
}

func TestTrackerStatusNeverRegresses(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	task, err := tr.Create(ctx, submission())
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := tr.Start(ctx, task.ID, nil); err == nil {
			tr.Finish(ctx, task.ID, Outcome{Result: &models.ExecutionResult{}})
		}
	}()
	go func() {
		defer wg.Done()
		tr.Cancel(ctx, task.ID)
	}()
	wg.Wait()

	got, err := tr.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTerminal())

	transitions, err := tr.History(ctx, task.ID)
	require.NoError(t, err)
	rank := map[models.TaskStatus]int{models.StatusPending: 0, models.StatusStarted: 1}
	prev := -1
	for _, step := range transitions {
		r, ok := rank[step.To]
		if !ok {
			r = 2
		}
		assert.Greater(t, r, prev, "status moved backwards: %+v", transitions)
		prev = r
	}
}
