package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harrison/aqueduct/internal/experiment"
	"github.com/harrison/aqueduct/internal/logger"
	"github.com/harrison/aqueduct/internal/metrics"
	"github.com/harrison/aqueduct/internal/models"
	"github.com/harrison/aqueduct/internal/tasks"
)

// ArtifactTimeFormat stamps artifact file names.
const ArtifactTimeFormat = "20060102-150405"

// CancelWaitSlack is added to the kill grace period to bound how long a cancel
// request waits for a running task to be recorded as REVOKED.
const CancelWaitSlack = 5 * time.Second

// errShutdown is recorded on tasks interrupted by Close.
var errShutdown = errors.New("interrupted: service shutting down")

// ExtensionSource resolves extensions and actions by name.
type ExtensionSource interface {
	List() []*models.Extension
	Get(name string) (*models.Extension, error)
	Resolve(extension, action string) (*models.Extension, *models.Action, error)
}

// EnvironmentProvisioner makes sure an extension's interpreter exists.
type EnvironmentProvisioner interface {
	Ensure(ctx context.Context, ext *models.Extension) (string, error)
}

// Options bounds execution.
type Options struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxConcurrency int
	QueueSize      int
}

// Request asks for one action run.
type Request struct {
	Extension     string
	Action        string
	ExperimentRef string // may be empty when the action has an experiment parameter
	Params        map[string]string
	Requester     string
	Blocking      bool          // run inline and return the terminal task
	Timeout       time.Duration // zero means Options.DefaultTimeout
	Interpreter   string        // skips provisioning when set
}

// job is a validated request waiting for a worker.
type job struct {
	taskID      string
	experiment  string
	inv         Invocation
	interpreter string
}

// Service validates execution requests, creates tasks for them and runs them
// either inline or on a fixed pool of workers.
type Service struct {
	opts        Options
	extensions  ExtensionSource
	envs        EnvironmentProvisioner
	experiments experiment.Store
	tracker     *tasks.Tracker
	runner      *Runner
	logger      logger.Logger

	// slots counts queued jobs a worker has not picked up yet.
	slots *semaphore.Weighted
	queue chan *job
	// running bounds queued and inline runs together to MaxConcurrency.
	running *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewService wires an execution service. Workers run once Start is called.
func NewService(opts Options, extensions ExtensionSource, envs EnvironmentProvisioner, experiments experiment.Store, tracker *tasks.Tracker, runner *Runner, log logger.Logger) *Service {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = 10 * DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:        opts,
		extensions:  extensions,
		envs:        envs,
		experiments: experiments,
		tracker:     tracker,
		runner:      runner,
		logger:      log,
		slots:       semaphore.NewWeighted(int64(opts.QueueSize)),
		running:     semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		queue:       make(chan *job, opts.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start fails tasks left unfinished by a previous process and launches the
// worker pool. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	if _, err := s.tracker.Recover(ctx); err != nil {
		return err
	}
	for i := 0; i < s.opts.MaxConcurrency; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.started = true
	s.logger.Infof("Executor started with %d worker(s), queue size %d", s.opts.MaxConcurrency, s.opts.QueueSize)
	return nil
}

// Close stops accepting requests, interrupts running tasks and waits for the
// workers to record them, or for ctx to end.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if n := s.tracker.Active(); n > 0 {
		s.logger.Infof("Interrupting %d unfinished task(s)", n)
	}
	s.cancel()
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute validates req and runs it. Validation, not-found and configuration
// errors are returned before any task exists. A blocking request returns the
// terminal task; otherwise the PENDING task is returned and a worker runs it.
// Blocking runs share the MaxConcurrency limit with the workers and wait for a
// free slot while their task stays PENDING.
// Failures after the task was created are recorded on the task, not returned.
func (s *Service) Execute(ctx context.Context, req Request) (*models.Task, error) {
	j, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	if !req.Blocking && !s.slots.TryAcquire(1) {
		s.mu.RUnlock()
		return nil, ErrQueueFull
	}

	task, err := s.tracker.Create(ctx, tasks.Submission{
		Experiment: j.experiment,
		Extension:  j.inv.Extension.Name,
		Action:     j.inv.Action.Name,
		Params:     j.inv.Params,
		Requester:  req.Requester,
	})
	if err != nil {
		if !req.Blocking {
			s.slots.Release(1)
		}
		s.mu.RUnlock()
		return nil, err
	}
	j.taskID = task.ID
	metrics.TasksSubmitted.WithLabelValues(task.Extension, task.Action).Inc()
	metrics.TasksActive.Inc()

	if !req.Blocking {
		// Holding a slot guarantees room in the buffered queue.
		s.queue <- j
		s.mu.RUnlock()
		s.logger.Debugf("Task %s queued for %s", task.ID, j.inv.Label())
		return task, nil
	}

	s.wg.Add(1)
	s.mu.RUnlock()
	defer s.wg.Done()

	// Shutdown interrupts inline runs too.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	if err := s.running.Acquire(runCtx, 1); err != nil {
		if s.ctx.Err() != nil {
			err = errShutdown
		}
		metrics.TasksActive.Dec()
		return s.finish(context.WithoutCancel(ctx), j, tasks.Outcome{Err: err}), nil
	}
	defer s.running.Release(1)
	return s.process(runCtx, j), nil
}

// prepare resolves and validates req into a job.
func (s *Service) prepare(ctx context.Context, req Request) (*job, error) {
	ext, action, err := s.extensions.Resolve(req.Extension, req.Action)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	switch {
	case timeout < 0:
		return nil, fmt.Errorf("%w: timeout must not be negative", models.ErrValidation)
	case timeout == 0:
		timeout = s.opts.DefaultTimeout
	case timeout > s.opts.MaxTimeout:
		return nil, fmt.Errorf("%w: timeout %v exceeds maximum %v", models.ErrValidation, timeout, s.opts.MaxTimeout)
	}

	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		params[k] = v
	}
	if err := action.ValidateParams(params); err != nil {
		return nil, err
	}

	ref, err := experimentRef(action, req.ExperimentRef, params)
	if err != nil {
		return nil, err
	}
	if _, err := s.experiments.Get(ctx, ref); err != nil {
		return nil, err
	}

	return &job{
		experiment: ref,
		inv: Invocation{
			Extension: ext,
			Action:    action,
			Params:    params,
			Timeout:   timeout,
		},
		interpreter: req.Interpreter,
	}, nil
}

// experimentRef picks the experiment a request targets: the explicit
// reference, else the value of the action's first experiment parameter. When
// both are present they must agree.
func experimentRef(action *models.Action, explicit string, params map[string]string) (string, error) {
	var fromParam string
	if p := action.ExperimentParameter(); p != nil {
		fromParam = params[p.Name]
	}

	ref := explicit
	switch {
	case ref == "" && fromParam == "":
		return "", fmt.Errorf("%w: an experiment reference is required", models.ErrValidation)
	case ref == "":
		ref = fromParam
	case fromParam != "" && fromParam != ref:
		return "", fmt.Errorf("%w: experiment reference %q does not match parameter value %q", models.ErrValidation, ref, fromParam)
	}
	if !models.IsExperimentRef(ref) {
		return "", fmt.Errorf("%w: malformed experiment reference %q", models.ErrValidation, ref)
	}
	return ref, nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.slots.Release(1)
		// A failed acquire means shutdown; process records the interruption.
		if err := s.running.Acquire(s.ctx, 1); err != nil {
			s.process(s.ctx, j)
			continue
		}
		s.process(s.ctx, j)
		s.running.Release(1)
	}
}

// process provisions, runs and records one task and returns its final state.
// It never returns an error: anything that goes wrong ends up on the task.
func (s *Service) process(ctx context.Context, j *job) *models.Task {
	defer metrics.TasksActive.Dec()
	// Recording must survive the cancellation that interrupted the run.
	recordCtx := context.WithoutCancel(ctx)

	if current, err := s.tracker.Get(recordCtx, j.taskID); err == nil && current.IsTerminal() {
		// Revoked while it waited for a worker.
		metrics.TasksFinished.WithLabelValues(current.Extension, current.Action, string(current.Status)).Inc()
		return current
	}
	if ctx.Err() != nil {
		return s.finish(recordCtx, j, tasks.Outcome{Err: errShutdown})
	}

	inv := j.inv
	inv.Interpreter = j.interpreter
	if inv.Interpreter == "" {
		python, err := s.envs.Ensure(ctx, inv.Extension)
		if err != nil {
			s.logger.Errorf("Task %s: %v", j.taskID, err)
			return s.finish(recordCtx, j, tasks.Outcome{Err: err})
		}
		inv.Interpreter = python
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if _, err := s.tracker.Start(recordCtx, j.taskID, cancel); err != nil {
		if errors.Is(err, tasks.ErrNotRunnable) {
			s.logger.Debugf("Task %s was revoked before it started", j.taskID)
			task, _ := s.tracker.Get(recordCtx, j.taskID)
			return task
		}
		return s.finish(recordCtx, j, tasks.Outcome{Err: err})
	}
	s.logger.Infof("Task %s started: %s", j.taskID, inv.Label())

	result, err := s.runner.Run(runCtx, inv)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		err = errShutdown
	case IsTimeoutError(err):
		s.logger.Warnf("Task %s: %v", j.taskID, err)
	case IsSpawnError(err):
		s.logger.Errorf("Task %s: %v", j.taskID, err)
	}
	if result != nil {
		metrics.TaskDuration.WithLabelValues(inv.Extension.Name).Observe(result.Duration.Seconds())
	}

	task := s.finish(recordCtx, j, tasks.Outcome{Result: result, Err: err})
	if result != nil && task != nil {
		s.attachArtifact(recordCtx, task, result)
	}
	return task
}

// finish records the outcome and logs it.
func (s *Service) finish(ctx context.Context, j *job, out tasks.Outcome) *models.Task {
	task, err := s.tracker.Finish(ctx, j.taskID, out)
	if err != nil {
		s.logger.Errorf("Task %s: could not record result: %v", j.taskID, err)
		task, _ = s.tracker.Get(ctx, j.taskID)
		return task
	}
	metrics.TasksFinished.WithLabelValues(task.Extension, task.Action, string(task.Status)).Inc()

	switch task.Status {
	case models.StatusSuccess:
		s.logger.Infof("Task %s finished: %s", task.ID, task.Status)
	case models.StatusRevoked:
		s.logger.Infof("Task %s revoked", task.ID)
	default:
		s.logger.Warnf("Task %s finished: %s (%s)", task.ID, task.Status, task.Error)
	}
	return task
}

// ArtifactName returns the file name of the log attached for a run.
func ArtifactName(extension, action string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.log", extension, action, at.Format(ArtifactTimeFormat))
}

// FormatArtifact renders the human-readable run log.
func FormatArtifact(result *models.ExecutionResult) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=== result code ===\n%d\n", result.ExitCode)
	buf.WriteString("=== stdout ===\n")
	writeSection(&buf, result.Stdout)
	buf.WriteString("=== stderr ===\n")
	writeSection(&buf, result.Stderr)
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, text string) {
	buf.WriteString(text)
	if text != "" && text[len(text)-1] != '\n' {
		buf.WriteByte('\n')
	}
}

// attachArtifact stores the run log with the experiment. Failures are logged;
// the task result is already recorded.
func (s *Service) attachArtifact(ctx context.Context, task *models.Task, result *models.ExecutionResult) {
	at := time.Now()
	if task.EndedAt != nil {
		at = *task.EndedAt
	}
	path, err := s.experiments.AttachFile(ctx, task.Experiment, ArtifactName(task.Extension, task.Action, at), FormatArtifact(result))
	if err != nil {
		s.logger.Warnf("Task %s: could not attach log to experiment %s: %v", task.ID, task.Experiment, err)
		return
	}
	s.logger.Debugf("Task %s: log attached at %s", task.ID, path)
}

// Cancel revokes a task. A queued task never starts; a running one has its
// process group terminated. Cancelling a finished task returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Task, error) {
	return s.tracker.Cancel(ctx, id)
}

// Wait blocks until the task finishes or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) (*models.Task, error) {
	return s.tracker.Wait(ctx, id)
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.tracker.Get(ctx, id)
}

// ListTasks returns a page of tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return s.tracker.List(ctx, filter)
}

// ListExtensions returns every loadable extension sorted by name.
func (s *Service) ListExtensions() []*models.Extension {
	return s.extensions.List()
}

// GetExtension returns one extension by name.
func (s *Service) GetExtension(name string) (*models.Extension, error) {
	return s.extensions.Get(name)
}
