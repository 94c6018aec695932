// Package execution runs assigned jobs on a worker pool with bounded,
// backed-off retries. Each job owns exactly one task; the task store's
// compare-and-swap on (status, attempt) keeps at most one attempt running.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/sethvargo/go-retry"
)

var errProgressTimeout = errors.New("no progress reported within timeout")

// Lifecycle receives attempt outcomes. The registry implements it.
type Lifecycle interface {
	Prepare(ctx context.Context, jobID string, attempt int) (*domain.WorkOrder, error)
	ExecutionStarted(ctx context.Context, jobID string, attempt int) error
	ExecutionProgress(ctx context.Context, p domain.Progress)
	ExecutionRetrying(ctx context.Context, jobID string, attempt int, delay time.Duration, cause error)
	ExecutionSucceeded(ctx context.Context, jobID string, res *domain.Result) error
	ExecutionFailed(ctx context.Context, jobID string, status domain.TaskStatus, cause error) error
}

// Config holds queue tuning
type Config struct {
	Workers         int
	MaxAttempts     int
	Backoff         Backoff
	ProgressTimeout time.Duration
	// ReportRetries bounds redelivery of an outcome to the lifecycle
	ReportRetries    uint64
	ReportRetryDelay time.Duration
}

// Option customizes a Queue
type Option func(*Queue)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithRand replaces the jitter source; f must return values in [0,1)
func WithRand(f func() float64) Option {
	return func(q *Queue) { q.rand = f }
}

type attempt struct {
	number   int
	cancel   context.CancelFunc
	watchdog Timer
}

// Queue schedules and runs execution attempts
type Queue struct {
	config   Config
	store    TaskStore
	executor Executor
	clock    Clock
	rand     func() float64
	logger   *slog.Logger

	mu        sync.Mutex
	lifecycle Lifecycle
	runCtx    context.Context
	stop      context.CancelFunc
	pending   []string
	timers    map[string]Timer
	running   map[string]*attempt

	wake chan struct{}
	wg   sync.WaitGroup
}

// NewQueue creates a queue. Nothing runs until Start.
func NewQueue(config Config, store TaskStore, executor Executor, logger *slog.Logger, opts ...Option) *Queue {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff.Base <= 0 {
		config.Backoff.Base = time.Second
	}
	if config.ProgressTimeout <= 0 {
		config.ProgressTimeout = time.Minute
	}
	if config.ReportRetries == 0 {
		config.ReportRetries = 3
	}
	if config.ReportRetryDelay <= 0 {
		config.ReportRetryDelay = 100 * time.Millisecond
	}

	q := &Queue{
		config:   config,
		store:    store,
		executor: executor,
		clock:    RealClock(),
		rand:     rand.Float64,
		logger:   logger,
		timers:   make(map[string]Timer),
		running:  make(map[string]*attempt),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue creates the job's task and schedules its first attempt. Calling it
// again for the same job returns the existing task and schedules nothing.
func (q *Queue) Enqueue(ctx context.Context, jobID, swarmID string) (*domain.Task, error) {
	now := q.clock.Now()
	task, created, err := q.store.CreateTask(ctx, &domain.Task{
		JobID:     jobID,
		SwarmID:   swarmID,
		Attempt:   1,
		Status:    domain.TaskStatusQueued,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	if !created {
		return task, nil
	}

	q.logger.Info("Execution task enqueued",
		slog.String("job_id", jobID),
		slog.String("swarm_id", swarmID),
	)
	q.schedule(jobID, 0)
	return task, nil
}

// Task returns the execution task of a job
func (q *Queue) Task(ctx context.Context, jobID string) (*domain.Task, error) {
	return q.store.GetTask(ctx, jobID)
}

// Start recovers unfinished tasks and spawns the worker pool
func (q *Queue) Start(ctx context.Context, lifecycle Lifecycle) error {
	q.mu.Lock()
	if q.lifecycle != nil {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	q.lifecycle = lifecycle
	q.runCtx, q.stop = context.WithCancel(ctx)
	runCtx := q.runCtx
	q.mu.Unlock()

	if err := q.Recover(runCtx); err != nil {
		return err
	}

	q.logger.Info("Spawning execution workers",
		slog.Int("workers", q.config.Workers),
		slog.Int("max_attempts", q.config.MaxAttempts),
	)
	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(runCtx, i)
	}
	return nil
}

// Stop cancels pending timers and waits for the workers to exit. Running
// attempts are left RUNNING and picked up by Recover on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	stop := q.stop
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	for _, a := range q.running {
		a.watchdog.Stop()
	}
	q.mu.Unlock()

	if stop != nil {
		stop()
	}
	q.wg.Wait()
	q.logger.Info("Execution queue stopped")
}

// Recover reschedules QUEUED tasks and re-arms the watchdog of RUNNING ones,
// so an attempt whose runner vanished is retried after the progress timeout.
// Finished tasks whose outcome never reached the lifecycle are reported again.
func (q *Queue) Recover(ctx context.Context) error {
	tasks, err := q.store.ListPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	now := q.clock.Now()
	for _, t := range tasks {
		switch {
		case t.Status == domain.TaskStatusQueued:
			q.schedule(t.JobID, t.NextRunAt.Sub(now))
		case t.Status == domain.TaskStatusRunning:
			q.track(t.JobID, t.Attempt, func() {})
		case t.Status.IsFinal():
			_ = q.deliver(ctx, t, nil)
		}
	}
	if len(tasks) > 0 {
		q.logger.Info("Recovered execution tasks", slog.Int("count", len(tasks)))
	}
	return nil
}

// ReportProgress records a heartbeat for the running attempt and relays the update
func (q *Queue) ReportProgress(ctx context.Context, jobID string, n int, p domain.Progress) error {
	q.mu.Lock()
	a, ok := q.running[jobID]
	if !ok || a.number != n {
		q.mu.Unlock()
		return domain.ErrStaleAttempt
	}
	a.watchdog.Reset(q.config.ProgressTimeout)
	lc := q.lifecycle
	q.mu.Unlock()

	now := q.clock.Now()
	_, err := q.store.TransitionTask(ctx, jobID, n, domain.TaskStatusRunning, func(t *domain.Task) {
		t.HeartbeatAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return err
	}

	p.JobID = jobID
	p.Attempt = n
	lc.ExecutionProgress(ctx, p)
	return nil
}

// ReportResult records the outcome of a running attempt. A repeated success
// report for an attempt that already succeeded is accepted, and delivers the
// outcome again when the first delivery never reached the lifecycle.
func (q *Queue) ReportResult(ctx context.Context, jobID string, n int, res *domain.Result, execErr error) error {
	ctx = context.WithoutCancel(ctx)
	err := q.finish(ctx, jobID, n, res, execErr)
	if errors.Is(err, domain.ErrStaleAttempt) && execErr == nil && res != nil && res.Success {
		task, gerr := q.store.GetTask(ctx, jobID)
		if gerr != nil || task.Attempt != n || task.Status != domain.TaskStatusSucceeded {
			return err
		}
		if task.ReportedAt != nil {
			return nil
		}
		return q.deliver(ctx, task, res)
	}
	return err
}

func (q *Queue) schedule(jobID string, delay time.Duration) {
	if delay <= 0 {
		q.push(jobID)
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.timers[jobID] = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, jobID)
		q.mu.Unlock()
		q.push(jobID)
	})
}

func (q *Queue) push(jobID string) {
	q.mu.Lock()
	q.pending = append(q.pending, jobID)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	jobID := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return jobID, true
}

func (q *Queue) workerLoop(ctx context.Context, n int) {
	defer q.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if jobID, ok := q.pop(); ok {
			q.runAttempt(ctx, jobID)
			continue
		}
		select {
		case <-ctx.Done():
			q.logger.Debug("Execution worker stopping", slog.Int("worker", n))
			return
		case <-q.wake:
		}
	}
}

// track registers n as the running attempt of the job and arms its watchdog
func (q *Queue) track(jobID string, n int, cancel context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.running[jobID] = &attempt{
		number: n,
		cancel: cancel,
		watchdog: q.clock.AfterFunc(q.config.ProgressTimeout, func() {
			q.expire(jobID, n)
		}),
	}
}

// detach removes attempt n from the running set. It reports false when
// another outcome already claimed the attempt.
func (q *Queue) detach(jobID string, n int) bool {
	q.mu.Lock()
	a, ok := q.running[jobID]
	if !ok || a.number != n {
		q.mu.Unlock()
		return false
	}
	delete(q.running, jobID)
	q.mu.Unlock()

	a.watchdog.Stop()
	a.cancel()
	return true
}

func (q *Queue) baseContext() context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.runCtx == nil {
		return context.Background()
	}
	return q.runCtx
}

func (q *Queue) expire(jobID string, n int) {
	q.logger.Warn("Execution attempt timed out",
		slog.String("job_id", jobID),
		slog.Int("attempt", n),
		slog.Duration("timeout", q.config.ProgressTimeout),
	)
	_ = q.finish(q.baseContext(), jobID, n, nil, domain.NewRetryableError(errProgressTimeout))
}

func (q *Queue) runAttempt(ctx context.Context, jobID string) {
	task, err := q.store.GetTask(ctx, jobID)
	if err != nil {
		q.logger.Error("Failed to load execution task",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if task.Status != domain.TaskStatusQueued {
		return
	}

	// Claim the task (QUEUED → RUNNING)
	now := q.clock.Now()
	task, err = q.store.TransitionTask(ctx, jobID, task.Attempt, domain.TaskStatusQueued, func(t *domain.Task) {
		t.Status = domain.TaskStatusRunning
		t.StartedAt = &now
		t.HeartbeatAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		if !errors.Is(err, domain.ErrStaleAttempt) {
			q.logger.Error("Failed to claim execution task",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	n := task.Attempt
	attemptCtx, cancel := context.WithCancel(ctx)
	q.track(jobID, n, cancel)

	q.mu.Lock()
	lc := q.lifecycle
	q.mu.Unlock()

	order, err := lc.Prepare(attemptCtx, jobID, n)
	if err == nil {
		err = lc.ExecutionStarted(attemptCtx, jobID, n)
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			q.skip(ctx, jobID, n, err)
			return
		}
		_ = q.finish(ctx, jobID, n, nil, domain.NewRetryableError(fmt.Errorf("failed to start attempt: %w", err)))
		return
	}

	q.logger.Info("Running execution attempt",
		slog.String("job_id", jobID),
		slog.Int("attempt", n),
	)
	res, err := q.executor.Execute(attemptCtx, order, func(p domain.Progress) {
		if perr := q.ReportProgress(ctx, jobID, n, p); perr != nil {
			q.logger.Debug("Dropped progress of stale attempt",
				slog.String("job_id", jobID),
				slog.Int("attempt", n),
			)
		}
	})
	if errors.Is(err, ErrAwaitReport) {
		return
	}
	if ctx.Err() != nil {
		// Shutting down; the attempt is recovered on the next start
		q.mu.Lock()
		if a, ok := q.running[jobID]; ok && a.number == n {
			a.watchdog.Stop()
			delete(q.running, jobID)
		}
		q.mu.Unlock()
		return
	}
	_ = q.finish(ctx, jobID, n, res, err)
}

// skip ends an attempt whose job can no longer run
func (q *Queue) skip(ctx context.Context, jobID string, n int, cause error) {
	if !q.detach(jobID, n) {
		return
	}
	now := q.clock.Now()
	_, err := q.store.TransitionTask(ctx, jobID, n, domain.TaskStatusRunning, func(t *domain.Task) {
		t.Status = domain.TaskStatusFailed
		t.LastError = "skipped: " + cause.Error()
		t.FinishedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		q.logger.Error("Failed to mark skipped task",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	q.logger.Info("Skipped execution of job that can no longer run",
		slog.String("job_id", jobID),
		slog.Int("attempt", n),
	)
}

// finish records the first outcome reported for attempt n and drives the
// retry policy. Later outcomes for the same attempt get ErrStaleAttempt.
func (q *Queue) finish(ctx context.Context, jobID string, n int, res *domain.Result, execErr error) error {
	if !q.detach(jobID, n) {
		return domain.ErrStaleAttempt
	}

	q.mu.Lock()
	lc := q.lifecycle
	q.mu.Unlock()

	if execErr == nil && (res == nil || !res.Success) {
		msg := "executor reported failure"
		if res != nil && res.FinalOutput != "" {
			msg = res.FinalOutput
		}
		execErr = errors.New(msg)
	}

	now := q.clock.Now()
	switch {
	case execErr == nil:
		task, err := q.store.TransitionTask(ctx, jobID, n, domain.TaskStatusRunning, func(t *domain.Task) {
			t.Status = domain.TaskStatusSucceeded
			t.LastError = ""
			t.ResultHash = res.ResultHash
			t.FinishedAt = &now
			t.UpdatedAt = now
		})
		if err != nil {
			return err
		}
		q.logger.Info("Execution attempt succeeded",
			slog.String("job_id", jobID),
			slog.Int("attempt", n),
		)
		_ = q.deliver(ctx, task, res)
		return nil

	case domain.IsRetryable(execErr) && n < q.config.MaxAttempts:
		delay := q.config.Backoff.Delay(n, q.rand())
		if _, err := q.store.TransitionTask(ctx, jobID, n, domain.TaskStatusRunning, func(t *domain.Task) {
			t.Status = domain.TaskStatusQueued
			t.Attempt = n + 1
			t.LastError = execErr.Error()
			t.NextRunAt = now.Add(delay)
			t.StartedAt = nil
			t.HeartbeatAt = nil
			t.UpdatedAt = now
		}); err != nil {
			return err
		}
		lc.ExecutionRetrying(ctx, jobID, n, delay, execErr)
		q.schedule(jobID, delay)
		return nil
	}

	status := domain.TaskStatusFailed
	if domain.IsRetryable(execErr) {
		status = domain.TaskStatusAbandoned
	}
	task, err := q.store.TransitionTask(ctx, jobID, n, domain.TaskStatusRunning, func(t *domain.Task) {
		t.Status = status
		t.LastError = execErr.Error()
		t.FinishedAt = &now
		t.UpdatedAt = now
	})
	if err != nil {
		return err
	}
	q.logger.Error("Execution gave up",
		slog.String("job_id", jobID),
		slog.Int("attempt", n),
		slog.String("status", string(status)),
		slog.String("error", execErr.Error()),
	)
	_ = q.deliver(ctx, task, nil)
	return nil
}

// deliver hands the outcome of a finished task to the lifecycle and marks the
// task reported. A task left unreported is delivered again by ReportResult or
// Recover. res may be nil, in which case the outcome is rebuilt from the task.
func (q *Queue) deliver(ctx context.Context, task *domain.Task, res *domain.Result) error {
	q.mu.Lock()
	lc := q.lifecycle
	q.mu.Unlock()
	if lc == nil {
		return errors.New("queue not started")
	}

	jobID := task.JobID
	err := q.report(ctx, jobID, func(ctx context.Context) error {
		if task.Status == domain.TaskStatusSucceeded {
			if res == nil {
				res = &domain.Result{JobID: jobID, Success: true, ResultHash: task.ResultHash}
			}
			return lc.ExecutionSucceeded(ctx, jobID, res)
		}
		cause := errors.New(task.LastError)
		if task.Status == domain.TaskStatusAbandoned {
			cause = fmt.Errorf("%w after %d attempts: %s", domain.ErrJobExecutionAbandoned, task.Attempt, task.LastError)
		}
		return lc.ExecutionFailed(ctx, jobID, task.Status, cause)
	})
	var derr *domain.Error
	if err != nil && !errors.As(err, &derr) {
		q.logger.Error("Failed to report execution outcome",
			slog.String("job_id", jobID),
			slog.String("status", string(task.Status)),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err != nil {
		// The job moved on without this outcome; reporting it again cannot help
		q.logger.Warn("Execution outcome rejected by job lifecycle",
			slog.String("job_id", jobID),
			slog.String("status", string(task.Status)),
			slog.String("error", err.Error()),
		)
	}

	now := q.clock.Now()
	if _, merr := q.store.TransitionTask(ctx, jobID, task.Attempt, task.Status, func(t *domain.Task) {
		t.ReportedAt = &now
		t.UpdatedAt = now
	}); merr != nil {
		q.logger.Error("Failed to mark execution outcome reported",
			slog.String("job_id", jobID),
			slog.String("error", merr.Error()),
		)
		return merr
	}
	return err
}

// report runs fn, retrying failures that are not domain errors
func (q *Queue) report(ctx context.Context, jobID string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(q.config.ReportRetries, retry.NewConstant(q.config.ReportRetryDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		var derr *domain.Error
		if err != nil && !errors.As(err, &derr) {
			q.logger.Debug("Retrying execution outcome report",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}
