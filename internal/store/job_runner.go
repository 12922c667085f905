package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// JobInfo describes the job a handler is running.
type JobInfo struct {
	ID          string
	Kind        string
	Attempt     int // zero-based
	MaxAttempts int
}

// LastAttempt reports whether a failure now fails the job permanently.
func (i JobInfo) LastAttempt() bool {
	return i.Attempt+1 >= i.MaxAttempts
}

type jobInfoKey struct{}

// JobInfoFromContext returns the job being executed, if ctx came from a JobRunner.
func JobInfoFromContext(ctx context.Context) (JobInfo, bool) {
	info, ok := ctx.Value(jobInfoKey{}).(JobInfo)
	return info, ok
}

// RunnerOpts configures a JobRunner.
type RunnerOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	Concurrency    int
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*RunnerOpts)

// WithPollInterval sets how often due jobs are claimed.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.PollInterval = d }
}

// WithStaleThreshold sets how long a job may stay running before startup recovery requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(o *RunnerOpts) { o.StaleThreshold = d }
}

// WithClaimLimit sets the maximum number of jobs claimed per poll.
func WithClaimLimit(n int) RunnerOption {
	return func(o *RunnerOpts) { o.ClaimLimit = n }
}

// WithConcurrency sets how many claimed jobs execute at once.
func WithConcurrency(n int) RunnerOption {
	return func(o *RunnerOpts) { o.Concurrency = n }
}

// JobRunner periodically claims due jobs from the database and dispatches them
// to registered handlers.
type JobRunner struct {
	repo     JobRepo
	handlers map[string]JobHandler
	mu       sync.RWMutex
	opts     RunnerOpts
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	cfg := RunnerOpts{
		PollInterval:   pollInterval,
		StaleThreshold: 5 * time.Minute,
		ClaimLimit:     10,
		Concurrency:    4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = 10
	}
	return &JobRunner{
		repo:     repo,
		handlers: make(map[string]JobHandler),
		opts:     cfg,
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := time.Now().Add(-r.opts.StaleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.opts.PollInterval, "concurrency", r.opts.Concurrency)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims the currently due jobs and waits until every one of them finished.
func (r *JobRunner) Poll(ctx context.Context) {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return
	}

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		sem <- struct{}{}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()
			r.execute(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (r *JobRunner) execute(ctx context.Context, job Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.poll: no handler for job kind", "kind", job.Kind, "id", job.ID)
		nextRun := time.Now().Add(time.Minute)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, nextRun); err != nil {
			slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	jobCtx := context.WithValue(ctx, jobInfoKey{}, JobInfo{
		ID:          job.ID,
		Kind:        job.Kind,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
	})
	slog.Debug("JobRunner.poll: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(jobCtx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.poll: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "error", err)
		// Exponential backoff: 30s, 60s, 120s, ...
		backoff := time.Duration(30*(1<<job.Attempt)) * time.Second
		if err := r.repo.FailJob(job.ID, err.Error(), time.Now().Add(backoff)); err != nil {
			slog.Error("JobRunner.poll: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.poll: complete job error", "id", job.ID, "error", err)
	}
	slog.Debug("JobRunner.poll: job completed", "id", job.ID, "kind", job.Kind)
}
