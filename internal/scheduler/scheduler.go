// Package scheduler runs FlowPipe's periodic maintenance, such as the sweep
// that re-runs flow delays whose timer was lost.
//
// Jobs are scheduled with standard 5-field cron expressions or descriptors
// such as "@every 5m".
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs maintenance sweeps every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// DefaultSweepTimeout bounds a single sweep run.
const DefaultSweepTimeout = time.Minute

// Sweep performs one maintenance pass and reports how many items it handled.
type Sweep func(ctx context.Context) (int, error)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation interprets cron expressions in loc.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithSweepTimeout sets the deadline of each sweep run.
func WithSweepTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	loc     *time.Location
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{loc: time.Local, timeout: DefaultSweepTimeout}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	s.cron.Start()
	return s
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddSweep schedules sweep under name. A run still in progress when the next
// one is due makes the scheduler skip that tick.
func (s *Scheduler) AddSweep(expr, name string, sweep Sweep) error {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		s.RunSweep(name, sweep)
	}))
	if _, err := s.cron.AddJob(expr, job); err != nil {
		return err
	}
	slog.Info("Scheduler.AddSweep: sweep scheduled", "name", name, "schedule", expr)
	return nil
}

// RunSweep runs sweep once with the sweep timeout.
func (s *Scheduler) RunSweep(name string, sweep Sweep) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	start := time.Now()
	n, err := sweep(ctx)
	if err != nil {
		slog.Error("Scheduler.RunSweep: sweep failed", "name", name, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Scheduler.RunSweep: sweep handled items", "name", name, "count", n, "took", time.Since(start))
		return
	}
	slog.Debug("Scheduler.RunSweep: nothing to do", "name", name)
}

// Entries returns the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler, cancels running sweeps and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
