package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Entries() != 1 {
		t.Errorf("Entries = %d, want 1", s.Entries())
	}
}

func TestSchedulerAddSweep(t *testing.T) {
	s := NewScheduler(WithLocation(time.UTC))
	defer s.Stop()

	var runs atomic.Int32
	sweep := func(ctx context.Context) (int, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("sweep context has no deadline")
		}
		runs.Add(1)
		return 1, nil
	}
	if err := s.AddSweep(DefaultSweepSchedule, "stale-delays", sweep); err != nil {
		t.Fatalf("AddSweep: %v", err)
	}
	if err := s.AddSweep("@every 1s", "fast", sweep); err != nil {
		t.Fatalf("AddSweep descriptor: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("sweep never ran")
	}
}

func TestRunSweepCancelledByStop(t *testing.T) {
	s := NewScheduler(WithSweepTimeout(time.Hour))
	s.Stop()

	var gotErr error
	s.RunSweep("after-stop", func(ctx context.Context) (int, error) {
		gotErr = ctx.Err()
		return 0, ctx.Err()
	})
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("expected canceled context after Stop, got %v", gotErr)
	}
}
