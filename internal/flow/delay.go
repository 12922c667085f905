package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/store"
)

// DelayQueue defers work of a registered kind. A nil queue means delays are skipped.
type DelayQueue interface {
	Schedule(ctx context.Context, kind string, payload any, delay time.Duration) error
}

// Keyed payloads carry a dedupe key; scheduling the same key twice while the
// first is pending is a no-op.
type Keyed interface {
	DedupeKey() string
}

// PendingChecker is implemented by queues that can report whether a keyed
// entry is still waiting to run.
type PendingChecker interface {
	Pending(ctx context.Context, key string) (bool, error)
}

// HandlerRegistrar accepts job handlers by kind. Both store.JobRunner and
// TimerQueue implement it.
type HandlerRegistrar interface {
	RegisterHandler(kind string, handler store.JobHandler)
}

func dedupeKeyOf(payload any) string {
	if k, ok := payload.(Keyed); ok {
		return k.DedupeKey()
	}
	return ""
}

// JobQueue schedules delays as durable jobs executed by a store.JobRunner.
type JobQueue struct {
	repo store.JobRepo
	now  func() time.Time
}

// NewJobQueue creates a JobQueue writing to repo.
func NewJobQueue(repo store.JobRepo) *JobQueue {
	return &JobQueue{repo: repo, now: time.Now}
}

// Schedule enqueues payload as a job of kind due after delay.
func (q *JobQueue) Schedule(ctx context.Context, kind string, payload any, delay time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	key := dedupeKeyOf(payload)
	id, err := q.repo.EnqueueJob(kind, q.now().Add(delay), string(b), key)
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	slog.Debug("JobQueue.Schedule: job enqueued", "jobID", id, "kind", kind, "delay", delay, "dedupeKey", key)
	return nil
}

// Pending reports whether a queued or running job carries key.
func (q *JobQueue) Pending(ctx context.Context, key string) (bool, error) {
	job, err := q.repo.FindActiveJob(key)
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	timer       *time.Timer
	kind        string
	key         string
	scheduledAt time.Time
	expiresAt   time.Time
}

// TimerInfo describes one pending in-process timer.
type TimerInfo struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	DedupeKey   string    `json:"dedupe_key,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
}

// TimerQueue is an in-process DelayQueue backed by time.AfterFunc. Pending
// timers are lost on restart; the stale-delay sweep picks those executions up.
type TimerQueue struct {
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	handlers map[string]store.JobHandler
	timers   map[string]*timerEntry
	nextID   int64
}

// NewTimerQueue creates an empty TimerQueue.
func NewTimerQueue() *TimerQueue {
	ctx, cancel := context.WithCancel(context.Background())
	slog.Debug("Creating TimerQueue")
	return &TimerQueue{
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]store.JobHandler),
		timers:   make(map[string]*timerEntry),
	}
}

// RegisterHandler registers the handler run when a timer of kind fires.
func (t *TimerQueue) RegisterHandler(kind string, handler store.JobHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = handler
}

// Schedule runs the handler for kind with payload after delay.
func (t *TimerQueue) Schedule(ctx context.Context, kind string, payload any, delay time.Duration) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	key := dedupeKeyOf(payload)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[kind]; !ok {
		return fmt.Errorf("no handler registered for kind: %s", kind)
	}
	if key != "" {
		for id, e := range t.timers {
			if e.key == key {
				slog.Debug("TimerQueue.Schedule: already pending", "id", id, "dedupeKey", key)
				return nil
			}
		}
	}
	if delay < 0 {
		delay = 0
	}
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := time.Now()
	t.timers[id] = &timerEntry{
		timer:       time.AfterFunc(delay, func() { t.fire(id, kind, string(b)) }),
		kind:        kind,
		key:         key,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	slog.Debug("TimerQueue.Schedule: timer scheduled", "id", id, "kind", kind, "delay", delay)
	return nil
}

func (t *TimerQueue) fire(id, kind, payload string) {
	t.mu.Lock()
	handler := t.handlers[kind]
	delete(t.timers, id)
	t.mu.Unlock()

	if t.ctx.Err() != nil {
		return
	}
	slog.Debug("TimerQueue: timer fired", "id", id, "kind", kind)
	if err := handler(t.ctx, payload); err != nil {
		slog.Error("TimerQueue: handler failed", "id", id, "kind", kind, "error", err)
	}
}

// Pending reports whether a timer with key has not fired yet.
func (t *TimerQueue) Pending(ctx context.Context, key string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.timers {
		if e.key == key {
			return true, nil
		}
	}
	return false, nil
}

// Cancel stops a pending timer. Unknown ids are ignored.
func (t *TimerQueue) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.timers[id]; ok {
		e.timer.Stop()
		delete(t.timers, id)
		slog.Debug("TimerQueue.Cancel succeeded", "id", id)
	}
}

// Stop cancels all scheduled timers.
func (t *TimerQueue) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.timers {
		e.timer.Stop()
	}
	slog.Info("TimerQueue stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
	t.cancel()
}

// ListActive returns information about all pending timers.
func (t *TimerQueue) ListActive() []TimerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := time.Now()
	out := make([]TimerInfo, 0, len(t.timers))
	for id, e := range t.timers {
		remaining := e.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, TimerInfo{
			ID:          id,
			Kind:        e.kind,
			DedupeKey:   e.key,
			ScheduledAt: e.scheduledAt,
			ExpiresAt:   e.expiresAt,
			Remaining:   remaining.String(),
		})
	}
	return out
}
