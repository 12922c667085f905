// Package sender manages the pool of WhatsApp accounts used for bulk dispatch:
// selection of the next healthy account, quota windows and health scoring.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

var (
	// ErrNoHealthySender is returned when every connected sender is unhealthy or out of quota.
	ErrNoHealthySender = errors.New("no healthy sender available")
	// ErrQuotaExceeded is returned by Reserve when any window limit is reached.
	ErrQuotaExceeded = store.ErrQuotaExceeded
)

// Health policy.
const (
	MinSelectableHealth    = 50
	MaxSelectableFailures  = 5
	PauseAfterFailures     = 10
	HealthRewardOnSuccess  = 1
	HealthPenaltyOnFailure = 5
)

// Default quotas applied to senders created without limits.
const (
	DefaultQuotaPerMinute = 10
	DefaultQuotaPerHour   = 200
	DefaultQuotaPerDay    = 1000
)

// Quotas holds per-window send limits.
type Quotas struct {
	PerMinute int `toml:"quota_per_minute"`
	PerHour   int `toml:"quota_per_hour"`
	PerDay    int `toml:"quota_per_day"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithDefaultQuotas sets the limits applied by Add to senders without their own.
func WithDefaultQuotas(q Quotas) Option {
	return func(p *Pool) {
		if q.PerMinute > 0 {
			p.defaults.PerMinute = q.PerMinute
		}
		if q.PerHour > 0 {
			p.defaults.PerHour = q.PerHour
		}
		if q.PerDay > 0 {
			p.defaults.PerDay = q.PerDay
		}
	}
}

// Pool selects senders and tracks their quota and health.
type Pool struct {
	repo     store.SenderRepo
	now      func() time.Time
	defaults Quotas

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPool creates a pool over repo.
func NewPool(repo store.SenderRepo, opts ...Option) *Pool {
	p := &Pool{
		repo: repo,
		now:  time.Now,
		defaults: Quotas{
			PerMinute: DefaultQuotaPerMinute,
			PerHour:   DefaultQuotaPerHour,
			PerDay:    DefaultQuotaPerDay,
		},
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// lockFor returns the mutex serializing read-modify-writes of one sender.
func (p *Pool) lockFor(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[id]
	if !ok {
		l = &sync.Mutex{}
		p.locks[id] = l
	}
	return l
}

// Add creates a sender, filling in default quotas, full health and fresh windows.
func (p *Pool) Add(ctx context.Context, s *models.Sender) error {
	if s.Phone == "" {
		return models.ErrEmptyPhone
	}
	if s.QuotaPerMinute <= 0 {
		s.QuotaPerMinute = p.defaults.PerMinute
	}
	if s.QuotaPerHour <= 0 {
		s.QuotaPerHour = p.defaults.PerHour
	}
	if s.QuotaPerDay <= 0 {
		s.QuotaPerDay = p.defaults.PerDay
	}
	if s.Status == "" {
		s.Status = models.SenderConnected
	}
	now := p.now().UTC()
	s.HealthScore = models.MaxHealthScore
	s.LastResetMinute, s.LastResetHour, s.LastResetDay = now, now, now
	s.IsActive = true
	if err := p.repo.CreateSender(s); err != nil {
		return fmt.Errorf("create sender: %w", err)
	}
	slog.Info("Pool.Add: sender created", "senderID", s.ID, "session", s.SessionID)
	return nil
}

// GetNextHealthySender returns the least recently used connected sender that
// is healthy and has quota left.
func (p *Pool) GetNextHealthySender(ctx context.Context) (*models.Sender, error) {
	candidates, err := p.repo.ListAvailableSenders()
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	for i := range candidates {
		s := &candidates[i]
		if s.HealthScore < MinSelectableHealth {
			slog.Debug("Pool.GetNextHealthySender: skipping unhealthy sender", "senderID", s.ID, "health", s.HealthScore)
			continue
		}
		if s.ConsecutiveFailures >= MaxSelectableFailures {
			slog.Debug("Pool.GetNextHealthySender: skipping failing sender", "senderID", s.ID, "consecutiveFailures", s.ConsecutiveFailures)
			continue
		}
		if !p.HasAvailableQuota(ctx, s) {
			slog.Debug("Pool.GetNextHealthySender: skipping sender out of quota", "senderID", s.ID)
			continue
		}
		return s, nil
	}
	return nil, ErrNoHealthySender
}

// HasAvailableQuota resets expired windows of s and reports whether all three
// counters are below their limits. Resets are persisted best effort.
func (p *Pool) HasAvailableQuota(ctx context.Context, s *models.Sender) bool {
	l := p.lockFor(s.ID)
	l.Lock()
	defer l.Unlock()

	if fresh, err := p.repo.GetSender(s.ID); err == nil && fresh != nil {
		*s = *fresh
	}
	if s.ResetExpiredWindows(p.now().UTC()) {
		if err := p.repo.UpdateSender(s); err != nil {
			slog.Warn("Pool.HasAvailableQuota: persisting window reset failed, retrying on next check", "senderID", s.ID, "error", err)
		}
	}
	return s.WithinQuota()
}

// Reserve atomically resets windows, checks limits and counts one send
// against every window. Returns ErrQuotaExceeded when a limit is hit.
func (p *Pool) Reserve(ctx context.Context, senderID string) (*models.Sender, error) {
	l := p.lockFor(senderID)
	l.Lock()
	defer l.Unlock()

	s, err := p.repo.ReserveSenderQuota(senderID, p.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			return s, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("reserve quota for %s: %w", senderID, err)
	}
	return s, nil
}

// UpdateHealth records the outcome of a send. Ten consecutive failures pause the sender.
func (p *Pool) UpdateHealth(ctx context.Context, s *models.Sender, success bool) error {
	l := p.lockFor(s.ID)
	l.Lock()
	defer l.Unlock()

	fresh, err := p.repo.GetSender(s.ID)
	if err != nil {
		return fmt.Errorf("get sender %s: %w", s.ID, err)
	}
	if fresh == nil {
		return fmt.Errorf("sender %s: %w", s.ID, models.ErrNotFound)
	}
	ApplyOutcome(fresh, success, p.now().UTC())
	if err := p.repo.UpdateSender(fresh); err != nil {
		return fmt.Errorf("update sender %s: %w", s.ID, err)
	}
	if fresh.Status == models.SenderPaused && s.Status != models.SenderPaused {
		slog.Warn("Pool.UpdateHealth: sender paused after consecutive failures", "senderID", s.ID, "failures", fresh.ConsecutiveFailures)
	}
	*s = *fresh
	return nil
}

// ApplyOutcome adjusts the counters and health score of s for one send.
func ApplyOutcome(s *models.Sender, success bool, now time.Time) {
	if success {
		s.SuccessCount++
		s.ConsecutiveFailures = 0
		s.HealthScore = min(s.HealthScore+HealthRewardOnSuccess, models.MaxHealthScore)
		return
	}
	s.FailureCount++
	s.ConsecutiveFailures++
	s.LastFailureAt = &now
	s.HealthScore = max(s.HealthScore-HealthPenaltyOnFailure, models.MinHealthScore)
	if s.ConsecutiveFailures >= PauseAfterFailures {
		s.Status = models.SenderPaused
	}
}

// Reconnect manually returns a sender to service.
func (p *Pool) Reconnect(ctx context.Context, senderID string) (*models.Sender, error) {
	l := p.lockFor(senderID)
	l.Lock()
	defer l.Unlock()

	s, err := p.repo.GetSender(senderID)
	if err != nil {
		return nil, fmt.Errorf("get sender %s: %w", senderID, err)
	}
	if s == nil {
		return nil, models.ErrNotFound
	}
	s.Status = models.SenderConnected
	s.ConsecutiveFailures = 0
	if err := p.repo.UpdateSender(s); err != nil {
		return nil, fmt.Errorf("update sender %s: %w", senderID, err)
	}
	slog.Info("Pool.Reconnect: sender reconnected", "senderID", senderID)
	return s, nil
}
