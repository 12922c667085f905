package models

import "time"

// SenderStatus is the connection state of a sending account.
type SenderStatus string

const (
	SenderConnected    SenderStatus = "connected"
	SenderDisconnected SenderStatus = "disconnected"
	SenderBanned       SenderStatus = "banned"
	SenderPaused       SenderStatus = "paused"
)

// Sender is one WhatsApp account used for bulk dispatch.
type Sender struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Phone               string       `json:"phone"`
	SessionID           string       `json:"session_id"`
	Status              SenderStatus `json:"status"`
	QuotaPerMinute      int          `json:"quota_per_minute"`
	QuotaPerHour        int          `json:"quota_per_hour"`
	QuotaPerDay         int          `json:"quota_per_day"`
	SentThisMinute      int          `json:"sent_this_minute"`
	SentThisHour        int          `json:"sent_this_hour"`
	SentToday           int          `json:"sent_today"`
	LastResetMinute     time.Time    `json:"last_reset_minute"`
	LastResetHour       time.Time    `json:"last_reset_hour"`
	LastResetDay        time.Time    `json:"last_reset_day"`
	HealthScore         int          `json:"health_score"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuccessCount        int          `json:"success_count"`
	FailureCount        int          `json:"failure_count"`
	LastFailureAt       *time.Time   `json:"last_failure_at,omitempty"`
	LastUsedAt          *time.Time   `json:"last_used_at,omitempty"`
	IsActive            bool         `json:"is_active"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// Quota windows.
const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour
	DayWindow    = 24 * time.Hour
)

// Health bounds.
const (
	MaxHealthScore = 100
	MinHealthScore = 0
)

// ResetExpiredWindows zeroes counters whose window elapsed and reports whether anything changed.
func (s *Sender) ResetExpiredWindows(now time.Time) bool {
	changed := false
	if now.Sub(s.LastResetMinute) >= MinuteWindow {
		s.SentThisMinute = 0
		s.LastResetMinute = now
		changed = true
	}
	if now.Sub(s.LastResetHour) >= HourWindow {
		s.SentThisHour = 0
		s.LastResetHour = now
		changed = true
	}
	if now.Sub(s.LastResetDay) >= DayWindow {
		s.SentToday = 0
		s.LastResetDay = now
		changed = true
	}
	return changed
}

// WithinQuota reports whether all three counters are below their limits.
func (s *Sender) WithinQuota() bool {
	return s.SentThisMinute < s.QuotaPerMinute &&
		s.SentThisHour < s.QuotaPerHour &&
		s.SentToday < s.QuotaPerDay
}
