package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const senderColumns = `id, name, phone, session_id, status, quota_per_minute, quota_per_hour, quota_per_day,
	sent_this_minute, sent_this_hour, sent_today, last_reset_minute, last_reset_hour, last_reset_day,
	health_score, consecutive_failures, success_count, failure_count, last_failure_at, last_used_at,
	is_active, created_at, updated_at`

func scanSender(row rowScanner) (*models.Sender, error) {
	var s models.Sender
	var lastFailure, lastUsed sql.NullTime
	err := row.Scan(
		&s.ID, &s.Name, &s.Phone, &s.SessionID, &s.Status, &s.QuotaPerMinute, &s.QuotaPerHour, &s.QuotaPerDay,
		&s.SentThisMinute, &s.SentThisHour, &s.SentToday, &s.LastResetMinute, &s.LastResetHour, &s.LastResetDay,
		&s.HealthScore, &s.ConsecutiveFailures, &s.SuccessCount, &s.FailureCount, &lastFailure, &lastUsed,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.LastFailureAt = nullTimePtr(lastFailure)
	s.LastUsedAt = nullTimePtr(lastUsed)
	return &s, nil
}

func (r *sqlRepo) CreateSender(s *models.Sender) error {
	if s.ID == "" {
		s.ID = util.NewEntityID("sd_")
	}
	now := time.Now().UTC()
	_, err := r.exec(`
		INSERT INTO senders (`+senderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Phone, s.SessionID, s.Status, s.QuotaPerMinute, s.QuotaPerHour, s.QuotaPerDay,
		s.SentThisMinute, s.SentThisHour, s.SentToday, s.LastResetMinute.UTC(), s.LastResetHour.UTC(), s.LastResetDay.UTC(),
		s.HealthScore, s.ConsecutiveFailures, s.SuccessCount, s.FailureCount, s.LastFailureAt, s.LastUsedAt,
		s.IsActive, now, now,
	)
	if err != nil {
		slog.Error(r.name+".CreateSender failed", "error", err, "phone", s.Phone)
		return fmt.Errorf("create sender %s: %w", s.Phone, err)
	}
	s.CreatedAt, s.UpdatedAt = now, now
	return nil
}

func (r *sqlRepo) GetSender(id string) (*models.Sender, error) {
	s, err := scanSender(r.queryRow(`SELECT `+senderColumns+` FROM senders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sender %s: %w", id, err)
	}
	return s, nil
}

func (r *sqlRepo) listSenders(query string, args ...any) ([]models.Sender, error) {
	rows, err := r.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()
	var out []models.Sender
	for rows.Next() {
		s, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *sqlRepo) ListSenders() ([]models.Sender, error) {
	return r.listSenders(`SELECT ` + senderColumns + ` FROM senders ORDER BY created_at ASC`)
}

func (r *sqlRepo) ListAvailableSenders() ([]models.Sender, error) {
	return r.listSenders(`
		SELECT `+senderColumns+` FROM senders
		WHERE status = 'connected' AND is_active = ?
		ORDER BY CASE WHEN last_used_at IS NULL THEN 0 ELSE 1 END, last_used_at ASC`,
		true,
	)
}

func (r *sqlRepo) UpdateSender(s *models.Sender) error {
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE senders SET name = ?, session_id = ?, status = ?, quota_per_minute = ?, quota_per_hour = ?, quota_per_day = ?,
			sent_this_minute = ?, sent_this_hour = ?, sent_today = ?, last_reset_minute = ?, last_reset_hour = ?, last_reset_day = ?,
			health_score = ?, consecutive_failures = ?, success_count = ?, failure_count = ?, last_failure_at = ?, last_used_at = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?`,
		s.Name, s.SessionID, s.Status, s.QuotaPerMinute, s.QuotaPerHour, s.QuotaPerDay,
		s.SentThisMinute, s.SentThisHour, s.SentToday, s.LastResetMinute.UTC(), s.LastResetHour.UTC(), s.LastResetDay.UTC(),
		s.HealthScore, s.ConsecutiveFailures, s.SuccessCount, s.FailureCount, s.LastFailureAt, s.LastUsedAt,
		s.IsActive, now, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update sender %s: %w", s.ID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	s.UpdatedAt = now
	return nil
}

// ReserveSenderQuota runs the window reset, limit check and counter increment inside one
// transaction. Expired windows are persisted even when the reservation is refused.
func (r *sqlRepo) ReserveSenderQuota(id string, now time.Time) (*models.Sender, error) {
	now = now.UTC()
	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	s, err := scanSender(tx.QueryRow(r.rebind(`SELECT `+senderColumns+` FROM senders WHERE id = ?`+r.forUpdate()), id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sender %s: %w", id, err)
	}

	s.ResetExpiredWindows(now)
	allowed := s.WithinQuota()
	if allowed {
		s.SentThisMinute++
		s.SentThisHour++
		s.SentToday++
		s.LastUsedAt = &now
	}
	_, err = tx.Exec(r.rebind(`
		UPDATE senders SET sent_this_minute = ?, sent_this_hour = ?, sent_today = ?,
			last_reset_minute = ?, last_reset_hour = ?, last_reset_day = ?, last_used_at = ?, updated_at = ?
		WHERE id = ?`),
		s.SentThisMinute, s.SentThisHour, s.SentToday,
		s.LastResetMinute.UTC(), s.LastResetHour.UTC(), s.LastResetDay.UTC(), s.LastUsedAt, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("reserve sender %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	s.UpdatedAt = now
	if !allowed {
		return s, ErrQuotaExceeded
	}
	return s, nil
}
