package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/util"
)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// EnqueueJob returns the id of a queued job already holding dedupeKey instead
// of inserting. A running job does not block its key, so a handler can
// schedule its own successor.
func (r *sqlRepo) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := r.queryRow(`SELECT id FROM jobs WHERE dedupe_key = ? AND status = 'queued' LIMIT 1`, dedupeKey).Scan(&existingID)
		if err == nil {
			slog.Debug(r.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	id := util.GenerateRandomID("job_", 32)
	now := time.Now().UTC()
	_, err := r.exec(`
		INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, DefaultMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(r.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

// ClaimDueJobs marks up to limit due jobs running. PostgreSQL claims in one
// statement with SKIP LOCKED so concurrent processes split the queue; SQLite
// selects and updates inside one transaction on its single connection.
func (r *sqlRepo) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	if r.postgres {
		rows, err := r.query(`
			UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM jobs WHERE status = 'queued' AND run_at <= ?
				ORDER BY run_at ASC LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+jobColumns,
			now, now, now, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
		return collectJobs(rows)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs query failed: %w", err)
	}
	due, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	claimed := due[:0]
	for _, j := range due {
		res, err := tx.Exec(`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`, now, now, j.ID)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		if ok, _ := affected(res); !ok {
			continue
		}
		j.Status = JobStatusRunning
		locked := now
		j.LockedAt = &locked
		claimed = append(claimed, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due jobs commit failed: %w", err)
	}
	return claimed, nil
}

func (r *sqlRepo) CompleteJob(id string) error {
	if _, err := r.exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

// FailJob requeues the job at nextRunAt until its attempts are used up.
func (r *sqlRepo) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	var attempt, maxAttempts int
	if err := r.queryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts); err != nil {
		return fmt.Errorf("fail job lookup failed: %w", err)
	}

	now := time.Now().UTC()
	attempt++
	var err error
	if attempt >= maxAttempts {
		_, err = r.exec(`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, now, id)
	} else {
		_, err = r.exec(`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
			attempt, errMsg, nextRunAt.UTC(), now, id)
	}
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) CancelJob(id string) error {
	if _, err := r.exec(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := r.exec(`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(r.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (r *sqlRepo) GetJob(id string) (*Job, error) {
	j, err := scanJob(r.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}

func (r *sqlRepo) FindActiveJob(dedupeKey string) (*Job, error) {
	j, err := scanJob(r.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running') LIMIT 1`, dedupeKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job failed: %w", err)
	}
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}
