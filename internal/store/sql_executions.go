package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const executionColumns = `id, flow_id, contact_id, current_node_id, variables, status, error, started_at, updated_at, completed_at`

func scanExecution(row rowScanner) (*models.FlowExecution, error) {
	var e models.FlowExecution
	var vars string
	var completed sql.NullTime
	if err := row.Scan(&e.ID, &e.FlowID, &e.ContactID, &e.CurrentNodeID, &vars, &e.Status, &e.Error, &e.StartedAt, &e.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	e.CompletedAt = nullTimePtr(completed)
	e.Variables = map[string]any{}
	if err := fromJSON(vars, &e.Variables); err != nil {
		return nil, fmt.Errorf("execution %s variables: %w", e.ID, err)
	}
	return &e, nil
}

// pausedConflict maps a violation of idx_flow_executions_one_paused to
// models.ErrPausedExecutionExists.
func pausedConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_flow_executions_one_paused" {
		return models.ErrPausedExecutionExists
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed: flow_executions.contact_id") {
		return models.ErrPausedExecutionExists
	}
	return err
}

func encodeVars(vars map[string]any) (string, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	return toJSON(vars)
}

func (r *sqlRepo) CreateExecution(e *models.FlowExecution) error {
	if e.ID == "" {
		e.ID = util.NewEntityID("ex_")
	}
	vars, err := encodeVars(e.Variables)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = r.exec(`
		INSERT INTO flow_executions (id, flow_id, contact_id, current_node_id, variables, status, error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FlowID, e.ContactID, e.CurrentNodeID, vars, e.Status, e.Error, now, now,
	)
	if err != nil {
		slog.Error(r.name+".CreateExecution failed", "error", err, "flowID", e.FlowID, "contactID", e.ContactID)
		return fmt.Errorf("create execution: %w", pausedConflict(err))
	}
	e.StartedAt, e.UpdatedAt = now, now
	return nil
}

func (r *sqlRepo) GetExecution(id string) (*models.FlowExecution, error) {
	e, err := scanExecution(r.queryRow(`SELECT `+executionColumns+` FROM flow_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return e, nil
}

func (r *sqlRepo) UpdateExecution(e *models.FlowExecution) error {
	vars, err := encodeVars(e.Variables)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE flow_executions SET current_node_id = ?, variables = ?, status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		e.CurrentNodeID, vars, e.Status, e.Error, e.CompletedAt, now, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, pausedConflict(err))
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	e.UpdatedAt = now
	return nil
}

// ClaimPausedExecution is the conditional update that serializes concurrent resumes.
func (r *sqlRepo) ClaimPausedExecution(id string) (bool, error) {
	res, err := r.exec(`UPDATE flow_executions SET status = 'running', updated_at = ? WHERE id = ? AND status = 'paused'`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", id, err)
	}
	return affected(res)
}

func (r *sqlRepo) CompleteExecution(id string, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := r.exec(`
		UPDATE flow_executions SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('running', 'paused')`,
		at, at, id,
	)
	if err != nil {
		return false, fmt.Errorf("complete execution %s: %w", id, err)
	}
	return affected(res)
}

func (r *sqlRepo) FailExecution(id, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE flow_executions SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('running', 'paused')`,
		reason, now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("fail execution %s: %w", id, err)
	}
	return affected(res)
}

func (r *sqlRepo) FindPausedExecution(contactID string) (*models.FlowExecution, error) {
	e, err := scanExecution(r.queryRow(`
		SELECT `+executionColumns+` FROM flow_executions
		WHERE contact_id = ? AND status = 'paused'
		ORDER BY updated_at DESC LIMIT 1`, contactID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find paused execution for %s: %w", contactID, err)
	}
	return e, nil
}

func (r *sqlRepo) FailPausedExecutions(contactID, reason string) (int, error) {
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE flow_executions SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE contact_id = ? AND status = 'paused'`,
		reason, now, now, contactID,
	)
	if err != nil {
		return 0, fmt.Errorf("fail paused executions for %s: %w", contactID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *sqlRepo) listExecutions(query string, args ...any) ([]models.FlowExecution, error) {
	rows, err := r.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []models.FlowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *sqlRepo) ListExecutions(contactID string, limit int) ([]models.FlowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	if contactID == "" {
		return r.listExecutions(`SELECT `+executionColumns+` FROM flow_executions ORDER BY started_at DESC LIMIT ?`, limit)
	}
	return r.listExecutions(`SELECT `+executionColumns+` FROM flow_executions WHERE contact_id = ? ORDER BY started_at DESC LIMIT ?`, contactID, limit)
}

func (r *sqlRepo) ListExecutionsByStatus(status models.ExecutionStatus) ([]models.FlowExecution, error) {
	return r.listExecutions(`SELECT `+executionColumns+` FROM flow_executions WHERE status = ? ORDER BY started_at ASC`, status)
}
