package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const flowColumns = `id, name, trigger_type, keywords, session_id, is_active, nodes, edges, sort_order, created_at, updated_at`

func scanFlow(row rowScanner) (*models.Flow, error) {
	var f models.Flow
	var keywords, nodes, edges string
	if err := row.Scan(&f.ID, &f.Name, &f.TriggerType, &keywords, &f.SessionID, &f.IsActive, &nodes, &edges, &f.Position, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fromJSON(keywords, &f.Keywords); err != nil {
		return nil, err
	}
	if err := fromJSON(nodes, &f.Nodes); err != nil {
		return nil, fmt.Errorf("flow %s nodes: %w", f.ID, err)
	}
	if err := fromJSON(edges, &f.Edges); err != nil {
		return nil, fmt.Errorf("flow %s edges: %w", f.ID, err)
	}
	return &f, nil
}

func encodeFlowGraph(f *models.Flow) (keywords, nodes, edges string, err error) {
	kw := f.Keywords
	if kw == nil {
		kw = []string{}
	}
	if keywords, err = toJSON(kw); err != nil {
		return
	}
	ns := f.Nodes
	if ns == nil {
		ns = []models.Node{}
	}
	if nodes, err = toJSON(ns); err != nil {
		return
	}
	es := f.Edges
	if es == nil {
		es = []models.Edge{}
	}
	edges, err = toJSON(es)
	return
}

// CreateFlow appends the flow to the stored order.
func (r *sqlRepo) CreateFlow(f *models.Flow) error {
	if f.ID == "" {
		f.ID = util.NewEntityID("fl_")
	}
	keywords, nodes, edges, err := encodeFlowGraph(f)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = r.exec(`
		INSERT INTO flows (id, name, trigger_type, keywords, session_id, is_active, nodes, edges, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(sort_order), 0) + 1 FROM flows), ?, ?)`,
		f.ID, f.Name, f.TriggerType, keywords, f.SessionID, f.IsActive, nodes, edges, now, now,
	)
	if err != nil {
		slog.Error(r.name+".CreateFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("create flow: %w", err)
	}
	if err := r.queryRow(`SELECT sort_order FROM flows WHERE id = ?`, f.ID).Scan(&f.Position); err != nil {
		return fmt.Errorf("read flow position: %w", err)
	}
	f.CreatedAt, f.UpdatedAt = now, now
	slog.Debug(r.name+".CreateFlow succeeded", "flowID", f.ID, "position", f.Position)
	return nil
}

func (r *sqlRepo) GetFlow(id string) (*models.Flow, error) {
	f, err := scanFlow(r.queryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", id, err)
	}
	return f, nil
}

func (r *sqlRepo) UpdateFlow(f *models.Flow) error {
	keywords, nodes, edges, err := encodeFlowGraph(f)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE flows SET name = ?, trigger_type = ?, keywords = ?, session_id = ?, is_active = ?, nodes = ?, edges = ?, updated_at = ?
		WHERE id = ?`,
		f.Name, f.TriggerType, keywords, f.SessionID, f.IsActive, nodes, edges, now, f.ID,
	)
	if err != nil {
		return fmt.Errorf("update flow %s: %w", f.ID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	f.UpdatedAt = now
	return nil
}

func (r *sqlRepo) DeleteFlow(id string) error {
	res, err := r.exec(`DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete flow %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	return nil
}

func (r *sqlRepo) listFlows(query string, args ...any) ([]models.Flow, error) {
	rows, err := r.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()
	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

func (r *sqlRepo) ListFlows() ([]models.Flow, error) {
	return r.listFlows(`SELECT ` + flowColumns + ` FROM flows ORDER BY sort_order ASC`)
}

func (r *sqlRepo) ListTriggerFlows(sessionID string) ([]models.Flow, error) {
	return r.listFlows(`
		SELECT `+flowColumns+` FROM flows
		WHERE is_active = ? AND trigger_type IN ('keyword', 'message') AND (session_id = '' OR session_id = ?)
		ORDER BY sort_order ASC`,
		true, sessionID,
	)
}
