package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (r *sqlRepo) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := r.queryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound relies on the primary key: of two concurrent deliveries of
// the same message exactly one inserts a row.
func (r *sqlRepo) RecordInbound(messageID, address string) (bool, error) {
	res, err := r.exec(
		`INSERT INTO inbound_dedup (message_id, address, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, address, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return affected(res)
}

func (r *sqlRepo) MarkProcessed(messageID string) error {
	if _, err := r.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) PruneInbound(before time.Time) (int, error) {
	res, err := r.exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound dedup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
