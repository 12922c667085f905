package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const contactColumns = `id, phone, channel_address, name, attributes, auto_reply_suppressed, auto_reply_suppressed_until, created_at, updated_at`

func scanContact(row rowScanner) (*models.Contact, error) {
	var c models.Contact
	var channel sql.NullString
	var attrs string
	var until sql.NullTime
	if err := row.Scan(&c.ID, &c.Phone, &channel, &c.Name, &attrs, &c.AutoReplySuppressed, &until, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.ChannelAddress = channel.String
	c.AutoReplySuppressedUntil = nullTimePtr(until)
	c.Attributes = map[string]any{}
	if err := fromJSON(attrs, &c.Attributes); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertContact inserts or updates the contact in a single statement so concurrent
// callers for one phone always converge on one row.
func (r *sqlRepo) UpsertContact(phone, channelAddress, name string) (*models.Contact, error) {
	if phone == "" {
		return nil, models.ErrEmptyPhone
	}
	now := time.Now().UTC()
	_, err := r.exec(`
		INSERT INTO contacts (id, phone, channel_address, name, attributes, auto_reply_suppressed, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET
			channel_address = COALESCE(excluded.channel_address, contacts.channel_address),
			name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE contacts.name END,
			updated_at = excluded.updated_at`,
		util.NewEntityID("ct_"), phone, nilIfEmpty(channelAddress), name, false, now, now,
	)
	if err != nil {
		slog.Error(r.name+".UpsertContact failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("upsert contact %s: %w", phone, err)
	}
	c, err := r.GetContactByPhone(phone)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("upsert contact %s: row vanished", phone)
	}
	return c, nil
}

func (r *sqlRepo) GetContact(id string) (*models.Contact, error) {
	c, err := scanContact(r.queryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	return c, nil
}

func (r *sqlRepo) GetContactByPhone(phone string) (*models.Contact, error) {
	c, err := scanContact(r.queryRow(`SELECT `+contactColumns+` FROM contacts WHERE phone = ?`, phone))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact by phone %s: %w", phone, err)
	}
	return c, nil
}

func (r *sqlRepo) SetContactAttributes(id string, attrs map[string]any) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRow(r.rebind(`SELECT attributes FROM contacts WHERE id = ?`+r.forUpdate()), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load contact attributes: %w", err)
	}
	merged := map[string]any{}
	if err := fromJSON(raw, &merged); err != nil {
		return err
	}
	for k, v := range attrs {
		merged[k] = v
	}
	encoded, err := toJSON(merged)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(r.rebind(`UPDATE contacts SET attributes = ?, updated_at = ? WHERE id = ?`), encoded, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update contact attributes: %w", err)
	}
	return tx.Commit()
}

func (r *sqlRepo) SetAutoReplySuppression(id string, suppressed bool, until *time.Time) error {
	var untilArg any
	if suppressed && until != nil {
		untilArg = until.UTC()
	}
	res, err := r.exec(`UPDATE contacts SET auto_reply_suppressed = ?, auto_reply_suppressed_until = ?, updated_at = ? WHERE id = ?`,
		suppressed, untilArg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set auto-reply suppression for %s: %w", id, err)
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
