package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

const campaignColumns = `id, name, template, variables, rewrite, status, total_count, sent_count, failed_count, created_at, updated_at`

const recipientColumns = `id, campaign_id, contact_id, phone, status, attempts, last_error, sender_id, sent_at, created_at, updated_at`

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	var c models.Campaign
	var vars string
	err := row.Scan(&c.ID, &c.Name, &c.Template, &vars, &c.Rewrite, &c.Status, &c.TotalCount, &c.SentCount, &c.FailedCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := fromJSON(vars, &c.Variables); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRecipient(row rowScanner) (*models.CampaignRecipient, error) {
	var rc models.CampaignRecipient
	var sentAt sql.NullTime
	err := row.Scan(&rc.ID, &rc.CampaignID, &rc.ContactID, &rc.Phone, &rc.Status, &rc.Attempts, &rc.LastError, &rc.SenderID, &sentAt, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rc.SentAt = nullTimePtr(sentAt)
	return &rc, nil
}

func (r *sqlRepo) CreateCampaign(c *models.Campaign) error {
	if c.ID == "" {
		c.ID = util.NewEntityID("cp_")
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	vars := c.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	encoded, err := toJSON(vars)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = r.exec(`
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Template, encoded, c.Rewrite, c.Status, c.TotalCount, c.SentCount, c.FailedCount, now, now,
	)
	if err != nil {
		slog.Error(r.name+".CreateCampaign failed", "error", err, "name", c.Name)
		return fmt.Errorf("create campaign: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

func (r *sqlRepo) GetCampaign(id string) (*models.Campaign, error) {
	c, err := scanCampaign(r.queryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return c, nil
}

func (r *sqlRepo) UpdateCampaignStatus(id string, status models.CampaignStatus, total int) error {
	res, err := r.exec(`
		UPDATE campaigns SET status = ?, total_count = CASE WHEN ? > 0 THEN ? ELSE total_count END, updated_at = ?
		WHERE id = ?`,
		status, total, total, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update campaign status %s: %w", id, err)
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

func (r *sqlRepo) AddRecipient(rc *models.CampaignRecipient) error {
	if rc.ID == "" {
		rc.ID = util.NewEntityID("cr_")
	}
	if rc.Status == "" {
		rc.Status = models.RecipientPending
	}
	now := time.Now().UTC()
	_, err := r.exec(`
		INSERT INTO campaign_recipients (id, campaign_id, contact_id, phone, status, attempts, last_error, sender_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (campaign_id, contact_id) DO NOTHING`,
		rc.ID, rc.CampaignID, rc.ContactID, rc.Phone, rc.Status, rc.Attempts, rc.LastError, rc.SenderID, now, now,
	)
	if err != nil {
		return fmt.Errorf("add recipient %s to %s: %w", rc.ContactID, rc.CampaignID, err)
	}
	stored, err := scanRecipient(r.queryRow(`SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = ? AND contact_id = ?`, rc.CampaignID, rc.ContactID))
	if err != nil {
		return fmt.Errorf("reload recipient: %w", err)
	}
	*rc = *stored
	return nil
}

func (r *sqlRepo) GetRecipient(id string) (*models.CampaignRecipient, error) {
	rc, err := scanRecipient(r.queryRow(`SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient %s: %w", id, err)
	}
	return rc, nil
}

func (r *sqlRepo) UpdateRecipient(rc *models.CampaignRecipient) error {
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE campaign_recipients SET status = ?, attempts = ?, last_error = ?, sender_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ?`,
		rc.Status, rc.Attempts, rc.LastError, rc.SenderID, rc.SentAt, now, rc.ID,
	)
	if err != nil {
		return fmt.Errorf("update recipient %s: %w", rc.ID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotFound
	}
	rc.UpdatedAt = now
	return nil
}

func (r *sqlRepo) ListRecipients(campaignID string) ([]models.CampaignRecipient, error) {
	rows, err := r.query(`SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = ? ORDER BY created_at ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()
	var out []models.CampaignRecipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rc)
	}
	return out, rows.Err()
}

// IncrementCampaignCounters updates counters with relative increments so concurrent
// workers never lose an update, then completes the campaign when no recipient is pending.
func (r *sqlRepo) IncrementCampaignCounters(id string, sent, failed int) (*models.Campaign, error) {
	now := time.Now().UTC()
	res, err := r.exec(`
		UPDATE campaigns SET sent_count = sent_count + ?, failed_count = failed_count + ?, updated_at = ?
		WHERE id = ?`,
		sent, failed, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("increment campaign %s: %w", id, err)
	}
	ok, err := affected(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrNotFound
	}
	_, err = r.exec(`
		UPDATE campaigns SET status = 'completed', updated_at = ?
		WHERE id = ? AND status = 'running' AND total_count > 0 AND sent_count + failed_count >= total_count`,
		now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("complete campaign %s: %w", id, err)
	}
	return r.GetCampaign(id)
}
