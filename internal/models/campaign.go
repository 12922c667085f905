package models

import "time"

// CampaignStatus is the lifecycle state of a bulk campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// RecipientStatus is the delivery state of one campaign recipient.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Campaign is a templated bulk message sent to many contacts through the sender pool.
type Campaign struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Template    string            `json:"template"`
	Variables   map[string]string `json:"variables,omitempty"`
	Rewrite     bool              `json:"rewrite,omitempty"` // vary wording per recipient when GenAI is configured
	Status      CampaignStatus    `json:"status"`
	TotalCount  int               `json:"total_count"`
	SentCount   int               `json:"sent_count"`
	FailedCount int               `json:"failed_count"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Done reports whether every recipient reached a terminal state.
func (c *Campaign) Done() bool {
	return c.TotalCount > 0 && c.SentCount+c.FailedCount >= c.TotalCount
}

// CampaignRecipient tracks delivery of a campaign to one contact.
type CampaignRecipient struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	ContactID  string          `json:"contact_id"`
	Phone      string          `json:"phone"`
	Status     RecipientStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
