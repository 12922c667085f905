// Package campaign dispatches templated bulk messages to many contacts through
// the sender pool. Each recipient is one durable job, so a crash mid-campaign
// resumes where it stopped.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// JobKindSend delivers a campaign to one recipient.
const JobKindSend = "campaign_send"

// ErrNoRecipients is returned by Launch when none of the contacts exist.
var ErrNoRecipients = errors.New("campaign has no recipients")

// SendPayload is the JSON payload for campaign_send jobs.
type SendPayload struct {
	CampaignID  string `json:"campaign_id"`
	RecipientID string `json:"recipient_id"`
	ContactID   string `json:"contact_id"`
}

// DedupeKey identifies the delivery of one campaign to one contact.
func (p SendPayload) DedupeKey() string {
	return "campaign:" + p.CampaignID + ":" + p.ContactID
}

// Repository is the persistence used by campaigns.
type Repository interface {
	store.CampaignRepo
	store.ContactRepo
	store.JobRepo
}

// Service creates and launches campaigns.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a campaign service over repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create stores a draft campaign.
func (s *Service) Create(ctx context.Context, c *models.Campaign) error {
	if strings.TrimSpace(c.Template) == "" {
		return models.ErrEmptyTemplate
	}
	c.Status = models.CampaignDraft
	c.TotalCount, c.SentCount, c.FailedCount = 0, 0, 0
	if err := s.repo.CreateCampaign(c); err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	slog.Info("Service.Create: campaign created", "campaignID", c.ID, "name", c.Name)
	return nil
}

// Launch adds the contacts as recipients and enqueues one send job for every
// pending recipient. Launching again with the same contacts does not send twice.
func (s *Service) Launch(ctx context.Context, campaignID string, contactIDs []string) (*models.Campaign, error) {
	c, err := s.repo.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}
	if c == nil {
		return nil, models.ErrNotFound
	}

	var pending []models.CampaignRecipient
	for _, id := range contactIDs {
		contact, err := s.repo.GetContact(id)
		if err != nil {
			return nil, fmt.Errorf("get contact %s: %w", id, err)
		}
		if contact == nil {
			slog.Warn("Service.Launch: skipping unknown contact", "campaignID", campaignID, "contactID", id)
			continue
		}
		r := &models.CampaignRecipient{
			CampaignID: campaignID,
			ContactID:  contact.ID,
			Phone:      contact.Phone,
			Status:     models.RecipientPending,
		}
		if err := s.repo.AddRecipient(r); err != nil {
			return nil, fmt.Errorf("add recipient %s: %w", contact.ID, err)
		}
		if r.Status == models.RecipientPending {
			pending = append(pending, *r)
		}
	}

	all, err := s.repo.ListRecipients(campaignID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	if len(all) == 0 {
		return nil, ErrNoRecipients
	}
	if err := s.repo.UpdateCampaignStatus(campaignID, models.CampaignRunning, len(all)); err != nil {
		return nil, fmt.Errorf("update campaign status: %w", err)
	}

	now := s.now()
	for _, r := range pending {
		p := SendPayload{CampaignID: campaignID, RecipientID: r.ID, ContactID: r.ContactID}
		active, err := s.repo.FindActiveJob(p.DedupeKey())
		if err != nil {
			return nil, fmt.Errorf("find send job for %s: %w", r.ContactID, err)
		}
		if active != nil {
			slog.Debug("Service.Launch: send already queued or in flight", "campaignID", campaignID, "contactID", r.ContactID, "jobID", active.ID)
			continue
		}
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if _, err := s.repo.EnqueueJob(JobKindSend, now, string(b), p.DedupeKey()); err != nil {
			return nil, fmt.Errorf("enqueue send for %s: %w", r.ContactID, err)
		}
	}
	slog.Info("Service.Launch: campaign launched", "campaignID", campaignID, "recipients", len(all), "enqueued", len(pending))

	c, err = s.repo.GetCampaign(campaignID)
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}
	return c, nil
}
