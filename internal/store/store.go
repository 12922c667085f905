// Package store provides storage backends for FlowPipe.
//
// It defines one repository interface per entity and three implementations:
// an in-memory store for tests and ephemeral runs, and SQLite and PostgreSQL
// stores sharing the same schema. Lookups return (nil, nil) when the record
// does not exist.
package store

import (
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrQuotaExceeded is returned by ReserveSenderQuota when any window limit is reached.
var ErrQuotaExceeded = errors.New("sender quota exceeded")

// ContactRepo persists contacts keyed by phone.
type ContactRepo interface {
	// UpsertContact creates the contact for phone or updates its channel address in one
	// atomic statement. An empty channelAddress or name leaves the stored value unchanged.
	UpsertContact(phone, channelAddress, name string) (*models.Contact, error)
	GetContact(id string) (*models.Contact, error)
	GetContactByPhone(phone string) (*models.Contact, error)
	// SetContactAttributes merges attrs into the contact's attribute bag.
	SetContactAttributes(id string, attrs map[string]any) error
	// SetAutoReplySuppression toggles auto-reply suppression. A nil until with
	// suppressed=true suppresses indefinitely.
	SetAutoReplySuppression(id string, suppressed bool, until *time.Time) error
}

// FlowRepo persists flow definitions in stored order.
type FlowRepo interface {
	CreateFlow(f *models.Flow) error
	GetFlow(id string) (*models.Flow, error)
	UpdateFlow(f *models.Flow) error
	DeleteFlow(id string) error
	ListFlows() ([]models.Flow, error)
	// ListTriggerFlows returns active keyword and message flows bound to sessionID
	// or to no session, in stored order.
	ListTriggerFlows(sessionID string) ([]models.Flow, error)
}

// ExecutionRepo persists flow executions. Status transitions that must not race
// are exposed as conditional updates reporting whether they applied.
type ExecutionRepo interface {
	CreateExecution(e *models.FlowExecution) error
	GetExecution(id string) (*models.FlowExecution, error)
	// UpdateExecution persists the pointer, variables, status and error of e.
	UpdateExecution(e *models.FlowExecution) error
	// ClaimPausedExecution moves a paused execution to running. Exactly one
	// concurrent caller observes true.
	ClaimPausedExecution(id string) (bool, error)
	// CompleteExecution marks a non-terminal execution completed.
	CompleteExecution(id string, at time.Time) (bool, error)
	// FailExecution marks a non-terminal execution failed with reason.
	FailExecution(id, reason string) (bool, error)
	FindPausedExecution(contactID string) (*models.FlowExecution, error)
	// FailPausedExecutions fails every paused execution of the contact and returns how many changed.
	FailPausedExecutions(contactID, reason string) (int, error)
	// ListExecutions returns the newest executions first. An empty contactID lists all.
	ListExecutions(contactID string, limit int) ([]models.FlowExecution, error)
	ListExecutionsByStatus(status models.ExecutionStatus) ([]models.FlowExecution, error)
}

// SenderRepo persists the sending accounts of the pool.
type SenderRepo interface {
	CreateSender(s *models.Sender) error
	GetSender(id string) (*models.Sender, error)
	ListSenders() ([]models.Sender, error)
	// ListAvailableSenders returns connected, active senders, least recently used first
	// and never used senders before all others.
	ListAvailableSenders() ([]models.Sender, error)
	UpdateSender(s *models.Sender) error
	// ReserveSenderQuota resets expired windows, checks every limit and increments all
	// counters in a single read-modify-write. Returns ErrQuotaExceeded when a limit is hit.
	ReserveSenderQuota(id string, now time.Time) (*models.Sender, error)
}

// CampaignRepo persists campaigns and their recipients.
type CampaignRepo interface {
	CreateCampaign(c *models.Campaign) error
	GetCampaign(id string) (*models.Campaign, error)
	UpdateCampaignStatus(id string, status models.CampaignStatus, total int) error
	// AddRecipient inserts r unless the contact is already a recipient, in which case
	// r is filled from the existing row.
	AddRecipient(r *models.CampaignRecipient) error
	GetRecipient(id string) (*models.CampaignRecipient, error)
	UpdateRecipient(r *models.CampaignRecipient) error
	ListRecipients(campaignID string) ([]models.CampaignRecipient, error)
	// IncrementCampaignCounters adds to the sent and failed counters, marks the campaign
	// completed once every recipient is terminal and returns the updated campaign.
	IncrementCampaignCounters(id string, sent, failed int) (*models.Campaign, error)
}

// Store is the full persistence contract used by FlowPipe.
type Store interface {
	ContactRepo
	FlowRepo
	ExecutionRepo
	SenderRepo
	CampaignRepo
	JobRepo
	DedupRepo
	Close() error
}

// Compile-time checks that every backend implements Store.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
