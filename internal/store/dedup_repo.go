package store

import (
	"time"
)

// DefaultDedupRetention is how long inbound message ids are remembered.
// Transports only redeliver within minutes, so a week is generous.
const DefaultDedupRetention = 7 * 24 * time.Hour

// DedupRecord marks a channel message id as seen. Transports redeliver messages
// after reconnects, and a redelivered reply must not advance a flow twice.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Address     string     `json:"address"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo records inbound message ids.
type DedupRepo interface {
	// IsDuplicate reports whether messageID was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records messageID and reports whether it was new.
	RecordInbound(messageID, address string) (bool, error)

	// MarkProcessed stamps a recorded message as handled.
	MarkProcessed(messageID string) error

	// PruneInbound forgets messages received before the cutoff and returns how many.
	PruneInbound(before time.Time) (int, error)
}
