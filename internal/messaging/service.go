// Package messaging routes outbound payloads to messaging sessions and
// delivers inbound messages from those sessions to the flow engine.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Constants for session configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	ErrServiceStopped = errors.New("messaging session stopped")
	ErrUnknownSession = errors.New("unknown messaging session")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
)

// InboundMessage is one message received on a session.
type InboundMessage struct {
	SessionID      string    `json:"session_id"`
	MessageID      string    `json:"message_id,omitempty"`
	ChannelAddress string    `json:"channel_address"`
	Text           string    `json:"text"`
	FromMe         bool      `json:"from_me"`
	PushName       string    `json:"push_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Channel is the outbound side used by the flow engine and campaign worker.
type Channel interface {
	// SendMessage delivers payload to the recipient through the named session.
	SendMessage(ctx context.Context, sessionID, to string, payload models.MessagePayload) error
}

// Typer is implemented by sessions that can show a typing indicator.
type Typer interface {
	SetTyping(ctx context.Context, to string, typing bool) error
}

// PresenceChannel is a Channel that can also signal typing on a session.
type PresenceChannel interface {
	Channel
	SetTyping(ctx context.Context, sessionID, to string, typing bool) error
}

// Session is one connected messaging account (a WhatsApp device, a Twilio number).
type Session interface {
	// ID returns the session identifier flows and senders refer to.
	ID() string

	// Send delivers a payload to a recipient.
	Send(ctx context.Context, to string, payload models.MessagePayload) error

	// Start begins any background processing (e.g., event subscription).
	Start(ctx context.Context) error

	// Stop stops background processing and closes Inbound.
	Stop() error

	// Inbound returns the channel of received messages.
	Inbound() <-chan InboundMessage
}
