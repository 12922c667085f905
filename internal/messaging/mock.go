package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage records one MockSession send.
type SentMessage struct {
	To      string
	Payload models.MessagePayload
}

// MockSession is an in-memory Session for tests. Deliver pushes inbound messages.
type MockSession struct {
	id      string
	inbound chan InboundMessage

	mu      sync.Mutex
	sent    []SentMessage
	typing  []bool
	sendErr error
	stopped bool
}

// NewMockSession creates a MockSession named id.
func NewMockSession(id string) *MockSession {
	return &MockSession{id: id, inbound: make(chan InboundMessage, DefaultChannelBufferSize)}
}

func (m *MockSession) ID() string                      { return m.id }
func (m *MockSession) Start(ctx context.Context) error { return nil }
func (m *MockSession) Inbound() <-chan InboundMessage  { return m.inbound }

func (m *MockSession) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.inbound)
	}
	return nil
}

func (m *MockSession) Send(ctx context.Context, to string, payload models.MessagePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, SentMessage{To: to, Payload: payload})
	return nil
}

func (m *MockSession) SetTyping(ctx context.Context, to string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, typing)
	return nil
}

// Typing returns the recorded presence states, in order.
func (m *MockSession) Typing() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.typing...)
}

// SetSendError makes every following Send fail with err (nil restores success).
func (m *MockSession) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Deliver queues an inbound message.
func (m *MockSession) Deliver(msg InboundMessage) {
	if msg.SessionID == "" {
		msg.SessionID = m.id
	}
	m.inbound <- msg
}

// Sent returns a copy of the recorded sends.
func (m *MockSession) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Texts returns the text of every recorded TextPayload send, in order.
func (m *MockSession) Texts() []string {
	var out []string
	for _, s := range m.Sent() {
		if p, ok := s.Payload.(models.TextPayload); ok {
			out = append(out, p.Text)
		}
	}
	return out
}
