package whatsapp

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentPayload records one MockClient send.
type SentPayload struct {
	To      string
	Payload models.MessagePayload
}

// MockClient implements Sender without a WhatsApp connection (for tests).
type MockClient struct {
	mu     sync.Mutex
	Sent   []SentPayload
	Typing []bool
	Err    error
}

// NewMockClient returns a MockClient that accepts every send.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendPayload(ctx context.Context, to string, payload models.MessagePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentPayload{To: to, Payload: payload})
	return nil
}

// Messages returns a copy of the recorded sends.
func (m *MockClient) Messages() []SentPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentPayload(nil), m.Sent...)
}

// SetTyping records the requested presence state.
func (m *MockClient) SetTyping(ctx context.Context, to string, typing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Typing = append(m.Typing, typing)
	return nil
}
