package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

const testSession = "default"

type testEnv struct {
	store   *store.InMemoryStore
	session *messaging.MockSession
	exec    *Executor
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	session := messaging.NewMockSession(testSession)
	reg := messaging.NewSessionRegistry(messaging.WithDefaultSession(testSession))
	reg.Register(session)
	opts = append([]Option{WithChannel(reg)}, opts...)
	return &testEnv{store: st, session: session, exec: NewExecutor(st, opts...)}
}

func (env *testEnv) addFlow(t *testing.T, f *models.Flow) *models.Flow {
	t.Helper()
	if f.Name == "" {
		f.Name = "test flow"
	}
	if f.TriggerType == "" {
		f.TriggerType = models.TriggerMessage
	}
	f.IsActive = true
	if err := env.store.CreateFlow(f); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	return f
}

func (env *testEnv) inbound(t *testing.T, address, text string) {
	t.Helper()
	err := env.exec.HandleIncomingMessage(context.Background(), messaging.InboundMessage{
		SessionID:      testSession,
		ChannelAddress: address,
		Text:           text,
		Timestamp:      time.Now(),
	})
	if err != nil {
		t.Fatalf("HandleIncomingMessage(%q) failed: %v", text, err)
	}
}

func (env *testEnv) executions(t *testing.T) []models.FlowExecution {
	t.Helper()
	out, err := env.store.ListExecutions("", 0)
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	return out
}

func (env *testEnv) execution(t *testing.T, id string) *models.FlowExecution {
	t.Helper()
	e, err := env.store.GetExecution(id)
	if err != nil || e == nil {
		t.Fatalf("GetExecution(%s) = %v, %v", id, e, err)
	}
	return e
}

func (env *testEnv) contact(t *testing.T, phone string) *models.Contact {
	t.Helper()
	c, err := env.store.UpsertContact(phone, "", "")
	if err != nil {
		t.Fatalf("UpsertContact failed: %v", err)
	}
	return c
}

func textNode(id, body string) models.Node {
	return models.NewNode(id, models.MessageData{Text: body})
}

func edge(source, target string) models.Edge {
	return models.Edge{Source: source, Target: target}
}

func handleEdge(source, handle, target string) models.Edge {
	return models.Edge{Source: source, Target: target, SourceHandle: handle}
}

// recordingQueue is a DelayQueue that only records what was scheduled.
type recordingQueue struct {
	mu    sync.Mutex
	kinds []string
	items []any
	delay []time.Duration
}

func (q *recordingQueue) Schedule(ctx context.Context, kind string, payload any, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kinds = append(q.kinds, kind)
	q.items = append(q.items, payload)
	q.delay = append(q.delay, delay)
	return nil
}

// capturingRegistrar records handlers registered by kind.
type capturingRegistrar map[string]store.JobHandler

func (r capturingRegistrar) RegisterHandler(kind string, h store.JobHandler) { r[kind] = h }

type fakeMailer struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "msg-1@example.com", nil
}
