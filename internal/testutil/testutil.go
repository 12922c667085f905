// Package testutil provides common test utilities and helpers for FlowPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// NewSQLiteStore opens a SQLite store in a per-test directory and closes it on cleanup.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "flowpipe.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// FlowBuilder assembles flow graphs for tests. Nodes are appended in call order
// and each of Then's edges starts at the previously added node.
type FlowBuilder struct {
	flow models.Flow
	last string
}

// NewFlow starts an active flow with a start node.
func NewFlow(name string, trigger models.TriggerType, keywords ...string) *FlowBuilder {
	b := &FlowBuilder{flow: models.Flow{Name: name, TriggerType: trigger, Keywords: keywords, IsActive: true}}
	b.flow.Nodes = append(b.flow.Nodes, models.NewNode("start", models.StartData{}))
	b.last = "start"
	return b
}

// Then adds a node connected from the previous one.
func (b *FlowBuilder) Then(id string, data models.NodeData) *FlowBuilder {
	return b.ThenVia("", id, data)
}

// ThenVia adds a node connected from the previous one through handle.
func (b *FlowBuilder) ThenVia(handle, id string, data models.NodeData) *FlowBuilder {
	b.flow.Nodes = append(b.flow.Nodes, models.NewNode(id, data))
	b.Edge(b.last, id, handle)
	b.last = id
	return b
}

// Node adds an unconnected node and makes it the previous one.
func (b *FlowBuilder) Node(id string, data models.NodeData) *FlowBuilder {
	b.flow.Nodes = append(b.flow.Nodes, models.NewNode(id, data))
	b.last = id
	return b
}

// Edge adds an explicit edge.
func (b *FlowBuilder) Edge(source, target, handle string) *FlowBuilder {
	b.flow.Edges = append(b.flow.Edges, models.Edge{Source: source, Target: target, SourceHandle: handle})
	return b
}

// Session binds the flow to one messaging session.
func (b *FlowBuilder) Session(id string) *FlowBuilder {
	b.flow.SessionID = id
	return b
}

// Build returns a copy of the assembled flow.
func (b *FlowBuilder) Build() *models.Flow {
	f := b.flow
	f.Nodes = append([]models.Node(nil), b.flow.Nodes...)
	f.Edges = append([]models.Edge(nil), b.flow.Edges...)
	return &f
}

// Seed stores the flow in repo and returns it with its generated id.
func (b *FlowBuilder) Seed(t *testing.T, repo store.FlowRepo) *models.Flow {
	t.Helper()
	f := b.Build()
	if err := repo.CreateFlow(f); err != nil {
		t.Fatalf("failed to create flow %q: %v", f.Name, err)
	}
	return f
}

// SeedContact upserts a contact and fails the test on error.
func SeedContact(t *testing.T, repo store.ContactRepo, phone, name string) *models.Contact {
	t.Helper()
	c, err := repo.UpsertContact(phone, "", name)
	if err != nil {
		t.Fatalf("failed to upsert contact %s: %v", phone, err)
	}
	return c
}

// WaitFor polls cond every 10ms until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", timeout, what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the API envelope and validates its status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var response models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if response.Status != expectedStatus {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, response.Status, response.Message)
	}
	return response
}

// DecodeResult re-decodes the generic result of an API envelope into target.
func DecodeResult(t *testing.T, response models.APIResponse, target interface{}) {
	t.Helper()
	MustUnmarshalJSON(t, MustMarshalJSON(t, response.Result), target)
}

// CreateJSONRequest creates a request carrying body as JSON. An empty body sends none.
func CreateJSONRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	if body == "" {
		return httptest.NewRequest(method, url, nil)
	}
	req := httptest.NewRequest(method, url, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
