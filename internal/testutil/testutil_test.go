package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

func TestFlowBuilder(t *testing.T) {
	f := NewFlow("menu", models.TriggerKeyword, "menu").
		Then("ask", models.MessageData{Text: "Pick one"}).
		Then("route", models.MenuResponseData{Options: []models.MenuOption{{ID: "a", Value: "1"}}}).
		ThenVia("a", "done", models.MessageData{Text: "Done"}).
		Session("s1").
		Build()

	if err := f.Validate(); err != nil {
		t.Fatalf("built flow should be valid: %v", err)
	}
	if len(f.Nodes) != 4 || len(f.Edges) != 3 {
		t.Fatalf("expected 4 nodes and 3 edges, got %d/%d", len(f.Nodes), len(f.Edges))
	}
	if next, ok := f.NextNodeIDByHandle("route", "a"); !ok || next != "done" {
		t.Errorf("handle edge not built: %q %v", next, ok)
	}
	if f.SessionID != "s1" || !f.IsActive {
		t.Errorf("unexpected flow settings: %+v", f)
	}
}

func TestSeedHelpersWithSQLite(t *testing.T) {
	st := NewSQLiteStore(t)
	f := NewFlow("welcome", models.TriggerMessage).Then("hi", models.MessageData{Text: "Hi"}).Seed(t, st)
	if f.ID == "" {
		t.Fatal("seeded flow has no id")
	}
	got, err := st.GetFlow(f.ID)
	if err != nil || got == nil || len(got.Nodes) != 2 {
		t.Fatalf("GetFlow = %+v, %v", got, err)
	}

	c := SeedContact(t, st, "15551230001", "Ana")
	if again := SeedContact(t, st, "15551230001", ""); again.ID != c.ID || again.Name != "Ana" {
		t.Errorf("upsert should keep one contact: %+v vs %+v", again, c)
	}
	var _ store.Store = st
}

func TestWaitFor(t *testing.T) {
	start := time.Now()
	WaitFor(t, time.Second, func() bool { return time.Since(start) > 30*time.Millisecond }, "clock")
}

func TestHTTPHelpers(t *testing.T) {
	req := CreateJSONRequest(t, http.MethodPost, "/flows", `{"name":"x"}`)
	if req.Header.Get("Content-Type") != "application/json" {
		t.Error("expected JSON content type")
	}
	if CreateJSONRequest(t, http.MethodGet, "/flows", "").Header.Get("Content-Type") != "" {
		t.Error("bodiless request should carry no content type")
	}

	rr := httptest.NewRecorder()
	rr.WriteHeader(http.StatusCreated)
	rr.Body.Write(MustMarshalJSON(t, models.SuccessWithMessage("created", map[string]int{"count": 2})))
	AssertHTTPStatus(t, http.StatusCreated, rr.Code, "recorder")
	resp := AssertJSONResponse(t, rr, "ok")

	var result struct {
		Count int `json:"count"`
	}
	DecodeResult(t, resp, &result)
	if result.Count != 2 {
		t.Errorf("DecodeResult count = %d", result.Count)
	}
}
