package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/sender"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// newTestServerTwilio wires a Twilio session, backed by the mock client, behind the API webhook.
func newTestServerTwilio(t *testing.T) (http.Handler, *twiliowhatsapp.MockClient, *messaging.InboundRouter, context.CancelFunc) {
	t.Helper()
	st := store.NewInMemoryStore()
	twilioClient := twiliowhatsapp.NewMockClient() // mock, not the live API
	session := messaging.NewTwilioSession("twilio", twilioClient)
	reg := messaging.NewSessionRegistry()
	reg.Register(session)

	exec := flow.NewExecutor(st, flow.WithChannel(reg))
	router := messaging.NewInboundRouter(exec, messaging.WithDedup(st))
	ctx, cancel := context.WithCancel(context.Background())
	router.Attach(ctx, session)

	testutil.NewFlow("twilio welcome", models.TriggerKeyword, "hello").
		Then("hi", models.MessageData{Text: "Hi from Twilio!"}).
		Seed(t, st)

	srv := NewServer(st, exec, sender.NewPool(st), campaign.NewService(st),
		WithWebhook("POST /twilio/twilio", session.WebhookHandler))
	return srv.Handler(), twilioClient, router, func() {
		cancel()
		session.Stop()
		router.Wait()
	}
}

func postForm(handler http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestTwilioWebhook_TriggersFlow(t *testing.T) {
	handler, client, _, stop := newTestServerTwilio(t)
	defer stop()

	rr := postForm(handler, "/twilio/twilio", url.Values{
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"Hello there"},
		"MessageSid": {"SM1"},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "Twilio webhook success")

	testutil.WaitFor(t, 2*time.Second, func() bool { return len(client.Messages()) > 0 }, "Twilio reply")
	sent := client.Messages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(sent))
	}
	if sent[0].To != "whatsapp:+15551234567" || sent[0].Body != "Hi from Twilio!" {
		t.Errorf("unexpected reply: %+v", sent[0])
	}
}

func TestTwilioWebhook_BadRequest(t *testing.T) {
	handler, client, _, stop := newTestServerTwilio(t)
	defer stop()

	rr := postForm(handler, "/twilio/twilio", url.Values{"Body": {""}})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "Twilio webhook missing sender")
	if len(client.Messages()) != 0 {
		t.Error("no reply expected for a rejected webhook")
	}
}
