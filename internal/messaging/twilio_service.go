package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// webhookValidator is implemented by the real Twilio client.
type webhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioOption configures a TwilioSession.
type TwilioOption func(*TwilioSession)

// WithWebhookURL enables X-Twilio-Signature validation against the public
// URL Twilio posts to.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioSession) { s.webhookURL = url }
}

// TwilioSession implements Session using the Twilio API. Inbound messages
// arrive through WebhookHandler.
type TwilioSession struct {
	id         string
	client     twiliowhatsapp.Sender
	webhookURL string
	inbound    chan InboundMessage
	mu         sync.RWMutex
	stopped    bool
}

// NewTwilioSession creates a session named id wrapping client.
func NewTwilioSession(id string, client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioSession {
	s := &TwilioSession{
		id:      id,
		client:  client,
		inbound: make(chan InboundMessage, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id.
func (s *TwilioSession) ID() string { return s.id }

// Start is a no-op for Twilio (inbound is pushed by webhook).
func (s *TwilioSession) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

// Send delivers payload. Twilio carries text and media; every other payload
// type is sent as its plain-text rendering.
func (s *TwilioSession) Send(ctx context.Context, to string, payload models.MessagePayload) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	switch p := payload.(type) {
	case models.MediaPayload:
		return s.client.SendMessage(ctx, to, p.Caption, p.URL)
	default:
		body := RenderPlainText(payload)
		if body == "" {
			return fmt.Errorf("twilio session %s: empty %s message", s.id, payload.PayloadType())
		}
		return s.client.SendMessage(ctx, to, body)
	}
}

// Inbound returns the channel of received messages.
func (s *TwilioSession) Inbound() <-chan InboundMessage {
	return s.inbound
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on Inbound.
func (s *TwilioSession) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioSession.WebhookHandler: failed to parse form", "session", s.id, "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if v, ok := s.client.(webhookValidator); ok && s.webhookURL != "" {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !v.ValidateWebhook(s.webhookURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioSession.WebhookHandler: invalid signature", "session", s.id)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioSession.WebhookHandler: missing fields", "session", s.id, "from", from)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.emit(InboundMessage{
		SessionID:      s.id,
		MessageID:      r.FormValue("MessageSid"),
		ChannelAddress: from,
		Text:           body,
		PushName:       r.FormValue("ProfileName"),
		Timestamp:      time.Now(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioSession) emit(msg InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioSession dropping inbound message (session stopped)", "session", s.id, "from", msg.ChannelAddress)
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("TwilioSession emitted inbound message", "session", s.id, "from", msg.ChannelAddress)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioSession inbound channel blocked, dropping message", "session", s.id, "from", msg.ChannelAddress)
	}
}
