package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// eventSource is implemented by clients with a live whatsmeow event stream.
type eventSource interface {
	AddEventHandler(handler func(evt any))
}

// WhatsAppOption configures a WhatsAppSession.
type WhatsAppOption func(*WhatsAppSession)

// WithInteractive sends buttons and lists as native interactive messages
// instead of their plain-text rendering.
func WithInteractive() WhatsAppOption {
	return func(s *WhatsAppSession) { s.interactive = true }
}

// WhatsAppSession implements Session on top of a whatsmeow-based client.
type WhatsAppSession struct {
	id          string
	client      whatsapp.Sender
	interactive bool
	inbound     chan InboundMessage
	mu          sync.RWMutex
	stopped     bool
}

// NewWhatsAppSession creates a session named id wrapping client.
func NewWhatsAppSession(id string, client whatsapp.Sender, opts ...WhatsAppOption) *WhatsAppSession {
	s := &WhatsAppSession{
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
func (s *WhatsAppSession) ID() string { return s.id }

// Start subscribes to the client's events when it has any.
func (s *WhatsAppSession) Start(ctx context.Context) error {
	src, ok := s.client.(eventSource)
	if !ok {
		slog.Debug("WhatsAppSession.Start: client has no event stream, skipping event handling", "session", s.id)
		return nil
	}
	src.AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppSession.Start: event handler registered", "session", s.id)
	return nil
}

// Stop closes the inbound channel. Further sends fail with ErrServiceStopped.
func (s *WhatsAppSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	if c, ok := s.client.(*whatsapp.Client); ok {
		c.Disconnect()
	}
	slog.Info("WhatsAppSession.Stop: stopped", "session", s.id)
	return nil
}

// Send delivers payload, rendering buttons and lists as text unless the
// session is interactive.
func (s *WhatsAppSession) Send(ctx context.Context, to string, payload models.MessagePayload) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}
	if !s.interactive {
		switch payload.PayloadType() {
		case models.PayloadButtons, models.PayloadList:
			payload = models.TextPayload{Text: RenderPlainText(payload)}
		}
	}
	if err := s.client.SendPayload(ctx, to, payload); err != nil {
		slog.Error("WhatsAppSession.Send: send failed", "session", s.id, "to", to, "error", err)
		return err
	}
	return nil
}

// SetTyping forwards a presence update when the client supports it.
func (s *WhatsAppSession) SetTyping(ctx context.Context, to string, typing bool) error {
	t, ok := s.client.(Typer)
	if !ok {
		return nil
	}
	return t.SetTyping(ctx, to, typing)
}

// Inbound returns the channel of received messages.
func (s *WhatsAppSession) Inbound() <-chan InboundMessage {
	return s.inbound
}

// handleEvent maps whatsmeow events to inbound messages.
func (s *WhatsAppSession) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleMessage(v)
	case *events.Connected:
		slog.Info("WhatsAppSession: connected", "session", s.id)
	case *events.Disconnected:
		slog.Warn("WhatsAppSession: disconnected", "session", s.id)
	case *events.LoggedOut:
		slog.Error("WhatsAppSession: logged out", "session", s.id, "reason", v.Reason)
	}
}

func (s *WhatsAppSession) handleMessage(evt *events.Message) {
	chat := evt.Info.Chat
	if chat.Server == types.GroupServer || chat.Server == types.BroadcastServer {
		slog.Debug("WhatsAppSession ignoring group or broadcast message", "session", s.id, "chat", chat.String())
		return
	}
	text := whatsapp.TextFromMessage(evt.Message)
	if text == "" {
		slog.Debug("WhatsAppSession ignoring message without text", "session", s.id, "chat", chat.String())
		return
	}
	ts := evt.Info.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	s.emit(InboundMessage{
		SessionID:      s.id,
		MessageID:      string(evt.Info.ID),
		ChannelAddress: chat.ToNonAD().String(),
		Text:           text,
		FromMe:         evt.Info.IsFromMe,
		PushName:       evt.Info.PushName,
		Timestamp:      ts,
	})
}

func (s *WhatsAppSession) emit(msg InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppSession dropping inbound message (session stopped)", "session", s.id, "from", msg.ChannelAddress)
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("WhatsAppSession inbound message forwarded", "session", s.id, "from", msg.ChannelAddress)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppSession inbound channel blocked, dropping message", "session", s.id, "from", msg.ChannelAddress, "timeout", DefaultChannelTimeout)
	}
}
