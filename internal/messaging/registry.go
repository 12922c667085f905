package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// RegistryOption configures a SessionRegistry.
type RegistryOption func(*SessionRegistry)

// WithDefaultSession names the session used when a send carries no session id.
func WithDefaultSession(id string) RegistryOption {
	return func(r *SessionRegistry) { r.defaultID = id }
}

// SessionRegistry holds the live sessions and implements Channel by routing
// each send to the session it names.
type SessionRegistry struct {
	mu        sync.RWMutex
	sessions  map[string]Session
	defaultID string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(opts ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{sessions: make(map[string]Session)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a session, replacing any session with the same id.
func (r *SessionRegistry) Register(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID()]; exists {
		slog.Warn("SessionRegistry.Register: replacing session", "session", s.ID())
	}
	r.sessions[s.ID()] = s
	slog.Info("SessionRegistry.Register: session registered", "session", s.ID())
}

// Deregister removes a session and returns it, or nil when it was not registered.
func (r *SessionRegistry) Deregister(id string) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	slog.Info("SessionRegistry.Deregister: session removed", "session", id)
	return s
}

// Get returns the session for id.
func (r *SessionRegistry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	s, ok := r.sessions[id]
	return s, ok
}

// IDs lists the registered session ids in sorted order.
func (r *SessionRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SendMessage routes payload to the named session.
func (r *SessionRegistry) SendMessage(ctx context.Context, sessionID, to string, payload models.MessagePayload) error {
	if to == "" {
		return ErrEmptyRecipient
	}
	s, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	if err := s.Send(ctx, to, payload); err != nil {
		return fmt.Errorf("session %s: %w", s.ID(), err)
	}
	slog.Debug("SessionRegistry.SendMessage: sent", "session", s.ID(), "to", to, "type", payload.PayloadType())
	return nil
}

// SetTyping toggles the typing indicator on the named session. Sessions
// without presence support are a no-op.
func (r *SessionRegistry) SetTyping(ctx context.Context, sessionID, to string, typing bool) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	t, ok := s.(Typer)
	if !ok {
		return nil
	}
	return t.SetTyping(ctx, to, typing)
}

// StopAll stops and removes every session.
func (r *SessionRegistry) StopAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]Session)
	r.mu.Unlock()
	for id, s := range sessions {
		if err := s.Stop(); err != nil {
			slog.Warn("SessionRegistry.StopAll: stop failed", "session", id, "error", err)
		}
	}
}
