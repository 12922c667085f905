// Package api exposes the FlowPipe admin HTTP API.
//
// It serves flow definitions, executions, contacts, senders and campaigns as
// JSON, accepts inbound messages from webhook-style transports and reports
// health. Every response uses the models.APIResponse envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/sender"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultListLimit       = 100
	maxRequestBody         = 1 << 20
)

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithInboundRouter makes POST /inbound dispatch asynchronously with deduplication.
func WithInboundRouter(r *messaging.InboundRouter) Option {
	return func(s *Server) { s.router = r }
}

// WithTimerQueue exposes the in-process delay timers under /timers.
func WithTimerQueue(q *flow.TimerQueue) Option {
	return func(s *Server) { s.timers = q }
}

// WithWebhook mounts a transport webhook, e.g. "POST /twilio/main".
func WithWebhook(pattern string, h http.HandlerFunc) Option {
	return func(s *Server) { s.webhooks[pattern] = h }
}

// WithSessionIDs reports the registered messaging sessions on /health.
func WithSessionIDs(ids func() []string) Option {
	return func(s *Server) { s.sessionIDs = ids }
}

// Server serves the admin API.
type Server struct {
	st         store.Store
	exec       *flow.Executor
	pool       *sender.Pool
	campaigns  *campaign.Service
	router     *messaging.InboundRouter
	timers     *flow.TimerQueue
	webhooks   map[string]http.HandlerFunc
	sessionIDs func() []string
	addr       string
}

// NewServer creates a server over the given components.
func NewServer(st store.Store, exec *flow.Executor, pool *sender.Pool, campaigns *campaign.Service, opts ...Option) *Server {
	s := &Server{
		st:        st,
		exec:      exec,
		pool:      pool,
		campaigns: campaigns,
		webhooks:  make(map[string]http.HandlerFunc),
		addr:      DefaultAddr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("GET /flows", s.listFlowsHandler)
	mux.HandleFunc("POST /flows", s.createFlowHandler)
	mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	mux.HandleFunc("PUT /flows/{id}", s.updateFlowHandler)
	mux.HandleFunc("DELETE /flows/{id}", s.deleteFlowHandler)
	mux.HandleFunc("POST /flows/{id}/trigger", s.triggerFlowHandler)

	mux.HandleFunc("GET /executions", s.listExecutionsHandler)
	mux.HandleFunc("GET /executions/{id}", s.getExecutionHandler)

	mux.HandleFunc("GET /contacts/{id}", s.getContactHandler)
	mux.HandleFunc("POST /contacts/{id}/suppress", s.suppressContactHandler)

	mux.HandleFunc("GET /senders", s.listSendersHandler)
	mux.HandleFunc("POST /senders", s.createSenderHandler)
	mux.HandleFunc("POST /senders/{id}/reconnect", s.reconnectSenderHandler)

	mux.HandleFunc("POST /campaigns", s.createCampaignHandler)
	mux.HandleFunc("GET /campaigns/{id}", s.getCampaignHandler)
	mux.HandleFunc("POST /campaigns/{id}/launch", s.launchCampaignHandler)

	mux.HandleFunc("POST /inbound", s.inboundHandler)

	if s.timers != nil {
		mux.HandleFunc("GET /timers", s.listTimersHandler)
		mux.HandleFunc("DELETE /timers/{id}", s.cancelTimerHandler)
	}
	for pattern, h := range s.webhooks {
		mux.HandleFunc(pattern, h)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	slog.Info("Server.Run: API stopped")
	return nil
}
