package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/store"
)

// InboundHandler consumes inbound messages. The flow executor implements it.
type InboundHandler interface {
	HandleIncomingMessage(ctx context.Context, msg InboundMessage) error
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f InboundHandlerFunc) HandleIncomingMessage(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// RouterOption configures an InboundRouter.
type RouterOption func(*InboundRouter)

// WithDedup drops redelivered messages whose MessageID was already recorded.
func WithDedup(repo store.DedupRepo) RouterOption {
	return func(r *InboundRouter) { r.dedup = repo }
}

// InboundRouter reads every attached session's inbound channel and hands each
// message to the handler on its own goroutine.
type InboundRouter struct {
	handler InboundHandler
	dedup   store.DedupRepo
	wg      sync.WaitGroup
}

// NewInboundRouter creates a router delivering to handler.
func NewInboundRouter(handler InboundHandler, opts ...RouterOption) *InboundRouter {
	r := &InboundRouter{handler: handler}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach starts consuming s.Inbound() until it closes or ctx is done.
func (r *InboundRouter) Attach(ctx context.Context, s Session) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.Debug("InboundRouter.Attach: consuming session", "session", s.ID())
		for {
			select {
			case msg, ok := <-s.Inbound():
				if !ok {
					slog.Debug("InboundRouter.Attach: inbound channel closed", "session", s.ID())
					return
				}
				if msg.SessionID == "" {
					msg.SessionID = s.ID()
				}
				r.Dispatch(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Dispatch deduplicates msg and processes it asynchronously. It reports
// whether the message was accepted for processing.
func (r *InboundRouter) Dispatch(ctx context.Context, msg InboundMessage) bool {
	if r.dedup != nil && msg.MessageID != "" {
		isNew, err := r.dedup.RecordInbound(msg.MessageID, msg.ChannelAddress)
		if err != nil {
			slog.Warn("InboundRouter.Dispatch: dedup record failed, processing anyway", "messageID", msg.MessageID, "error", err)
		} else if !isNew {
			slog.Debug("InboundRouter.Dispatch: duplicate message dropped", "messageID", msg.MessageID, "session", msg.SessionID)
			return false
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.handler.HandleIncomingMessage(ctx, msg); err != nil {
			slog.Error("InboundRouter.Dispatch: handler failed", "session", msg.SessionID, "from", msg.ChannelAddress, "error", err)
			return
		}
		if r.dedup != nil && msg.MessageID != "" {
			if err := r.dedup.MarkProcessed(msg.MessageID); err != nil {
				slog.Warn("InboundRouter.Dispatch: mark processed failed", "messageID", msg.MessageID, "error", err)
			}
		}
	}()
	return true
}

// Wait blocks until every attached consumer and in-flight message finished.
func (r *InboundRouter) Wait() {
	r.wg.Wait()
}
