package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/sender"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Rewriter varies the wording of a personalized message.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) (string, error)
}

// Pacing controls how human-like and how fast the worker dispatches.
type Pacing struct {
	TypingDelayPerChar time.Duration `toml:"typing_delay_per_char"`
	MinTypingDelay     time.Duration `toml:"min_typing_delay"`
	MaxTypingDelay     time.Duration `toml:"max_typing_delay"`
	InterMessageDelay  time.Duration `toml:"inter_message_delay"`
	Jitter             time.Duration `toml:"jitter"`
	BatchSize          int           `toml:"batch_size"`
	BatchDelay         time.Duration `toml:"batch_delay"`
	RatePerSecond      float64       `toml:"rate_per_second"`
	Burst              int           `toml:"burst"`
}

// DefaultPacing returns the pacing used when none is configured.
func DefaultPacing() Pacing {
	return Pacing{
		TypingDelayPerChar: 50 * time.Millisecond,
		MinTypingDelay:     time.Second,
		MaxTypingDelay:     5 * time.Second,
		InterMessageDelay:  2 * time.Second,
		Jitter:             time.Second,
		BatchSize:          50,
		BatchDelay:         30 * time.Second,
		RatePerSecond:      1,
		Burst:              1,
	}
}

// TypingDelay returns the simulated typing time for a message of n characters.
func (p Pacing) TypingDelay(n int) time.Duration {
	d := time.Duration(n) * p.TypingDelayPerChar
	if d < p.MinTypingDelay {
		d = p.MinTypingDelay
	}
	if p.MaxTypingDelay > 0 && d > p.MaxTypingDelay {
		d = p.MaxTypingDelay
	}
	return d
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithRewriter enables message variation for campaigns that ask for it.
func WithRewriter(r Rewriter) WorkerOption {
	return func(w *Worker) { w.rewriter = r }
}

// WithPacing sets the dispatch pacing.
func WithPacing(p Pacing) WorkerOption {
	return func(w *Worker) { w.pacing = p }
}

// WithSleep replaces the context-aware wait used for pacing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) WorkerOption {
	return func(w *Worker) { w.sleep = sleep }
}

// Worker executes campaign_send jobs.
type Worker struct {
	repo     Repository
	pool     *sender.Pool
	channel  messaging.Channel
	rewriter Rewriter
	pacing   Pacing
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	mu   sync.Mutex
	sent int
}

// NewWorker creates a worker sending through channel with senders from pool.
func NewWorker(repo Repository, pool *sender.Pool, channel messaging.Channel, opts ...WorkerOption) *Worker {
	w := &Worker{
		repo:    repo,
		pool:    pool,
		channel: channel,
		pacing:  DefaultPacing(),
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	limit := rate.Inf
	if w.pacing.RatePerSecond > 0 {
		limit = rate.Limit(w.pacing.RatePerSecond)
	}
	burst := w.pacing.Burst
	if burst <= 0 {
		burst = 1
	}
	w.limiter = rate.NewLimiter(limit, burst)
	return w
}

// Register installs the campaign_send handler on a job runner.
func (w *Worker) Register(r interface {
	RegisterHandler(kind string, handler store.JobHandler)
}) {
	r.RegisterHandler(JobKindSend, w.HandleSend)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HandleSend delivers one campaign message. Failures are returned for retry;
// on the last attempt the recipient is marked failed and counted.
func (w *Worker) HandleSend(ctx context.Context, payload string) error {
	var p SendPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid %s payload: %w", JobKindSend, err)
	}
	r, err := w.repo.GetRecipient(p.RecipientID)
	if err != nil {
		return fmt.Errorf("get recipient %s: %w", p.RecipientID, err)
	}
	if r == nil || r.Status != models.RecipientPending {
		slog.Debug("Worker.HandleSend: recipient missing or already terminal, skipping", "recipientID", p.RecipientID)
		return nil
	}
	c, err := w.repo.GetCampaign(r.CampaignID)
	if err != nil {
		return fmt.Errorf("get campaign %s: %w", r.CampaignID, err)
	}
	if c == nil {
		slog.Warn("Worker.HandleSend: campaign not found, skipping", "campaignID", r.CampaignID)
		return nil
	}
	contact, err := w.repo.GetContact(r.ContactID)
	if err != nil {
		return fmt.Errorf("get contact %s: %w", r.ContactID, err)
	}

	senderID, sendErr := w.deliver(ctx, c, r, contact)
	if sendErr == nil {
		return w.markSent(r, senderID)
	}

	info, ok := store.JobInfoFromContext(ctx)
	last := !ok || info.LastAttempt()
	slog.Warn("Worker.HandleSend: delivery failed", "campaignID", c.ID, "recipientID", r.ID, "lastAttempt", last, "error", sendErr)
	r.Attempts++
	r.LastError = sendErr.Error()
	if senderID != "" {
		r.SenderID = senderID
	}
	if last {
		r.Status = models.RecipientFailed
	}
	if err := w.repo.UpdateRecipient(r); err != nil {
		slog.Error("Worker.HandleSend: update recipient failed", "recipientID", r.ID, "error", err)
	}
	if last {
		if _, err := w.repo.IncrementCampaignCounters(c.ID, 0, 1); err != nil {
			slog.Error("Worker.HandleSend: increment failure counter failed", "campaignID", c.ID, "error", err)
		}
	}
	return sendErr
}

// deliver selects a sender, paces and sends. It returns the sender used, if any.
func (w *Worker) deliver(ctx context.Context, c *models.Campaign, r *models.CampaignRecipient, contact *models.Contact) (string, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return "", err
	}
	snd, err := w.pool.GetNextHealthySender(ctx)
	if err != nil {
		return "", err
	}
	snd, err = w.pool.Reserve(ctx, snd.ID)
	if err != nil {
		return "", err
	}

	text := Personalize(c.Template, c.Variables, contact, r.Phone)
	if c.Rewrite && w.rewriter != nil {
		varied, err := w.rewriter.Rewrite(ctx, text)
		switch {
		case err != nil:
			slog.Warn("Worker.deliver: rewrite failed, sending original text", "campaignID", c.ID, "error", err)
		case varied != "":
			text = varied
		}
	}

	to := r.Phone
	if contact != nil {
		to = contact.Recipient()
	}
	w.setTyping(ctx, snd.SessionID, to, true)
	if err := w.sleep(ctx, w.pace(len([]rune(text)))); err != nil {
		w.setTyping(context.WithoutCancel(ctx), snd.SessionID, to, false)
		return snd.ID, err
	}

	sendErr := w.channel.SendMessage(ctx, snd.SessionID, to, models.TextPayload{Text: text})
	if sendErr != nil {
		w.setTyping(ctx, snd.SessionID, to, false)
	}
	if err := w.pool.UpdateHealth(ctx, snd, sendErr == nil); err != nil {
		slog.Error("Worker.deliver: update sender health failed", "senderID", snd.ID, "error", err)
	}
	if sendErr != nil {
		return snd.ID, fmt.Errorf("send via %s: %w", snd.ID, sendErr)
	}
	slog.Debug("Worker.deliver: sent", "campaignID", c.ID, "recipientID", r.ID, "senderID", snd.ID)

	if n := w.countSent(); w.pacing.BatchSize > 0 && n%w.pacing.BatchSize == 0 {
		slog.Debug("Worker.deliver: batch complete, pausing", "sent", n, "delay", w.pacing.BatchDelay)
		if err := w.sleep(ctx, w.pacing.BatchDelay); err != nil {
			slog.Debug("Worker.deliver: batch pause interrupted", "error", err)
		}
	}
	return snd.ID, nil
}

// setTyping shows or clears the composing indicator when the channel supports
// presence. A delivered message clears it on the recipient's side.
func (w *Worker) setTyping(ctx context.Context, sessionID, to string, typing bool) {
	pc, ok := w.channel.(messaging.PresenceChannel)
	if !ok {
		return
	}
	if err := pc.SetTyping(ctx, sessionID, to, typing); err != nil {
		slog.Debug("Worker.deliver: presence update failed", "session", sessionID, "typing", typing, "error", err)
	}
}

// pace returns the wait before sending a message of n characters.
func (w *Worker) pace(n int) time.Duration {
	d := w.pacing.InterMessageDelay + w.pacing.TypingDelay(n)
	if w.pacing.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(w.pacing.Jitter)))
	}
	return d
}

func (w *Worker) countSent() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sent++
	return w.sent
}

func (w *Worker) markSent(r *models.CampaignRecipient, senderID string) error {
	now := w.now().UTC()
	r.Status = models.RecipientSent
	r.Attempts++
	r.LastError = ""
	r.SenderID = senderID
	r.SentAt = &now
	if err := w.repo.UpdateRecipient(r); err != nil {
		return fmt.Errorf("update recipient %s: %w", r.ID, err)
	}
	c, err := w.repo.IncrementCampaignCounters(r.CampaignID, 1, 0)
	if err != nil {
		return fmt.Errorf("increment campaign counters: %w", err)
	}
	if c.Status == models.CampaignCompleted {
		slog.Info("Worker.HandleSend: campaign completed", "campaignID", c.ID, "sent", c.SentCount, "failed", c.FailedCount)
	}
	return nil
}
