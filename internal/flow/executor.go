package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// Defaults for Config.
const (
	DefaultMaxStepsPerTurn = 100
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultStaleDelayGrace = 5 * time.Minute
)

// ErrStepBudgetExceeded is the failure reason of executions that hop between
// nodes more than MaxStepsPerTurn times without pausing.
var ErrStepBudgetExceeded = errors.New("step budget exceeded")

// Failure reasons recorded on executions.
const (
	reasonFlowNotFound = "flow not found"
	reasonSuperseded   = "superseded"
)

// Repository is the persistence the executor needs.
type Repository interface {
	store.ContactRepo
	store.FlowRepo
	store.ExecutionRepo
}

// Config tunes the executor.
type Config struct {
	MaxStepsPerTurn int
	HTTPTimeout     time.Duration
	StaleDelayGrace time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithChannel sets the channel messages are sent through.
func WithChannel(ch messaging.Channel) Option {
	return func(e *Executor) { e.channel = ch }
}

// WithDelayQueue sets the queue delay nodes schedule their continuation on.
func WithDelayQueue(q DelayQueue) Option {
	return func(e *Executor) { e.delays = q }
}

// WithHTTPClient sets the client used by http nodes.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.httpClient = c }
}

// WithMailer sets the transport used by email nodes.
func WithMailer(m Mailer) Option {
	return func(e *Executor) { e.mailer = m }
}

// WithMaxStepsPerTurn sets the per-turn step budget.
func WithMaxStepsPerTurn(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.cfg.MaxStepsPerTurn = n
		}
	}
}

// WithHTTPTimeout sets the timeout of http node requests.
func WithHTTPTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.cfg.HTTPTimeout = d
		}
	}
}

// WithStaleDelayGrace sets how far past due a delay must be before the sweep re-runs it.
func WithStaleDelayGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.cfg.StaleDelayGrace = d
		}
	}
}

// Executor runs flows for contacts.
type Executor struct {
	repo       Repository
	channel    messaging.Channel
	delays     DelayQueue
	httpClient *http.Client
	mailer     Mailer
	cfg        Config
	now        func() time.Time
	contacts   *contactLocks
}

// NewExecutor creates an executor over repo.
func NewExecutor(repo Repository, opts ...Option) *Executor {
	e := &Executor{
		repo: repo,
		cfg: Config{
			MaxStepsPerTurn: DefaultMaxStepsPerTurn,
			HTTPTimeout:     DefaultHTTPTimeout,
			StaleDelayGrace: DefaultStaleDelayGrace,
		},
		now:      time.Now,
		contacts: newContactLocks(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: e.cfg.HTTPTimeout}
	}
	return e
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// HandleIncomingMessage resumes the contact's paused execution or starts the
// first trigger flow matching the message. Messages of one contact are
// handled one at a time, so a reply sent while the previous turn is still
// running resumes that turn's pause instead of starting a second execution.
func (e *Executor) HandleIncomingMessage(ctx context.Context, msg messaging.InboundMessage) error {
	phone := PhoneFromAddress(msg.ChannelAddress)
	if phone == "" {
		slog.Debug("Executor.HandleIncomingMessage: no phone in address, ignoring", "address", msg.ChannelAddress)
		return nil
	}
	contact, err := e.repo.UpsertContact(phone, msg.ChannelAddress, msg.PushName)
	if err != nil {
		return fmt.Errorf("upsert contact %s: %w", phone, err)
	}
	unlock := e.contacts.lock(contact.ID)
	defer unlock()

	paused, err := e.repo.FindPausedExecution(contact.ID)
	if err != nil {
		return fmt.Errorf("find paused execution: %w", err)
	}
	if paused != nil {
		resumed, err := e.ResumeFlow(ctx, paused.ID, msg.Text, msg.SessionID)
		if err != nil {
			return err
		}
		if resumed {
			return nil
		}
		slog.Info("Executor.HandleIncomingMessage: paused execution not resumed, evaluating triggers", "executionID", paused.ID, "contactID", contact.ID)
	}

	flows, err := e.repo.ListTriggerFlows(msg.SessionID)
	if err != nil {
		return fmt.Errorf("list trigger flows: %w", err)
	}
	suppressed := autoReplySuppressed(contact, e.now())
	for i := range flows {
		f := &flows[i]
		if !matchesTrigger(f, msg) {
			continue
		}
		if f.TriggerType == models.TriggerMessage && suppressed {
			slog.Debug("Executor.HandleIncomingMessage: auto-reply suppressed for contact", "contactID", contact.ID, "flowID", f.ID)
			continue
		}
		trigger := map[string]any{
			models.VarSessionID:      msg.SessionID,
			models.VarMessage:        msg.Text,
			models.VarFromMe:         msg.FromMe,
			models.VarChannelAddress: msg.ChannelAddress,
		}
		if msg.PushName != "" {
			trigger[models.VarPushName] = msg.PushName
		}
		slog.Info("Executor.HandleIncomingMessage: trigger matched", "flowID", f.ID, "trigger", f.TriggerType, "contactID", contact.ID)
		_, err := e.StartFlow(ctx, f.ID, contact.ID, trigger)
		return err
	}
	slog.Debug("Executor.HandleIncomingMessage: no flow matched", "contactID", contact.ID, "session", msg.SessionID)
	return nil
}

// matchesTrigger applies first-match trigger rules. Message flows never react
// to messages sent by the account itself; keyword flows do.
func matchesTrigger(f *models.Flow, msg messaging.InboundMessage) bool {
	switch f.TriggerType {
	case models.TriggerMessage:
		return !msg.FromMe
	case models.TriggerKeyword:
		text := strings.ToLower(msg.Text)
		for _, kw := range f.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

func autoReplySuppressed(c *models.Contact, now time.Time) bool {
	if !c.AutoReplySuppressed {
		return false
	}
	return c.AutoReplySuppressedUntil == nil || now.Before(*c.AutoReplySuppressedUntil)
}

// StartFlow creates a running execution of flowID for contactID and runs it
// from the start node. Missing or inactive flows, missing contacts and flows
// without a start node abort silently with an empty id.
func (e *Executor) StartFlow(ctx context.Context, flowID, contactID string, trigger map[string]any) (string, error) {
	f, err := e.repo.GetFlow(flowID)
	if err != nil {
		return "", fmt.Errorf("get flow %s: %w", flowID, err)
	}
	if f == nil || !f.IsActive {
		slog.Debug("Executor.StartFlow: flow missing or inactive", "flowID", flowID)
		return "", nil
	}
	contact, err := e.repo.GetContact(contactID)
	if err != nil {
		return "", fmt.Errorf("get contact %s: %w", contactID, err)
	}
	if contact == nil {
		slog.Debug("Executor.StartFlow: contact not found", "contactID", contactID)
		return "", nil
	}
	start, ok := f.StartNode()
	if !ok {
		slog.Debug("Executor.StartFlow: flow has no start node", "flowID", flowID)
		return "", nil
	}

	n, err := e.repo.FailPausedExecutions(contactID, reasonSuperseded)
	if err != nil {
		return "", fmt.Errorf("supersede paused executions: %w", err)
	}
	if n > 0 {
		slog.Info("Executor.StartFlow: superseded paused executions", "contactID", contactID, "count", n)
	}

	exec := &models.FlowExecution{
		FlowID:        f.ID,
		ContactID:     contactID,
		CurrentNodeID: start.ID,
		Variables:     models.CopyVars(trigger),
		Status:        models.ExecutionRunning,
	}
	if err := e.repo.CreateExecution(exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	slog.Info("Executor.StartFlow: execution started", "executionID", exec.ID, "flowID", f.ID, "contactID", contactID)

	if err := e.ExecuteNode(ctx, exec.ID, start.ID); err != nil {
		return exec.ID, err
	}
	return exec.ID, nil
}

// TriggerEvent starts flowID for the contact owning phone, creating the contact
// when needed.
func (e *Executor) TriggerEvent(ctx context.Context, flowID, phone, sessionID string, vars map[string]any) (string, error) {
	p := PhoneFromAddress(phone)
	if p == "" {
		return "", models.ErrEmptyPhone
	}
	contact, err := e.repo.UpsertContact(p, "", "")
	if err != nil {
		return "", fmt.Errorf("upsert contact %s: %w", p, err)
	}
	trigger := models.CopyVars(vars)
	trigger[models.VarSessionID] = sessionID
	unlock := e.contacts.lock(contact.ID)
	defer unlock()
	return e.StartFlow(ctx, flowID, contact.ID, trigger)
}

// ResumeFlow continues a paused execution with the contact's reply. It reports
// false when the execution does not exist or its flow vanished, in which case
// the caller should evaluate triggers instead. Losing the claim to a
// concurrent resume reports true.
func (e *Executor) ResumeFlow(ctx context.Context, executionID, reply, sessionID string) (bool, error) {
	exec, err := e.repo.GetExecution(executionID)
	if err != nil {
		return false, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	if exec == nil {
		slog.Debug("Executor.ResumeFlow: execution not found", "executionID", executionID)
		return false, nil
	}
	won, err := e.repo.ClaimPausedExecution(executionID)
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", executionID, err)
	}
	if !won {
		slog.Debug("Executor.ResumeFlow: claim lost", "executionID", executionID)
		return true, nil
	}
	// Another resume may have moved the execution between the read and the claim.
	exec, err = e.repo.GetExecution(executionID)
	if err != nil {
		return true, fmt.Errorf("reload execution %s: %w", executionID, err)
	}
	if exec == nil {
		return false, nil
	}

	f, err := e.repo.GetFlow(exec.FlowID)
	if err != nil {
		return false, fmt.Errorf("get flow %s: %w", exec.FlowID, err)
	}
	if f == nil {
		slog.Warn("Executor.ResumeFlow: flow not found, failing orphaned execution", "executionID", executionID, "flowID", exec.FlowID)
		return false, e.FailExecution(ctx, executionID, reasonFlowNotFound)
	}

	exec.Status = models.ExecutionRunning
	exec.SetVar(models.VarMessage, reply)
	if sessionID != "" {
		exec.SetVar(models.VarSessionID, sessionID)
	}
	if err := e.repo.UpdateExecution(exec); err != nil {
		return true, fmt.Errorf("persist reply: %w", err)
	}

	next, ok := f.NextNodeID(exec.CurrentNodeID)
	if !ok {
		return true, e.CompleteExecution(ctx, executionID)
	}
	slog.Debug("Executor.ResumeFlow: resumed", "executionID", executionID, "from", exec.CurrentNodeID, "to", next)
	return true, e.ExecuteNode(ctx, executionID, next)
}

// CompleteExecution marks the execution completed. Terminal executions are left as is.
func (e *Executor) CompleteExecution(ctx context.Context, executionID string) error {
	ok, err := e.repo.CompleteExecution(executionID, e.now().UTC())
	if err != nil {
		return fmt.Errorf("complete execution %s: %w", executionID, err)
	}
	if ok {
		slog.Info("Executor.CompleteExecution: execution completed", "executionID", executionID)
	}
	return nil
}

// FailExecution marks the execution failed with reason.
func (e *Executor) FailExecution(ctx context.Context, executionID, reason string) error {
	ok, err := e.repo.FailExecution(executionID, reason)
	if err != nil {
		return fmt.Errorf("fail execution %s: %w", executionID, err)
	}
	if ok {
		slog.Error("Executor.FailExecution: execution failed", "executionID", executionID, "reason", reason)
	}
	return nil
}
