package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrMailerNotConfigured is recorded in emailError when no SMTP transport is set.
var ErrMailerNotConfigured = errors.New("email transport not configured")

// Email is one outbound message of an email node.
type Email struct {
	To      string
	Subject string
	Body    string
	HTML    bool
}

// Mailer delivers email and returns the Message-ID it was sent with.
type Mailer interface {
	Send(ctx context.Context, msg Email) (string, error)
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string        `toml:"host"`
	Port     int           `toml:"port"`
	Username string        `toml:"username"`
	Password string        `toml:"password"`
	From     string        `toml:"from"`
	Timeout  time.Duration `toml:"timeout"`
}

// Configured reports whether enough settings are present to send.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// SMTPMailer sends email through an SMTP relay using go-mail.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer validates cfg and returns a mailer.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if !cfg.Configured() {
		return nil, ErrMailerNotConfigured
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg}, nil
}

// Send delivers msg and returns its Message-ID.
func (m *SMTPMailer) Send(ctx context.Context, msg Email) (string, error) {
	out := mail.NewMsg()
	if err := out.From(m.cfg.From); err != nil {
		return "", fmt.Errorf("invalid from address: %w", err)
	}
	if err := out.To(msg.To); err != nil {
		return "", fmt.Errorf("invalid to address: %w", err)
	}
	out.Subject(msg.Subject)
	contentType := mail.TypeTextPlain
	if msg.HTML {
		contentType = mail.TypeTextHTML
	}
	out.SetBodyString(contentType, msg.Body)

	domain := "flowpipe.local"
	if i := strings.LastIndexByte(m.cfg.From, '@'); i >= 0 {
		domain = strings.TrimSuffix(m.cfg.From[i+1:], ">")
	}
	messageID := uuid.NewString() + "@" + domain
	out.SetMessageIDWithValue(messageID)

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(m.cfg.Timeout),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, out); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return messageID, nil
}

// runEmailNode sends the email and records emailMessageId or emailError.
// Failures never fail the execution.
func (e *Executor) runEmailNode(ctx context.Context, d models.EmailData, exec *models.FlowExecution, contact *models.Contact) {
	delete(exec.Variables, models.VarEmailMessageID)
	delete(exec.Variables, models.VarEmailError)

	if e.mailer == nil {
		slog.Warn("Executor.runEmailNode: no mailer configured", "executionID", exec.ID)
		exec.SetVar(models.VarEmailError, ErrMailerNotConfigured.Error())
		return
	}
	msg := Email{
		To:      strings.TrimSpace(Interpolate(d.To, contact, exec.Variables)),
		Subject: Interpolate(d.Subject, contact, exec.Variables),
		Body:    Interpolate(d.Body, contact, exec.Variables),
		HTML:    d.HTML,
	}
	if msg.To == "" {
		exec.SetVar(models.VarEmailError, "empty recipient")
		return
	}
	id, err := e.mailer.Send(ctx, msg)
	if err != nil {
		slog.Warn("Executor.runEmailNode: send failed", "executionID", exec.ID, "to", msg.To, "error", err)
		exec.SetVar(models.VarEmailError, err.Error())
		return
	}
	slog.Debug("Executor.runEmailNode: sent", "executionID", exec.ID, "to", msg.To, "messageID", id)
	exec.SetVar(models.VarEmailMessageID, id)
}
