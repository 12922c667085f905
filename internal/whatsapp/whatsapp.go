// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in FlowPipe.
//
// Each Client is one logged-in WhatsApp account (a messaging session). It builds
// rich waE2E messages from models.MessagePayload values and exposes the
// underlying event stream to the messaging layer.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/flowpipe/whatsmeow.db"
	// DefaultSessionID names the session of a single-account deployment
	DefaultSessionID = "default"
	// DefaultMediaTimeout bounds downloading a media URL before upload
	DefaultMediaTimeout = 60 * time.Second
	// MaxMediaBytes caps the size of a media attachment fetched from a URL
	MaxMediaBytes = 64 << 20
)

var (
	ErrNotInitialized  = errors.New("whatsapp client not initialized")
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrUnsupportedType = errors.New("unsupported payload type")
)

// Sender is an interface for sending WhatsApp payloads (for production and testing).
type Sender interface {
	SendPayload(ctx context.Context, to string, payload models.MessagePayload) error
}

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
	SessionID   string
	LogLevel    string       // whatsmeow internal log level
	HTTPClient  *http.Client // used to fetch media URLs
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithSessionID names the messaging session this account serves.
func WithSessionID(id string) Option {
	return func(o *Opts) {
		o.SessionID = id
	}
}

// WithLogLevel sets the whatsmeow internal log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

// WithHTTPClient sets the client used to download media attachments.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client wraps the Whatsmeow client for one session.
type Client struct {
	sessionID string
	waClient  *whatsmeow.Client
	container *sqlstore.Container
	builder   *messageBuilder
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// It blocks through the QR login when the device has never been paired.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{SessionID: DefaultSessionID, LogLevel: "INFO"}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "session", cfg.SessionID, "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		if !hasForeignKeys(dbDSN) {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver, "session", cfg.SessionID)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database-"+cfg.SessionID, cfg.LogLevel, true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client-"+cfg.SessionID, cfg.LogLevel, true))
	waClient.EnableAutoReconnect = true

	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			container.Close()
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server", "session", cfg.SessionID)
		if err := waClient.Connect(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully", "session", cfg.SessionID)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultMediaTimeout}
	}
	return &Client{
		sessionID: cfg.SessionID,
		waClient:  waClient,
		container: container,
		builder: &messageBuilder{
			httpClient: httpClient,
			upload:     waClient.Upload,
			poll:       waClient.BuildPollCreation,
		},
	}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow", "session", cfg.SessionID)
	qrChan, _ := waClient.GetQRChannel(ctx)
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "session", cfg.SessionID, "event", evt.Event)
	}
	return nil
}

// SessionID returns the messaging session this client serves.
func (c *Client) SessionID() string {
	return c.sessionID
}

// SendPayload sends a WhatsApp message of any supported payload type to the recipient.
func (c *Client) SendPayload(ctx context.Context, to string, payload models.MessagePayload) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotInitialized
	}
	if to == "" {
		return ErrEmptyRecipient
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}

	msg, err := c.builder.build(ctx, payload)
	if err != nil {
		return fmt.Errorf("build %s message for %s: %w", payload.PayloadType(), to, err)
	}

	slog.Debug("Sending WhatsApp message", "session", c.sessionID, "to", jid.String(), "type", payload.PayloadType())
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "session", c.sessionID, "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// SetTyping shows or clears the composing indicator in the recipient's chat.
func (c *Client) SetTyping(ctx context.Context, to string, typing bool) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotInitialized
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	if err := c.waClient.SendChatPresence(jid, state, types.ChatPresenceMediaText); err != nil {
		return fmt.Errorf("chat presence to %s: %w", to, err)
	}
	return nil
}

// AddEventHandler subscribes to the underlying whatsmeow event stream.
func (c *Client) AddEventHandler(handler func(evt any)) {
	if c.waClient == nil {
		return
	}
	c.waClient.AddEventHandler(func(evt interface{}) { handler(evt) })
}

// IsConnected reports whether the websocket is up and the device logged in.
func (c *Client) IsConnected() bool {
	return c.waClient != nil && c.waClient.IsConnected() && c.waClient.IsLoggedIn()
}

// Disconnect closes the websocket and the device store.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
	if c.container != nil {
		if err := c.container.Close(); err != nil {
			slog.Warn("WhatsApp device store close failed", "session", c.sessionID, "error", err)
		}
	}
}

// GetClient returns the underlying whatsmeow client for event handling
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

