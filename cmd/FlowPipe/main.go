package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/config"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/sender"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultAppDBFileName is the default SQLite database filename for flows and executions
	DefaultAppDBFileName = "flowpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for whatsmeow device state
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultConfigFileName is the optional TOML tuning file looked up in the state directory
	DefaultConfigFileName = "flowpipe.toml"
	// MemoryDSN selects the in-memory store with in-process delay timers
	MemoryDSN = "memory"
	// TwilioSessionID names the session served by the Twilio client
	TwilioSessionID = "twilio"
	// StaleJobSweepSchedule requeues jobs abandoned by a crashed worker
	StaleJobSweepSchedule = "*/10 * * * *"
	// DedupPruneSchedule forgets inbound message ids past store.DefaultDedupRetention
	DedupPruneSchedule = "17 * * * *"
)

func main() {
	// Load environment configuration
	env := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], env)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	applyEnvironmentOverrides(&cfg, env, flags)
	slog.SetDefault(slog.New(newLogHandler(os.Stdout, cfg.Log)))

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping FlowPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "app_dsn_set", *flags.appDBDSN != "", "api_addr", *flags.apiAddr, "whatsapp", env.WhatsAppEnabled, "twilio", env.twilioConfigured())
	if err := run(ctx, env, flags, cfg); err != nil {
		slog.Error("FlowPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir          string
	WhatsAppDBDSN     string
	ApplicationDBDSN  string
	ConfigPath        string
	APIAddr           string
	OpenAIKey         string
	LogLevel          string
	LogFormat         string
	WhatsAppEnabled   bool
	WhatsAppSessionID string
	WhatsAppInteract  bool
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioWebhookURL  string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	SMTPFrom          string
}

func (c Config) twilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	configPath    *string
	openaiKey     *string
	apiAddr       *string
	logLevel      *string
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("FLOWPIPE_STATE_DIR"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:  os.Getenv("DATABASE_DSN"),
		ConfigPath:        os.Getenv("FLOWPIPE_CONFIG"),
		APIAddr:           os.Getenv("API_ADDR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
		WhatsAppEnabled:   util.ParseBoolEnv("WHATSAPP_ENABLED", true),
		WhatsAppSessionID: os.Getenv("WHATSAPP_SESSION_ID"),
		WhatsAppInteract:  util.ParseBoolEnv("WHATSAPP_INTERACTIVE", false),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		SMTPHost:          os.Getenv("SMTP_HOST"),
		SMTPPort:          util.ParseIntEnv("SMTP_PORT", 0),
		SMTPUsername:      os.Getenv("SMTP_USERNAME"),
		SMTPPassword:      os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:          os.Getenv("SMTP_FROM"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.WhatsAppSessionID == "" {
		config.WhatsAppSessionID = whatsapp.DefaultSessionID
	}

	// DATABASE_DSN wins over the legacy DATABASE_URL
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.ConfigPath == "" {
		config.ConfigPath = filepath.Join(config.StateDir, DefaultConfigFileName)
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_SET", config.twilioConfigured(),
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses args with environment defaults. DSNs and the
// config path left at their state-dir defaults follow a --state-dir override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		whatsappDBDSN: fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow database DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      fs.String("app-db-dsn", config.ApplicationDBDSN, "application database DSN, or \"memory\" (overrides $DATABASE_DSN and $DATABASE_URL)"),
		configPath:    fs.String("config", config.ConfigPath, "TOML tuning file (overrides $FLOWPIPE_CONFIG)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.configPath == filepath.Join(config.StateDir, DefaultConfigFileName) {
			*flags.configPath = filepath.Join(*flags.stateDir, DefaultConfigFileName)
		}
		slog.Debug("Updated defaults based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}
	return flags, nil
}

// applyEnvironmentOverrides lets env and flags win over the TOML file for secrets and logging.
func applyEnvironmentOverrides(cfg *config.Config, env Config, flags Flags) {
	if *flags.logLevel != "" {
		cfg.Log.Level = *flags.logLevel
	}
	if env.LogFormat != "" {
		cfg.Log.Format = env.LogFormat
	}
	if env.SMTPHost != "" {
		cfg.SMTP.Host = env.SMTPHost
	}
	if env.SMTPPort > 0 {
		cfg.SMTP.Port = env.SMTPPort
	}
	if env.SMTPUsername != "" {
		cfg.SMTP.Username = env.SMTPUsername
	}
	if env.SMTPPassword != "" {
		cfg.SMTP.Password = env.SMTPPassword
	}
	if env.SMTPFrom != "" {
		cfg.SMTP.From = env.SMTPFrom
	}
}

// parseLogLevel maps a level name to slog; unknown names mean info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogHandler(w io.Writer, cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based DSN
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if dsn := *flags.appDBDSN; dsn != MemoryDSN && store.DetectDSNType(dsn) != "postgres" {
		dirs = append(dirs, filepath.Dir(dsn))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags, env Config, logLevel string) []whatsapp.Option {
	waOpts := []whatsapp.Option{
		whatsapp.WithSessionID(env.WhatsAppSessionID),
		whatsapp.WithLogLevel(parseLogLevel(logLevel).String()),
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, cfg config.GenAIConfig) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if cfg.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Temperature > 0 {
		genaiOpts = append(genaiOpts, genai.WithTemperature(cfg.Temperature))
	}
	return genaiOpts
}

// buildExecutorOptions constructs flow engine options from the tuning file
func buildExecutorOptions(cfg config.Config, channel messaging.Channel, delays flow.DelayQueue) ([]flow.Option, error) {
	opts := []flow.Option{
		flow.WithChannel(channel),
		flow.WithDelayQueue(delays),
		flow.WithMaxStepsPerTurn(cfg.Engine.MaxStepsPerTurn),
		flow.WithHTTPTimeout(cfg.Engine.HTTPTimeout),
		flow.WithStaleDelayGrace(cfg.Engine.StaleDelayGrace),
	}
	if cfg.SMTP.Configured() {
		mailer, err := flow.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		opts = append(opts, flow.WithMailer(mailer))
	} else {
		slog.Debug("SMTP not configured, email nodes will fail")
	}
	return opts, nil
}

// openStore opens the application store. MemoryDSN keeps state in process.
func openStore(dsn string) (store.Store, error) {
	if dsn == MemoryDSN {
		slog.Warn("Using in-memory store; state is lost on exit")
		return store.NewInMemoryStore(), nil
	}
	return store.Open(dsn)
}

// buildSessions connects the configured messaging accounts.
func buildSessions(ctx context.Context, env Config, flags Flags, logLevel string) ([]messaging.Session, []api.Option, error) {
	var sessions []messaging.Session
	var apiOpts []api.Option
	if env.WhatsAppEnabled {
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags, env, logLevel)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp: %w", err)
		}
		var opts []messaging.WhatsAppOption
		if env.WhatsAppInteract {
			opts = append(opts, messaging.WithInteractive())
		}
		sessions = append(sessions, messaging.NewWhatsAppSession(env.WhatsAppSessionID, client, opts...))
	}
	if env.twilioConfigured() {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(env.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(env.TwilioAuthToken),
			twiliowhatsapp.WithFromWhats(env.TwilioFromNumber),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio: %w", err)
		}
		var opts []messaging.TwilioOption
		if env.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(env.TwilioWebhookURL))
		}
		session := messaging.NewTwilioSession(TwilioSessionID, client, opts...)
		sessions = append(sessions, session)
		apiOpts = append(apiOpts, api.WithWebhook("POST /twilio/"+TwilioSessionID, session.WebhookHandler))
	}
	if len(sessions) == 0 {
		return nil, nil, errors.New("no messaging session configured: enable WhatsApp or set the TWILIO_* variables")
	}
	return sessions, apiOpts, nil
}

// run wires every component and blocks until ctx is cancelled.
func run(parent context.Context, env Config, flags Flags, cfg config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	lock, err := lockfile.AcquireLock(*flags.stateDir,
		lockfile.WithInfo("api_addr", *flags.apiAddr),
		lockfile.WithInfo("store", store.DetectDSNType(*flags.appDBDSN)))
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.appDBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessions, apiOpts, err := buildSessions(ctx, env, flags, cfg.Log.Level)
	if err != nil {
		return err
	}
	registry := messaging.NewSessionRegistry(messaging.WithDefaultSession(sessions[0].ID()))
	for _, s := range sessions {
		registry.Register(s)
	}
	defer registry.StopAll()

	runner := store.NewJobRunner(st, cfg.Jobs.PollInterval, store.WithConcurrency(cfg.Jobs.Concurrency))
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}

	var delays flow.DelayQueue = flow.NewJobQueue(st)
	var timers *flow.TimerQueue
	if *flags.appDBDSN == MemoryDSN {
		timers = flow.NewTimerQueue()
		defer timers.Stop()
		delays = timers
		apiOpts = append(apiOpts, api.WithTimerQueue(timers))
	}
	execOpts, err := buildExecutorOptions(cfg, registry, delays)
	if err != nil {
		return err
	}
	exec := flow.NewExecutor(st, execOpts...)
	if timers != nil {
		flow.RegisterJobHandlers(timers, exec)
	} else {
		flow.RegisterJobHandlers(runner, exec)
	}

	pool := sender.NewPool(st, sender.WithDefaultQuotas(cfg.Sender))
	workerOpts := []campaign.WorkerOption{campaign.WithPacing(cfg.Campaign)}
	if *flags.openaiKey != "" {
		gen, err := genai.NewClient(buildGenAIOptions(flags, cfg.GenAI)...)
		if err != nil {
			return fmt.Errorf("genai: %w", err)
		}
		workerOpts = append(workerOpts, campaign.WithRewriter(gen))
	}
	campaign.NewWorker(st, pool, registry, workerOpts...).Register(runner)

	router := messaging.NewInboundRouter(exec, messaging.WithDedup(st))
	for _, s := range sessions {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start session %s: %w", s.ID(), err)
		}
		router.Attach(ctx, s)
	}
	defer func() {
		cancel()
		router.Wait()
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddSweep(cfg.Engine.SweepSchedule, "stale-delays", func(ctx context.Context) (int, error) {
		return exec.SweepStaleDelays(ctx, 0)
	}); err != nil {
		return fmt.Errorf("schedule stale delay sweep: %w", err)
	}
	if err := sched.AddSweep(StaleJobSweepSchedule, "stale-jobs", func(ctx context.Context) (int, error) {
		return 0, runner.RecoverStaleJobs()
	}); err != nil {
		return fmt.Errorf("schedule stale job sweep: %w", err)
	}
	if err := sched.AddSweep(DedupPruneSchedule, "dedup-prune", func(ctx context.Context) (int, error) {
		return st.PruneInbound(time.Now().Add(-store.DefaultDedupRetention))
	}); err != nil {
		return fmt.Errorf("schedule dedup prune: %w", err)
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runnerDone
	}()

	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	apiOpts = append(apiOpts, api.WithInboundRouter(router), api.WithSessionIDs(registry.IDs))
	server := api.NewServer(st, exec, pool, campaign.NewService(st), apiOpts...)
	return server.Run(ctx)
}
