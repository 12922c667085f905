// Package config loads the optional TOML tuning file of FlowPipe.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/scheduler"
	"github.com/BTreeMap/FlowPipe/internal/sender"
)

// Defaults used when a field is missing in TOML.
const (
	DefaultJobPollInterval = time.Second
	DefaultJobConcurrency  = 4
)

// Config is the root tuning configuration.
type Config struct {
	Log      LogConfig       `toml:"log"`
	Engine   EngineConfig    `toml:"engine"`
	Jobs     JobsConfig      `toml:"jobs"`
	Campaign campaign.Pacing `toml:"campaign"`
	Sender   sender.Quotas   `toml:"sender"`
	SMTP     flow.SMTPConfig `toml:"smtp"`
	GenAI    GenAIConfig     `toml:"genai"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// EngineConfig tunes the flow executor.
type EngineConfig struct {
	MaxStepsPerTurn int           `toml:"max_steps_per_turn"`
	HTTPTimeout     time.Duration `toml:"http_timeout"`
	StaleDelayGrace time.Duration `toml:"stale_delay_grace"`
	SweepSchedule   string        `toml:"sweep_schedule"`
}

// JobsConfig tunes the durable job runner.
type JobsConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	Concurrency  int           `toml:"concurrency"`
}

// GenAIConfig selects the model used to vary campaign messages.
type GenAIConfig struct {
	Model       string  `toml:"model"`
	BaseURL     string  `toml:"base_url"`
	Temperature float64 `toml:"temperature"`
}

// Default returns the configuration used without a file.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			MaxStepsPerTurn: flow.DefaultMaxStepsPerTurn,
			HTTPTimeout:     flow.DefaultHTTPTimeout,
			StaleDelayGrace: flow.DefaultStaleDelayGrace,
			SweepSchedule:   scheduler.DefaultSweepSchedule,
		},
		Jobs: JobsConfig{
			PollInterval: DefaultJobPollInterval,
			Concurrency:  DefaultJobConcurrency,
		},
		Campaign: campaign.DefaultPacing(),
		Sender: sender.Quotas{
			PerMinute: sender.DefaultQuotaPerMinute,
			PerHour:   sender.DefaultQuotaPerHour,
			PerDay:    sender.DefaultQuotaPerDay,
		},
		SMTP:  flow.SMTPConfig{Port: 587},
		GenAI: GenAIConfig{Temperature: 0.7},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	if c.Engine.MaxStepsPerTurn < 0 {
		return fmt.Errorf("engine.max_steps_per_turn must not be negative")
	}
	if c.Jobs.Concurrency < 0 {
		return fmt.Errorf("jobs.concurrency must not be negative")
	}
	if c.Campaign.MaxTypingDelay > 0 && c.Campaign.MinTypingDelay > c.Campaign.MaxTypingDelay {
		return fmt.Errorf("campaign.min_typing_delay exceeds campaign.max_typing_delay")
	}
	if c.Campaign.BatchSize < 0 || c.Campaign.Burst < 0 || c.Campaign.RatePerSecond < 0 {
		return fmt.Errorf("campaign batch size, burst and rate must not be negative")
	}
	return nil
}
