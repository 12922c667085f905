package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/flow"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowpipe.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, flow.DefaultMaxStepsPerTurn, cfg.Engine.MaxStepsPerTurn)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[engine]
max_steps_per_turn = 25
http_timeout = "10s"

[campaign]
min_typing_delay = "500ms"
max_typing_delay = "3s"
batch_size = 20
rate_per_second = 0.5

[sender]
quota_per_minute = 3

[smtp]
host = "smtp.example.com"
from = "bot@example.com"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Engine.MaxStepsPerTurn)
	assert.Equal(t, 10*time.Second, cfg.Engine.HTTPTimeout)
	assert.Equal(t, flow.DefaultStaleDelayGrace, cfg.Engine.StaleDelayGrace)
	assert.Equal(t, 500*time.Millisecond, cfg.Campaign.MinTypingDelay)
	assert.Equal(t, 20, cfg.Campaign.BatchSize)
	assert.Equal(t, 0.5, cfg.Campaign.RatePerSecond)
	assert.Equal(t, 3, cfg.Sender.PerMinute)
	assert.Equal(t, 200, cfg.Sender.PerHour)
	assert.True(t, cfg.SMTP.Configured())
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "[engine\n"},
		{"unknown key", "[engine]\nmax_hops = 3\n"},
		{"typing bounds", "[campaign]\nmin_typing_delay = \"9s\"\nmax_typing_delay = \"1s\"\n"},
		{"negative steps", "[engine]\nmax_steps_per_turn = -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
