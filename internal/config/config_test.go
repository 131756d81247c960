package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval.Duration())
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, float64(3), cfg.Anomaly.ZWarning)
	assert.Equal(t, float64(6), cfg.Anomaly.ZCritical)
	assert.Equal(t, 384, cfg.Index.VectorSize)
	assert.Equal(t, 10*time.Minute, cfg.Index.SweepInterval.Duration())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
scheduler:
  poll_interval: 10s
  batch_size: 25
source:
  base_url: http://mailgw.local
  token: sekret
anomaly:
  min_merchant_history: 3
store:
  driver: memory
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval.Duration())
	assert.Equal(t, 25, cfg.Scheduler.BatchSize)
	assert.Equal(t, "http://mailgw.local", cfg.Source.BaseURL)
	assert.Equal(t, "sekret", cfg.Source.Token.Value())
	assert.Equal(t, 3, cfg.Anomaly.MinMerchantHistory)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  batch_size: 25\n"), 0o600))

	t.Setenv("LUMEN_SCHEDULER_BATCH_SIZE", "5")
	t.Setenv("LUMEN_EXTRACTION_LLM_API_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, "env-key", cfg.Extraction.LLM.APIKey.Value())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad format", "logging:\n  format: xml\n"},
		{"bad driver", "store:\n  driver: mongo\n"},
		{"z ordering", "anomaly:\n  z_warning: 7\n  z_critical: 6\n"},
		{"short interval", "scheduler:\n  poll_interval: 10ms\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	out, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("nope")))
}
