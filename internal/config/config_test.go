package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpataki/neuron/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("NEURON_DATA_DIR", t.TempDir())
	path := writeConfig(t, `
wallet: "0xabc"
token: "me@example.com"
agent:
  type: generic
  command: cat
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Source)
	assert.Equal(t, models.AgentGeneric, cfg.Agent.Type)
	assert.Equal(t, 1, cfg.Settings.MaxConcurrent)
	assert.Equal(t, 5, cfg.Settings.SubmitAttempts)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, time.Minute, cfg.MaxPollBackoff())
	assert.Equal(t, 300*time.Second, cfg.DefaultTimeout())
	assert.Equal(t, []string{"cygpath"}, cfg.Settings.NoiseMarkers)
	assert.Equal(t, filepath.Join(cfg.DataDir, "neuron.db"), cfg.Settings.JournalPath)
	assert.NoError(t, cfg.Validate())
}

func TestLoadReadsSettings(t *testing.T) {
	t.Setenv("NEURON_DATA_DIR", t.TempDir())
	path := writeConfig(t, `
wallet: "0xabc"
token: "me@example.com"
skills: [go, review]
agent:
  type: claude
  command: claude
  args: "--max-turns 3"
  model: sonnet
  timeout: 120
settings:
  server_url: http://queue.internal:3000
  max_concurrent: 4
  poll_interval: 2000
  max_poll_backoff: 30000
  stats_interval: 0
  allow_dangerous: true
  submit_metadata: true
  journal_path: ""
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"go", "review"}, cfg.Skills)
	assert.Equal(t, "--max-turns 3", cfg.Agent.Args)
	assert.Equal(t, "sonnet", cfg.Agent.Model)
	assert.Equal(t, 120, cfg.Agent.TimeoutSeconds)
	assert.Equal(t, "http://queue.internal:3000", cfg.Settings.ServerURL)
	assert.Equal(t, 4, cfg.Settings.MaxConcurrent)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.MaxPollBackoff())
	assert.Equal(t, time.Duration(0), cfg.StatsInterval())
	assert.True(t, cfg.Settings.AllowDangerous)
	assert.True(t, cfg.Settings.SubmitMetadata)
	assert.Empty(t, cfg.Settings.JournalPath)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("NEURON_DATA_DIR", t.TempDir())
	t.Setenv("NEURON_TOKEN", "env@example.com")
	t.Setenv("NEURON_SETTINGS_SERVER_URL", "http://env:9999")
	path := writeConfig(t, `
wallet: "0xabc"
token: "file@example.com"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.Token)
	assert.Equal(t, "http://env:9999", cfg.Settings.ServerURL)
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NEURON_DATA_DIR", dir)
	t.Chdir(dir)

	_, err := Load("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateReportsDefects(t *testing.T) {
	cfg := &Config{
		Agent:    models.AgentProfile{Type: "copilot"},
		Settings: Settings{ServerURL: "http://x", PollInterval: 1000},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet is required")
	assert.Contains(t, err.Error(), "token is required")
	assert.Contains(t, err.Error(), "agent.command is required")
	assert.Contains(t, err.Error(), `agent.type "copilot"`)
	assert.Contains(t, err.Error(), "max_concurrent")
	assert.Contains(t, err.Error(), "submit_attempts")
}

func TestValidateScriptAgentNeedsScript(t *testing.T) {
	cfg := Example()
	cfg.Agent.Type = models.AgentScript
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.script")
}

func TestExampleRoundTripsThroughLoad(t *testing.T) {
	t.Setenv("NEURON_DATA_DIR", t.TempDir())
	data, err := Example().Marshal()
	require.NoError(t, err)

	path := writeConfig(t, string(data))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "--max-turns 10", cfg.Agent.Args)
}
