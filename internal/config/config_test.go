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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing-on-purpose.yaml"))
	require.Error(t, err, "explicit config file must exist")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Server.Addr)
	assert.Equal(t, 15, cfg.Agent.MaxIterations)
	assert.Equal(t, 100, cfg.Agent.ChildMaxIterations)
	assert.Equal(t, time.Minute, cfg.Agent.ApprovalTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Agent.SessionIdleTTL)
	assert.Equal(t, int64(256*1024), cfg.Webhook.MaxBodyBytes)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.ReplayWindow)
	assert.Equal(t, 100, cfg.Webhook.HourlyLimit)
	assert.InDelta(t, 3.0, cfg.LLM.InputPricePerMTok, 1e-9)
	assert.InDelta(t, 15.0, cfg.LLM.OutputPricePerMTok, 1e-9)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyno.yaml")
	body := `
server:
  addr: ":9090"
agent:
  max_iterations: 25
  approval_timeout: 90s
  permission_overrides:
    write_file: manual
    fetch_url: auto
webhook:
  hourly_limit: 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	assert.Equal(t, 90*time.Second, cfg.Agent.ApprovalTimeout)
	assert.Equal(t, 10, cfg.Webhook.HourlyLimit)
	assert.Equal(t, "manual", cfg.Agent.PermissionOverrides["write_file"])
	assert.Equal(t, "auto", cfg.Agent.PermissionOverrides["fetch_url"])
	// untouched sections keep defaults
	assert.Equal(t, 100, cfg.Agent.ChildMaxIterations)
}

func TestLoadRejectsBadOverrideMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyno.yaml")
	body := `
agent:
  permission_overrides:
    write_file: sometimes
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission_overrides")
}

func TestLoadRejectsNonPositiveBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dyno.yaml")
	body := `
agent:
  max_iterations: 0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}
