package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "v1", cfg.PolicyVersion)
	assert.Equal(t, time.Hour, cfg.ApprovalTTL())
	assert.Equal(t, 5*time.Minute, cfg.EscalationInitial())
	assert.Equal(t, time.Hour, cfg.EscalationMax())
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
	assert.Equal(t, "python:3.12-slim", cfg.BlastBox.Image)
	assert.Equal(t, "none", cfg.BlastBox.NetworkMode)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gavel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
policy_version: v2
blastbox:
  image: alpine:3.20
  memory_limit: 128m
`), 0o600))

	t.Setenv("GAVEL_CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("BLASTBOX_CPU_LIMIT", "0.5")

	cfg, err := Load()
	require.NoError(t, err)
	// File applies over defaults, env over file.
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "v2", cfg.PolicyVersion)
	assert.Equal(t, "alpine:3.20", cfg.BlastBox.Image)
	assert.Equal(t, "128m", cfg.BlastBox.MemoryLimit)
	assert.Equal(t, 0.5, cfg.BlastBox.CPULimit)
}

func TestValidateRejectsInvertedWindows(t *testing.T) {
	t.Setenv("ESCALATION_INITIAL_TIMEOUT_SECONDS", "600")
	t.Setenv("ESCALATION_MAX_TIMEOUT_SECONDS", "300")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard deadline")
}

func TestValidateRejectsZeroTTL(t *testing.T) {
	t.Setenv("APPROVAL_TTL_SECONDS", "0")
	_, err := Load()
	assert.Error(t, err)
}
