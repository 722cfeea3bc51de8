package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 384, cfg.Dimensions)
	assert.Equal(t, 120*time.Second, cfg.WarmupTimeout)
	assert.Equal(t, 30*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 0.85, cfg.AutoConfirmThreshold)
	assert.Equal(t, 7, cfg.MessageRetentionDays)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, ".mnemo", filepath.Base(cfg.UserDir))
	assert.Equal(t, ".mnemo", filepath.Base(cfg.ProjectDir))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MNEMO_PROJECT_DIR", "/tmp/proj")
	t.Setenv("MNEMO_STALE_AFTER", "45m")
	t.Setenv("MNEMO_AUTO_CONFIRM", "0.9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/proj", cfg.ProjectDir)
	assert.Equal(t, 45*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 0.9, cfg.AutoConfirmThreshold)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("MNEMO_AUTO_CONFIRM", "1.5")
	_, err := Load()
	assert.Error(t, err)
}
