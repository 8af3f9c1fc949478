package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, SchedulingBalance, cfg.Scheduling.Mode)
	assert.Equal(t, 51121, cfg.OAuth.CallbackPort)
	assert.Equal(t, 5*time.Minute, cfg.OAuth.CallbackWait)
	assert.Len(t, cfg.Endpoints.Antigravity, 2)
	assert.Equal(t, "https://portal.qwen.ai/v1", cfg.Endpoints.QwenBaseURL)
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
scheduling:
  mode: cache_first
  max_wait_seconds: 90
endpoints:
  antigravity:
    - https://cloudcode-pa.googleapis.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, SchedulingCacheFirst, cfg.Scheduling.Mode)
	assert.Equal(t, 90, cfg.Scheduling.MaxWaitSeconds)
	assert.Equal(t, []string{"https://cloudcode-pa.googleapis.com"}, cfg.Endpoints.Antigravity)
	// Untouched sections keep defaults.
	assert.Equal(t, 51121, cfg.OAuth.CallbackPort)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduling: ["), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
