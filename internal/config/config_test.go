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
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 60, cfg.Poll.MaxAttempts)
	assert.False(t, cfg.Poll.StrictTransport)
	assert.Equal(t, 20, cfg.Studio.LogCapacity)
	assert.Equal(t, "ffmpeg", cfg.Editor.FFmpegPath)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte("api:\n  base_url: http://file.local\npoll:\n  max_attempts: 10\n"), 0o644))
	t.Setenv("LORAFRAME_API_BASE_URL", "http://env.local:9000")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "http://env.local:9000", cfg.API.BaseURL)
	assert.Equal(t, 10, cfg.Poll.MaxAttempts)
}

func TestLoadRejectsBadBaseURL(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LORAFRAME_API_BASE_URL", "not a url")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}
