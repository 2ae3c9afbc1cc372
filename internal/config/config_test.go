package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "warn", c.LogLevel)
	assert.Equal(t, "local://reviews", c.Review.BaseURL)
	assert.Equal(t, 200, c.Watch.DebounceMS)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `{"log_level": "debug", "review": {"base_url": "https://reviews.example.com"}, "watch": {"debounce_ms": 50}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(data), 0644))

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "https://reviews.example.com", c.Review.BaseURL)
	assert.Equal(t, 50*time.Millisecond, c.DebounceInterval())
}

func TestLoad_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLogger_InvalidLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "shouting"
	_, err := c.Logger()
	assert.Error(t, err)

	c.LogLevel = "info"
	logger, err := c.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}
