// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"diffview/internal/logging"

	"go.uber.org/zap"
)

// FileName is the optional per-stack settings file inside the metadata
// directory.
const FileName = "config.json"

type Config struct {
	LogLevel string `json:"log_level"` // debug, info, warn, error

	Review struct {
		BaseURL string `json:"base_url"`
	} `json:"review"`

	Watch struct {
		DebounceMS int `json:"debounce_ms"`
	} `json:"watch"`
}

// Default returns the settings used when no config file exists.
func Default() Config {
	var c Config
	c.LogLevel = "warn"
	c.Review.BaseURL = "local://reviews"
	c.Watch.DebounceMS = 200
	return c
}

// Load reads settings from the stack's metadata directory, falling back to
// defaults when no file exists.
func Load(dotDir string) (Config, error) {
	c := Default()

	file, err := os.Open(filepath.Join(dotDir, FileName))
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("opening config: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&c); err != nil {
		return c, fmt.Errorf("parsing config: %w", err)
	}
	return c, nil
}

// DebounceInterval returns the configured watch debounce as a duration.
func (c Config) DebounceInterval() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// Logger builds a logger honoring the configured level.
func (c Config) Logger() (*zap.Logger, error) {
	l, err := logging.NewLogger(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return l.WithComponent("diffview"), nil
}
