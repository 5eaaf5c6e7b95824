package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the fully processed application configuration.
type Config struct {
	Name string
	// MaxFragmentBytes caps the size of a single uploaded fragment.
	MaxFragmentBytes int64
	// MaxFragmentsPerSession caps how many fragments one session may hold.
	MaxFragmentsPerSession int
	// AppendWatchdog bounds how long a single sink append may stay in
	// flight before the fragment is dropped and pumping continues.
	AppendWatchdog time.Duration
	// SessionIdleTimeout is how long an untouched session survives before
	// the reaper tears it down.
	SessionIdleTimeout time.Duration
	// FallbackMIME is used when no codec descriptor can be extracted from
	// the init segment.
	FallbackMIME string
}

// rawConfig maps directly onto the JSON file; durations arrive as strings
// ("4500ms", "10m") and are parsed into the final Config.
type rawConfig struct {
	Name                   string `json:"Name"`
	MaxFragmentBytes       int64  `json:"MaxFragmentBytes"`
	MaxFragmentsPerSession int    `json:"MaxFragmentsPerSession"`
	AppendWatchdog         string `json:"AppendWatchdog"`
	SessionIdleTimeout     string `json:"SessionIdleTimeout"`
	FallbackMIME           string `json:"FallbackMIME"`
}

// Defaults returns the configuration used when no file is supplied.
func Defaults() *Config {
	return &Config{
		Name:                   "fragstream",
		MaxFragmentBytes:       64 << 20,
		MaxFragmentsPerSession: 256,
		AppendWatchdog:         4500 * time.Millisecond,
		SessionIdleTimeout:     15 * time.Minute,
		FallbackMIME:           `video/mp4; codecs="avc1.42e01e,mp4a.40.2"`,
	}
}

// Load reads and parses the configuration file from the given path. Fields
// absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	cfg := Defaults()
	if raw.Name != "" {
		cfg.Name = raw.Name
	}
	if raw.MaxFragmentBytes > 0 {
		cfg.MaxFragmentBytes = raw.MaxFragmentBytes
	}
	if raw.MaxFragmentsPerSession > 0 {
		cfg.MaxFragmentsPerSession = raw.MaxFragmentsPerSession
	}
	if raw.FallbackMIME != "" {
		cfg.FallbackMIME = raw.FallbackMIME
	}
	if raw.AppendWatchdog != "" {
		d, err := time.ParseDuration(raw.AppendWatchdog)
		if err != nil {
			return nil, fmt.Errorf("invalid AppendWatchdog %q: %w", raw.AppendWatchdog, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("AppendWatchdog must be positive, got %q", raw.AppendWatchdog)
		}
		cfg.AppendWatchdog = d
	}
	if raw.SessionIdleTimeout != "" {
		d, err := time.ParseDuration(raw.SessionIdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SessionIdleTimeout %q: %w", raw.SessionIdleTimeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("SessionIdleTimeout must be positive, got %q", raw.SessionIdleTimeout)
		}
		cfg.SessionIdleTimeout = d
	}

	return cfg, nil
}
