// Package config loads the optional gateway configuration file. All
// fields have working defaults so the gateway runs without one.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulingMode controls how aggressively the selector waits for a
// cooled account versus rotating to the next one.
type SchedulingMode string

const (
	SchedulingCacheFirst       SchedulingMode = "cache_first"
	SchedulingBalance          SchedulingMode = "balance"
	SchedulingPerformanceFirst SchedulingMode = "performance_first"
)

// Config is the gateway configuration.
type Config struct {
	Scheduling SchedulingConfig `yaml:"scheduling"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Endpoints  EndpointConfig   `yaml:"endpoints"`
}

type SchedulingConfig struct {
	Mode SchedulingMode `yaml:"mode"`
	// MaxWaitSeconds bounds how long cache_first mode will sit on a
	// cooled sticky account before rotating.
	MaxWaitSeconds int `yaml:"max_wait_seconds"`
}

type OAuthConfig struct {
	CallbackPort int           `yaml:"callback_port"`
	CallbackWait time.Duration `yaml:"callback_wait"`
}

type EndpointConfig struct {
	// Antigravity endpoints are tried in order on 5xx responses.
	Antigravity []string `yaml:"antigravity"`
	QwenBaseURL string   `yaml:"qwen_base_url"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Scheduling: SchedulingConfig{
			Mode:           SchedulingBalance,
			MaxWaitSeconds: 30,
		},
		OAuth: OAuthConfig{
			CallbackPort: 51121,
			CallbackWait: 5 * time.Minute,
		},
		Endpoints: EndpointConfig{
			Antigravity: []string{
				"https://daily-cloudcode-pa.sandbox.googleapis.com",
				"https://cloudcode-pa.googleapis.com",
			},
			QwenBaseURL: "https://portal.qwen.ai/v1",
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults. A
// missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Scheduling.Mode == "" {
		c.Scheduling.Mode = def.Scheduling.Mode
	}
	if c.Scheduling.MaxWaitSeconds <= 0 {
		c.Scheduling.MaxWaitSeconds = def.Scheduling.MaxWaitSeconds
	}
	if c.OAuth.CallbackPort <= 0 {
		c.OAuth.CallbackPort = def.OAuth.CallbackPort
	}
	if c.OAuth.CallbackWait <= 0 {
		c.OAuth.CallbackWait = def.OAuth.CallbackWait
	}
	if len(c.Endpoints.Antigravity) == 0 {
		c.Endpoints.Antigravity = def.Endpoints.Antigravity
	}
	if c.Endpoints.QwenBaseURL == "" {
		c.Endpoints.QwenBaseURL = def.Endpoints.QwenBaseURL
	}
}
