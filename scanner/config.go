package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/a11yscan/connectivity"
	"github.com/hazyhaar/a11yscan/scanner/internal/browser"
	"github.com/hazyhaar/a11yscan/scanner/internal/engine"
	"github.com/hazyhaar/a11yscan/shield"
)

// BrowserConfig controls the Chrome instance.
type BrowserConfig = browser.Config

// Config is the top-level scanner configuration.
type Config struct {
	// Listen is the HTTP address used by "serve".
	Listen string `yaml:"listen"`

	Browser BrowserConfig `yaml:"browser"`
	Engine  EngineConfig  `yaml:"engine"`

	// Scan holds the defaults merged into every request.
	Scan ScanConfig `yaml:"scan"`

	// PolicyFile lists the default tags. Missing or invalid means builtin.
	PolicyFile string `yaml:"policy_file"`

	// AllowPrivate lets scans and remote routes target loopback and
	// private-network addresses.
	AllowPrivate bool `yaml:"allow_private"`

	// Routes point services at remote scanner instances.
	Routes     []connectivity.Route `yaml:"routes"`
	RoutesFile string               `yaml:"routes_file"`
	RoutesPoll time.Duration        `yaml:"routes_poll"`

	// RateLimits are keyed "METHOD /path", e.g. "POST /api/scans".
	RateLimits map[string]shield.RateLimitConfig `yaml:"rate_limits"`

	// MaxBody caps request bodies on the HTTP API.
	MaxBody int64 `yaml:"max_body"`
}

// EngineConfig controls how the rule engine is loaded and awaited.
type EngineConfig struct {
	// Script is a path to the engine bundle (axe.min.js), injected into
	// pages that do not already load it.
	Script string `yaml:"script"`

	// Completion is "await" (default) or "poll".
	Completion   string        `yaml:"completion"`
	PollAttempts int           `yaml:"poll_attempts"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ScanConfig is one scan's configuration. Fields left zero in a request
// take the configured defaults.
type ScanConfig struct {
	// Tags select rules by tag; empty means the policy tags.
	Tags []string `yaml:"tags" json:"tags,omitempty"`
	// Impacts, when non-empty, keeps only results of these impact levels.
	Impacts []string `yaml:"impacts" json:"impacts,omitempty"`
	// Rules are per-rule overrides: a boolean or an axe rule options object.
	Rules map[string]json.RawMessage `yaml:"-" json:"rules,omitempty"`
	// QuietMs is the DOM quiet window; MaxWaitMs bounds the wait for it.
	QuietMs   int `yaml:"quiet_ms" json:"quiet_ms,omitempty"`
	MaxWaitMs int `yaml:"max_wait_ms" json:"max_wait_ms,omitempty"`
	// Iframes includes frame content.
	Iframes *bool `yaml:"iframes" json:"iframes,omitempty"`
}

// Quiet returns the quiet window.
func (c ScanConfig) Quiet() time.Duration {
	return time.Duration(c.QuietMs) * time.Millisecond
}

// MaxWait returns the settle bound.
func (c ScanConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// IncludeIframes reports the effective iframe flag.
func (c ScanConfig) IncludeIframes() bool {
	return c.Iframes != nil && *c.Iframes
}

// merge fills zero fields of c from def.
func (c ScanConfig) merge(def ScanConfig) ScanConfig {
	if len(c.Tags) == 0 {
		c.Tags = def.Tags
	}
	if len(c.Impacts) == 0 {
		c.Impacts = def.Impacts
	}
	if len(c.Rules) == 0 {
		c.Rules = def.Rules
	}
	if c.QuietMs <= 0 {
		c.QuietMs = def.QuietMs
	}
	if c.MaxWaitMs <= 0 {
		c.MaxWaitMs = def.MaxWaitMs
	}
	if c.Iframes == nil {
		c.Iframes = def.Iframes
	}
	return c
}

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8420"
	}
	if c.Engine.Completion == "" {
		c.Engine.Completion = engine.CompletionAwait
	}
	if c.Engine.PollAttempts <= 0 {
		c.Engine.PollAttempts = 60
	}
	if c.Engine.PollInterval <= 0 {
		c.Engine.PollInterval = 500 * time.Millisecond
	}
	if c.Scan.QuietMs <= 0 {
		c.Scan.QuietMs = 500
	}
	if c.Scan.MaxWaitMs <= 0 {
		c.Scan.MaxWaitMs = 5000
	}
	if c.RoutesPoll <= 0 {
		c.RoutesPoll = 30 * time.Second
	}
	if c.MaxBody <= 0 {
		c.MaxBody = shield.DefaultMaxBody
	}
}

// LoadConfigFile reads a YAML configuration file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("scanner: config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// loadScript reads the engine bundle, if one is configured.
func (c EngineConfig) loadScript() (string, error) {
	if c.Script == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.Script)
	if err != nil {
		return "", fmt.Errorf("scanner: engine script: %w", err)
	}
	return string(data), nil
}
