package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxConcurrentJobs    = 1
	DefaultClassifierTimeoutSec = 60
	DefaultClassifierRPS        = 2.0
	DefaultMaxImageBytes        = int64(20 * 1024 * 1024)
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// Config is the full bot configuration, loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	Homeserver  string `yaml:"homeserver" env:"NSFWBOT_HOMESERVER"`
	UserID      string `yaml:"user_id" env:"NSFWBOT_USER_ID"`
	AccessToken string `yaml:"access_token" env:"NSFWBOT_ACCESS_TOKEN"`

	// MaxConcurrentJobs bounds how many message batches may be in their
	// fetch/classify phase at the same time.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// ViaServers are appended as ?via= routing hints on matrix.to permalinks.
	ViaServers []string `yaml:"via_servers"`

	Actions    ActionsConfig    `yaml:"actions"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ActionsConfig selects which moderation effects run after classification.
type ActionsConfig struct {
	// IgnoreSFW suppresses all output when no image in the batch is NSFW.
	IgnoreSFW bool `yaml:"ignore_sfw"`
	// DirectReply posts the classification summary as a reply in the
	// room the message appeared in.
	DirectReply bool `yaml:"direct_reply"`
	// ReportToRoom is a room ID ("!...") or alias ("#...") that receives
	// a copy of every summary. Aliases are resolved once at startup.
	ReportToRoom string `yaml:"report_to_room"`
	// RedactNSFW redacts the triggering message when any image is NSFW.
	RedactNSFW bool `yaml:"redact_nsfw"`
}

type ClassifierConfig struct {
	Endpoint          string  `yaml:"endpoint" env:"NSFWBOT_CLASSIFIER_ENDPOINT"`
	Token             string  `yaml:"token" env:"NSFWBOT_CLASSIFIER_TOKEN"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// MaxImageBytes caps a single downloaded image; larger media is
	// skipped with a warning rather than fetched into memory.
	MaxImageBytes int64 `yaml:"max_image_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr is the optional prometheus listen address (e.g. ":9100").
	// Empty disables the metrics endpoint.
	Addr string `yaml:"addr"`
}

// Load reads the YAML config at path, applies NSFWBOT_* environment
// overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = DefaultClassifierTimeoutSec
	}
	if c.Classifier.RequestsPerSecond <= 0 {
		c.Classifier.RequestsPerSecond = DefaultClassifierRPS
	}
	if c.Classifier.MaxImageBytes <= 0 {
		c.Classifier.MaxImageBytes = DefaultMaxImageBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate checks the fields that cannot be defaulted. A config that
// fails validation never reaches the pipeline.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("config: homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("config: access_token is required")
	}
	if c.Classifier.Endpoint == "" {
		return fmt.Errorf("config: classifier.endpoint is required")
	}
	if r := c.Actions.ReportToRoom; r != "" &&
		!strings.HasPrefix(r, "!") && !strings.HasPrefix(r, "#") {
		return fmt.Errorf("config: actions.report_to_room must be a room ID (!) or alias (#), got %q", r)
	}
	return nil
}
