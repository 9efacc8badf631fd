// Package config provides configuration loading for patterngate.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then PATTERNGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete patterngate configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Gate          GateConfig          `koanf:"gate"`
	Validation    ValidationConfig    `koanf:"validation"`
	Trial         TrialConfig         `koanf:"trial"`
	Store         StoreConfig         `koanf:"store"`
	Catalog       CatalogConfig       `koanf:"catalog"`
	Sweeper       SweeperConfig       `koanf:"sweeper"`
	Analytics     AnalyticsConfig     `koanf:"analytics"`
	Access        AccessConfig        `koanf:"access"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// AdminToken guards trial flagging. Empty disables the admin routes.
	AdminToken Secret `koanf:"admin_token"`
	// URL is where pgctl reaches the daemon.
	URL string `koanf:"url"`
}

// GateConfig holds the timing contracts of the gate protocol.
type GateConfig struct {
	SessionTTL    Duration `koanf:"session_ttl"`
	StaleWindow   Duration `koanf:"stale_window"`
	DiscoverLimit int      `koanf:"discover_limit"`
	MaxFetchNames int      `koanf:"max_fetch_names"`
	CoreRules     []string `koanf:"core_rules"`
	// DeepScrub adds the gitleaks rule set to secret scrubbing of task text
	// and claim summaries.
	DeepScrub bool `koanf:"deep_scrub"`
}

// ValidationConfig selects the strictness profile and deployment rules.
type ValidationConfig struct {
	// Profile is one of relaxed, standard, strict.
	Profile string       `koanf:"profile"`
	Rules   []RuleConfig `koanf:"rules"`
}

// RuleConfig is a deployment-supplied CEL validation rule.
type RuleConfig struct {
	Name       string `koanf:"name"`
	Code       string `koanf:"code"`
	Expression string `koanf:"expression"`
	Message    string `koanf:"message"`
}

// TrialConfig holds trial ledger windows and the trial-start rate limit.
type TrialConfig struct {
	DurationDays       int     `koanf:"duration_days"`
	ExtensionDays      int     `koanf:"extension_days"`
	StartRatePerMinute float64 `koanf:"start_rate_per_minute"`
	StartBurst         int     `koanf:"start_burst"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis.
	Driver        string `koanf:"driver"`
	DSN           Secret `koanf:"dsn"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword Secret `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
	KeyPrefix     string `koanf:"key_prefix"`
}

// CatalogConfig points at the pattern library.
type CatalogConfig struct {
	Path  string `koanf:"path"`
	Watch bool   `koanf:"watch"`
}

// SweeperConfig controls eager expiry.
type SweeperConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Interval Duration `koanf:"interval"`
}

// AnalyticsConfig controls the usage event sink.
type AnalyticsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	QueueSize     int    `koanf:"queue_size"`
}

// AccessConfig holds subscription keys and the local client credential.
type AccessConfig struct {
	// APIKey is the credential the local MCP server and pgctl present.
	APIKey        Secret               `koanf:"api_key"`
	Subscriptions []SubscriptionConfig `koanf:"subscriptions"`
}

// SubscriptionConfig maps a hashed API key to a subscriber.
type SubscriptionConfig struct {
	KeySHA256 string `koanf:"key_sha256"`
	Subject   string `koanf:"subject"`
	Status    string `koanf:"status"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"`
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			URL:             "http://localhost:9090",
		},
		Gate: GateConfig{
			SessionTTL:    Duration(60 * time.Minute),
			StaleWindow:   Duration(30 * time.Minute),
			DiscoverLimit: 6,
			MaxFetchNames: 10,
			CoreRules: []string{
				"Apply the returned patterns before writing new abstractions.",
				"Write tests for every behaviour you add and run them.",
				"Run the type checker and fix every error before validating.",
				"Call validate with the session token before declaring the task complete.",
			},
		},
		Validation: ValidationConfig{
			Profile: "standard",
		},
		Trial: TrialConfig{
			DurationDays:       7,
			ExtensionDays:      7,
			StartRatePerMinute: 1,
			StartBurst:         5,
		},
		Store: StoreConfig{
			Driver:    "memory",
			KeyPrefix: "patterngate",
		},
		Catalog: CatalogConfig{
			Path:  "patterns",
			Watch: true,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: Duration(time.Minute),
		},
		Analytics: AnalyticsConfig{
			Enabled:       true,
			SubjectPrefix: "patterngate.analytics",
			QueueSize:     1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "patterngate",
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			SampleRate:      1.0,
		},
	}
}

var (
	validDrivers  = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "redis": true}
	validProfiles = map[string]bool{"relaxed": true, "standard": true, "strict": true}
	validStatuses = map[string]bool{"active": true, "suspended": true}
)

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Gate.SessionTTL <= 0 {
		return errors.New("gate.session_ttl must be positive")
	}
	if c.Gate.StaleWindow <= 0 {
		return errors.New("gate.stale_window must be positive")
	}
	if c.Gate.DiscoverLimit < 1 {
		return fmt.Errorf("gate.discover_limit must be >= 1, got %d", c.Gate.DiscoverLimit)
	}
	if c.Gate.MaxFetchNames < 1 {
		return fmt.Errorf("gate.max_fetch_names must be >= 1, got %d", c.Gate.MaxFetchNames)
	}

	if !validProfiles[c.Validation.Profile] {
		return fmt.Errorf("validation.profile must be relaxed, standard or strict, got %q", c.Validation.Profile)
	}
	for i, r := range c.Validation.Rules {
		if r.Name == "" || r.Expression == "" {
			return fmt.Errorf("validation.rules[%d]: name and expression are required", i)
		}
	}

	if c.Trial.DurationDays < 1 || c.Trial.ExtensionDays < 1 {
		return errors.New("trial durations must be at least one day")
	}
	if c.Trial.StartRatePerMinute <= 0 || c.Trial.StartBurst < 1 {
		return errors.New("trial start rate and burst must be positive")
	}

	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver must be memory, sqlite, postgres or redis, got %q", c.Store.Driver)
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
		if !c.Store.DSN.IsSet() {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for driver redis")
		}
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be positive when the sweeper is enabled")
	}
	if c.Analytics.Enabled && c.Analytics.QueueSize < 1 {
		return errors.New("analytics.queue_size must be positive when analytics is enabled")
	}

	for i, s := range c.Access.Subscriptions {
		if len(s.KeySHA256) != 64 {
			return fmt.Errorf("access.subscriptions[%d]: key_sha256 must be a hex sha256", i)
		}
		if !validStatuses[strings.ToLower(s.Status)] {
			return fmt.Errorf("access.subscriptions[%d]: status must be active or suspended", i)
		}
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
