// Package config loads satgated runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for satgated.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	LogFile       string          `yaml:"log_file"`
	Database      DatabaseConfig  `yaml:"database"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Policy        PolicyConfig    `yaml:"policy"`
	Pipeline      PipelineConfig  `yaml:"pipeline"`
	Lightning     LightningConfig `yaml:"lightning"`
	Checkout      CheckoutConfig  `yaml:"checkout"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Services      []ServiceConfig `yaml:"services"`
}

// ServiceConfig seeds one upstream adapter at startup. Runtime-approved
// services are rehydrated from the database instead.
type ServiceConfig struct {
	Slug             string `yaml:"slug"`
	Kind             string `yaml:"kind"`
	Capability       string `yaml:"capability"`
	BaseURL          string `yaml:"base_url"`
	CredentialEnv    string `yaml:"credential_env"`
	Priority         int    `yaml:"priority"`
	AuthType         string `yaml:"auth_type"`
	DefaultOperation string `yaml:"default_operation"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// OracleConfig tunes the BTC/USD refresh loop and its guardrails.
type OracleConfig struct {
	Interval        Duration       `yaml:"interval"`
	Sources         []OracleSource `yaml:"sources"`
	MaxRateAge      Duration       `yaml:"max_rate_age"`
	MaxDeviationBps int64          `yaml:"max_deviation_bps"`
	DeviationWindow Duration       `yaml:"deviation_window"`
}

// OracleSource describes an upstream rate feed.
type OracleSource struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
}

// PolicyConfig tunes the daily-spend cache.
type PolicyConfig struct {
	SpendCacheTTL Duration `yaml:"spend_cache_ttl"`
}

// PipelineConfig bounds call execution.
type PipelineConfig struct {
	ExecuteTimeout Duration `yaml:"execute_timeout"`
	CallTimeout    Duration `yaml:"call_timeout"`
}

// LightningConfig points at the Lightning node's invoice REST API and its
// settlement event stream.
type LightningConfig struct {
	RestURL       string   `yaml:"rest_url"`
	StreamURL     string   `yaml:"stream_url"`
	MacaroonEnv   string   `yaml:"macaroon_env"`
	InvoiceTTL    Duration `yaml:"invoice_ttl"`
	ExpirySweep   Duration `yaml:"expiry_sweep"`
	ReconnectBase Duration `yaml:"reconnect_base"`
}

// CheckoutConfig configures the card funding path.
type CheckoutConfig struct {
	APIKeyEnv        string `yaml:"api_key_env"`
	WebhookSecretEnv string `yaml:"webhook_secret_env"`
	SuccessURL       string `yaml:"success_url"`
	CancelURL        string `yaml:"cancel_url"`
}

// AdminConfig gates the registry review routes.
type AdminConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// RateLimitConfig bounds per-agent request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7410"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "/var/data/satgate.sqlite"
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 5 * time.Minute
	}
	if cfg.Policy.SpendCacheTTL.Duration == 0 {
		cfg.Policy.SpendCacheTTL.Duration = time.Minute
	}
	if cfg.Pipeline.ExecuteTimeout.Duration == 0 {
		cfg.Pipeline.ExecuteTimeout.Duration = 60 * time.Second
	}
	if cfg.Pipeline.CallTimeout.Duration == 0 {
		cfg.Pipeline.CallTimeout.Duration = 120 * time.Second
	}
	if cfg.Lightning.InvoiceTTL.Duration == 0 {
		cfg.Lightning.InvoiceTTL.Duration = time.Hour
	}
	if cfg.Lightning.ExpirySweep.Duration == 0 {
		cfg.Lightning.ExpirySweep.Duration = time.Minute
	}
	if cfg.Lightning.ReconnectBase.Duration == 0 {
		cfg.Lightning.ReconnectBase.Duration = time.Second
	}
	if cfg.Checkout.APIKeyEnv == "" {
		cfg.Checkout.APIKeyEnv = "STRIPE_SECRET"
	}
	if cfg.Checkout.WebhookSecretEnv == "" {
		cfg.Checkout.WebhookSecretEnv = "STRIPE_WEBHOOK_SECRET"
	}
	if cfg.Admin.JWTSecretEnv == "" {
		cfg.Admin.JWTSecretEnv = "SATGATE_ADMIN_SECRET"
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Driver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if len(cfg.Oracle.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	for _, src := range cfg.Oracle.Sources {
		if strings.TrimSpace(src.Type) == "" {
			return fmt.Errorf("oracle source type required")
		}
	}
	for _, svc := range cfg.Services {
		if strings.TrimSpace(svc.Slug) == "" {
			return fmt.Errorf("service slug required")
		}
		switch svc.Kind {
		case "llm", "search", "image", "speech", "generic":
		default:
			return fmt.Errorf("service %s: unsupported kind %q", svc.Slug, svc.Kind)
		}
	}
	return nil
}
