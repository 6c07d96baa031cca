package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pagecarbon/pagecarbon/internal/co2model"
	"github.com/pagecarbon/pagecarbon/internal/enrich"
	"github.com/pagecarbon/pagecarbon/internal/estimator"
	"github.com/pagecarbon/pagecarbon/internal/retry"
	"github.com/pagecarbon/pagecarbon/internal/telemetry"
	"github.com/pagecarbon/pagecarbon/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultHTTPPort          = 8080
	DefaultBroadcastInterval = 5 * time.Second
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultKafkaBufferSize   = 1000
	DefaultKafkaTopic        = "pagecarbon.estimates"
)

// Config is the top-level pagecarbon configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Monitor MonitorConfig       `yaml:"monitor"`
	Grid    types.GridIntensity `yaml:"grid"`
	Retry   RetryConfig         `yaml:"retry"`
	Enrich  EnrichConfig        `yaml:"enrich"`
	Model   ModelConfig         `yaml:"model"`
	Server  ServerConfig        `yaml:"server"`
	Storage StorageConfig       `yaml:"storage"`
	Kafka   KafkaConfig         `yaml:"kafka"`
	Alerts  AlertsConfig        `yaml:"alerts"`
}

// MonitorConfig holds the estimation lifecycle settings.
type MonitorConfig struct {
	// DetailedDelay is the wait between the load signal and the detailed pass.
	DetailedDelay time.Duration `yaml:"detailed_delay"`

	// RefineDelay is the pause before each continuous refinement pass.
	RefineDelay time.Duration `yaml:"refine_delay"`

	// PollInterval controls how often continuous refinement checks for new
	// resources.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Continuous enables re-estimation as new resources appear.
	Continuous bool `yaml:"continuous"`

	// LoadOnStart fires the load signal as soon as the server starts instead
	// of waiting for POST /api/v1/load.
	LoadOnStart bool `yaml:"load_on_start"`

	// BufferSize is the maximum number of resource entries retained per page.
	BufferSize int `yaml:"buffer_size"`

	// Exclude lists extra URL prefixes left out of measurement, on top of the
	// lookup service endpoints.
	Exclude []string `yaml:"exclude"`
}

// RetryConfig is the lookup retry policy.
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// EnrichConfig configures the green-hosting and grid-intensity lookups.
type EnrichConfig struct {
	// Offline disables all lookups; every resource uses the default grid.
	Offline bool `yaml:"offline"`

	DoHURL        string `yaml:"doh_url"`
	GreenCheckURL string `yaml:"greencheck_url"`
	IntensityURL  string `yaml:"intensity_url"`

	// FallbackIntensity and FallbackCountry replace fields missing from an
	// intensity answer.
	FallbackIntensity float64 `yaml:"fallback_intensity"`
	FallbackCountry   string  `yaml:"fallback_country"`

	// DeviceCountry is the device country put in looked-up grid options.
	DeviceCountry string `yaml:"device_country"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for self-hosted lookup mirrors in development.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	UserAgent          string `yaml:"user_agent"`
}

// ModelConfig holds CO2 model coefficients. Zero fields keep the defaults.
type ModelConfig struct {
	KWhPerByteDataCenter float64            `yaml:"kwh_per_byte_data_center"`
	KWhPerByteNetwork    float64            `yaml:"kwh_per_byte_network"`
	KWhPerByteDevice     float64            `yaml:"kwh_per_byte_device"`
	GreenIntensity       float64            `yaml:"green_intensity"`
	GlobalIntensity      float64            `yaml:"global_intensity"`
	Countries            map[string]float64 `yaml:"countries"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, metrics and WebSocket hub listen on.
	HTTPPort int `yaml:"http_port"`

	// BroadcastInterval is how often the WebSocket hub re-sends the current
	// estimate when nothing new was published.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`

	// CORSOrigins lists origins allowed to post beacons. Empty allows all.
	CORSOrigins []string `yaml:"cors_origins"`

	// Auth guards the endpoints that change estimator state.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication for state-changing endpoints.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected
	// API key. Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the request header carrying the key. Defaults to X-API-Key.
	Header string `yaml:"header"`
}

// Key returns the API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default
// "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

// StorageConfig configures estimate history persistence.
type StorageConfig struct {
	// Backend selects the storage implementation: sqlite, or empty for none.
	Backend string `yaml:"backend"`

	// Path is the filesystem path for the SQLite database file.
	Path string `yaml:"path"`

	// Retention is how long published estimates are kept before deletion.
	Retention time.Duration `yaml:"retention"`
}

// KafkaConfig configures publication of estimates to Kafka. Publication is
// disabled when Brokers is empty.
type KafkaConfig struct {
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	BufferSize int      `yaml:"buffer_size"`
}

// AlertsConfig holds all alerting rules and webhook targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines a threshold-based alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier.
	Name string `yaml:"name"`

	// Condition is an expression like "co2_grams > 0.5" or "state == detailed".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config data, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values. It is the
// configuration used when no file is given.
func Defaults() *Config {
	ec := enrich.DefaultConfig()
	mc := co2model.DefaultConfig()
	return &Config{
		Monitor: MonitorConfig{
			DetailedDelay: estimator.DefaultDetailedDelay,
			RefineDelay:   estimator.DefaultRefineDelay,
			PollInterval:  DefaultPollInterval,
			BufferSize:    telemetry.DefaultBufferSize,
		},
		Grid: types.DefaultGridIntensity(),
		Retry: RetryConfig{
			MaxRetries:     retry.DefaultMaxRetries,
			BaseDelay:      retry.DefaultBaseDelay,
			AttemptTimeout: retry.DefaultAttemptTimeout,
		},
		Enrich: EnrichConfig{
			DoHURL:            ec.DoHURL,
			GreenCheckURL:     ec.GreenCheckURL,
			IntensityURL:      ec.IntensityURL,
			FallbackIntensity: ec.FallbackIntensity,
			FallbackCountry:   ec.FallbackCountry,
			DeviceCountry:     ec.DeviceCountry,
			HTTPTimeout:       ec.HTTPTimeout,
			UserAgent:         ec.UserAgent,
		},
		Model: ModelConfig{
			KWhPerByteDataCenter: mc.KWhPerByteDataCenter,
			KWhPerByteNetwork:    mc.KWhPerByteNetwork,
			KWhPerByteDevice:     mc.KWhPerByteDevice,
			GreenIntensity:       *mc.GreenIntensity,
			GlobalIntensity:      mc.GlobalIntensity,
		},
		Server: ServerConfig{
			HTTPPort:          DefaultHTTPPort,
			BroadcastInterval: DefaultBroadcastInterval,
		},
		Storage: StorageConfig{
			Retention: DefaultRetention,
		},
		Kafka: KafkaConfig{
			Topic:      DefaultKafkaTopic,
			BufferSize: DefaultKafkaBufferSize,
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	m := cfg.Monitor
	if m.DetailedDelay < 0 {
		return fmt.Errorf("monitor.detailed_delay must not be negative")
	}
	if m.RefineDelay < 0 {
		return fmt.Errorf("monitor.refine_delay must not be negative")
	}
	if m.Continuous && m.PollInterval <= 0 {
		return fmt.Errorf("monitor.poll_interval must be positive when continuous is set")
	}
	if m.BufferSize <= 0 {
		return fmt.Errorf("monitor.buffer_size must be positive")
	}

	if err := ValidateGrid(cfg.Grid); err != nil {
		return fmt.Errorf("grid: %w", err)
	}

	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if cfg.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must not be negative")
	}
	if cfg.Retry.AttemptTimeout <= 0 {
		return fmt.Errorf("retry.attempt_timeout must be positive")
	}

	if !cfg.Enrich.Offline {
		for name, raw := range map[string]string{
			"doh_url":        cfg.Enrich.DoHURL,
			"greencheck_url": cfg.Enrich.GreenCheckURL,
			"intensity_url":  cfg.Enrich.IntensityURL,
		} {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("enrich.%s: invalid url %q", name, raw)
			}
		}
	}
	if cfg.Enrich.FallbackIntensity < 0 {
		return fmt.Errorf("enrich.fallback_intensity must not be negative")
	}

	if cfg.Model.GreenIntensity < 0 {
		return fmt.Errorf("model.green_intensity must not be negative")
	}
	for code, v := range cfg.Model.Countries {
		if len(code) != 3 {
			return fmt.Errorf("model.countries: %q is not an ISO alpha-3 code", code)
		}
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("model.countries[%s]: invalid intensity %v", code, v)
		}
	}

	if p := cfg.Server.HTTPPort; p <= 0 || p > 65535 {
		return fmt.Errorf("server.http_port %d out of range", p)
	}
	if cfg.Server.BroadcastInterval <= 0 {
		return fmt.Errorf("server.broadcast_interval must be positive")
	}
	switch cfg.Server.Auth.Mode {
	case "apikey":
		if cfg.Server.Auth.KeyEnv == "" {
			return fmt.Errorf("server.auth.key_env is required for apikey mode")
		}
	case "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}

	switch cfg.Storage.Backend {
	case "":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when brokers are set")
		}
		if cfg.Kafka.BufferSize <= 0 {
			return fmt.Errorf("kafka.buffer_size must be positive")
		}
	}

	for i, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alerts.rules[%d]: name is required", i)
		}
		if r.Condition == "" {
			return fmt.Errorf("alerts.rules[%d] %q: condition is required", i, r.Name)
		}
		switch r.Severity {
		case "critical", "warning", "info", "":
		default:
			return fmt.Errorf("alerts.rules[%d] %q: unknown severity %q", i, r.Name, r.Severity)
		}
	}
	for i, w := range cfg.Alerts.Webhooks {
		switch w.Type {
		case "teams", "slack", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: unknown type %q", i, w.Type)
		}
	}
	return nil
}

// ValidateGrid checks a grid intensity supplied by config or by a client.
func ValidateGrid(g types.GridIntensity) error {
	if g.DeviceCountry == "" || g.NetworkCountry == "" {
		return fmt.Errorf("device_country and network_country are required")
	}
	if g.DataCenter < 0 || math.IsNaN(g.DataCenter) || math.IsInf(g.DataCenter, 0) {
		return fmt.Errorf("data_center %v must be a non-negative number", g.DataCenter)
	}
	return nil
}

// Policy returns the retry policy.
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxRetries:     r.MaxRetries,
		BaseDelay:      r.BaseDelay,
		AttemptTimeout: r.AttemptTimeout,
	}
}

// Client returns the lookup client configuration.
func (e EnrichConfig) Client() enrich.Config {
	return enrich.Config{
		DoHURL:             e.DoHURL,
		GreenCheckURL:      e.GreenCheckURL,
		IntensityURL:       e.IntensityURL,
		FallbackIntensity:  e.FallbackIntensity,
		FallbackCountry:    e.FallbackCountry,
		DeviceCountry:      e.DeviceCountry,
		HTTPTimeout:        e.HTTPTimeout,
		InsecureSkipVerify: e.InsecureSkipVerify,
		UserAgent:          e.UserAgent,
	}
}

// Coefficients returns the CO2 model configuration.
func (m ModelConfig) Coefficients() *co2model.Config {
	return &co2model.Config{
		KWhPerByteDataCenter: m.KWhPerByteDataCenter,
		KWhPerByteNetwork:    m.KWhPerByteNetwork,
		KWhPerByteDevice:     m.KWhPerByteDevice,
		GreenIntensity:       co2model.Float64(m.GreenIntensity),
		GlobalIntensity:      m.GlobalIntensity,
		Countries:            m.Countries,
	}
}

// Lifecycle returns the estimator delays.
func (m MonitorConfig) Lifecycle() estimator.Config {
	return estimator.Config{DetailedDelay: m.DetailedDelay, RefineDelay: m.RefineDelay}
}

// Exclusions returns the lookup endpoints followed by the extra prefixes.
func (c *Config) Exclusions() []string {
	out := c.Enrich.Client().Exclusions()
	return append(out, c.Monitor.Exclude...)
}
