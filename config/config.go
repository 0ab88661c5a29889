package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the taskforge services.
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Gatherer   GathererConfig   `mapstructure:"gatherer"`
	Security   SecurityConfig   `mapstructure:"security"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	JWTSecret      string        `mapstructure:"jwt_secret"` // optional; enables bearer owner extraction
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai or any openai-compatible endpoint
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig names the "provider/model" used per task.
type LLMRoutingConfig struct {
	Findings string `mapstructure:"findings"`
	Fallback string `mapstructure:"fallback"`
}

// Resolve returns the provider and model behind a "provider/model" route, trying the
// fallback route when the primary one is unset or unknown.
func (c LLMConfig) Resolve(route string) (LLMProvider, LLMModel, bool) {
	for _, r := range []string{route, c.Routing.Fallback} {
		provider, model, ok := strings.Cut(strings.TrimSpace(r), "/")
		if !ok {
			continue
		}
		p, ok := c.Providers[provider]
		if !ok {
			continue
		}
		if m, ok := p.Models[model]; ok {
			if m.APIName == "" {
				m.APIName = model
			}
			return p, m, true
		}
	}
	return LLMProvider{}, LLMModel{}, false
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// CapabilityConfig controls the skill registry behaviour.
type CapabilityConfig struct {
	SigningSecret  string   `mapstructure:"signing_secret"`
	RequiredSkills []string `mapstructure:"required_skills"`
}

// RunnerConfig holds execution engine limits.
type RunnerConfig struct {
	Parallelism map[string]int `mapstructure:"parallelism"`
	NodeTimeout time.Duration  `mapstructure:"node_timeout"`
	Backoff     BackoffConfig  `mapstructure:"backoff"`
}

// BackoffConfig controls node retry delays.
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Factor     float64       `mapstructure:"factor"`
	MaxRetries int           `mapstructure:"max_retries"`
}

func (r RunnerConfig) Validate() error {
	for policy, n := range r.Parallelism {
		if n <= 0 {
			return fmt.Errorf("runner.parallelism.%s must be > 0", policy)
		}
	}
	if r.NodeTimeout <= 0 {
		return fmt.Errorf("runner.node_timeout must be > 0")
	}
	if r.Backoff.Factor < 1 {
		return fmt.Errorf("runner.backoff.factor must be >= 1")
	}
	if r.Backoff.MaxRetries < 0 {
		return fmt.Errorf("runner.backoff.max_retries cannot be negative")
	}
	return nil
}

// SourcesConfig contains external source configurations
type SourcesConfig struct {
	WebSearch WebSearchConfig `mapstructure:"web_search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider      string        `mapstructure:"provider"` // brave or serper
	BraveAPIKey   string        `mapstructure:"brave_api_key"`
	SerperAPIKey  string        `mapstructure:"serper_api_key"`
	MaxResults    int           `mapstructure:"max_results"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// APIKey returns the key of the selected provider.
func (w WebSearchConfig) APIKey() string {
	if strings.EqualFold(w.Provider, "serper") {
		return w.SerperAPIKey
	}
	return w.BraveAPIKey
}

// FetchConfig controls page fetching and extraction.
type FetchConfig struct {
	Renderer    string        `mapstructure:"renderer"` // http or chromedp
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxChars    int           `mapstructure:"max_chars"`
	Concurrency int           `mapstructure:"concurrency"`
}

func (s SourcesConfig) Validate() error {
	switch strings.ToLower(s.WebSearch.Provider) {
	case "brave", "serper":
	default:
		return fmt.Errorf("sources.web_search.provider %q unsupported", s.WebSearch.Provider)
	}
	switch strings.ToLower(s.Fetch.Renderer) {
	case "http", "chromedp":
	default:
		return fmt.Errorf("sources.fetch.renderer %q unsupported", s.Fetch.Renderer)
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Artifacts BackendConfig  `mapstructure:"artifacts"` // memory, postgres or s3
	Runs      BackendConfig  `mapstructure:"runs"`      // memory or postgres
	Redis     RedisConfig    `mapstructure:"redis"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	S3        S3Config       `mapstructure:"s3"`
}

// BackendConfig selects a store implementation.
type BackendConfig struct {
	Backend string `mapstructure:"backend"`
}

// NeedsPostgres reports whether any store is backed by Postgres.
func (s StorageConfig) NeedsPostgres() bool {
	return s.Artifacts.Backend == "postgres" || s.Runs.Backend == "postgres"
}

func (s StorageConfig) Validate() error {
	switch s.Artifacts.Backend {
	case "memory", "postgres":
	case "s3":
		if strings.TrimSpace(s.S3.Bucket) == "" {
			return fmt.Errorf("storage.s3.bucket required for the s3 artifact backend")
		}
	default:
		return fmt.Errorf("storage.artifacts.backend %q unsupported", s.Artifacts.Backend)
	}
	switch s.Runs.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.runs.backend %q unsupported", s.Runs.Backend)
	}
	if s.NeedsPostgres() {
		if err := s.Postgres.Validate(); err != nil {
			return err
		}
	}
	return s.S3.Validate()
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string, preferring the explicit url.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// S3Config contains object storage configuration.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	PathPrefix      string `mapstructure:"path_prefix"`
}

func (s S3Config) Validate() error {
	if strings.TrimSpace(s.Endpoint) == "" && strings.TrimSpace(s.Bucket) == "" {
		return nil
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return fmt.Errorf("storage.s3.bucket required when endpoint is provided")
	}
	return nil
}

// GathererConfig controls requirement-gathering session storage.
type GathererConfig struct {
	SessionBackend string        `mapstructure:"session_backend"` // memory or redis
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
}

// SecurityConfig declares the environment domain policy.
type SecurityConfig struct {
	DomainPolicy DomainPolicyConfig `mapstructure:"domain_policy"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("llm.routing.findings", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "taskforge")
	v.SetDefault("telemetry.metrics_port", 9464)
	v.SetDefault("runner.parallelism.sequential", 1)
	v.SetDefault("runner.parallelism.safe", 2)
	v.SetDefault("runner.parallelism.aggressive", 4)
	v.SetDefault("runner.node_timeout", "60s")
	v.SetDefault("runner.backoff.initial", "1s")
	v.SetDefault("runner.backoff.factor", 2.0)
	v.SetDefault("runner.backoff.max_retries", 3)
	v.SetDefault("sources.web_search.provider", "brave")
	v.SetDefault("sources.web_search.brave_api_key", "")
	v.SetDefault("sources.web_search.serper_api_key", "")
	v.SetDefault("sources.web_search.max_results", 10)
	v.SetDefault("sources.web_search.rate_per_second", 1.0)
	v.SetDefault("sources.web_search.burst", 1)
	v.SetDefault("sources.web_search.timeout", "15s")
	v.SetDefault("sources.fetch.renderer", "http")
	v.SetDefault("sources.fetch.timeout", "20s")
	v.SetDefault("sources.fetch.max_chars", 20000)
	v.SetDefault("sources.fetch.concurrency", 4)
	v.SetDefault("storage.artifacts.backend", "memory")
	v.SetDefault("storage.runs.backend", "memory")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("gatherer.session_backend", "memory")
	v.SetDefault("gatherer.session_ttl", "24h")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("capability.signing_secret", "")
}

// Load reads configuration from path (or the default search paths when empty) into a
// fresh viper instance. Environment variables prefixed TASKFORGE_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (TASKFORGE_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Security.DomainPolicy = cfg.Security.DomainPolicy.Normalize()

	for _, check := range []func() error{
		cfg.Telemetry.Validate,
		cfg.Runner.Validate,
		cfg.Sources.Validate,
		cfg.Storage.Validate,
		cfg.Security.DomainPolicy.Validate,
	} {
		if err := check(); err != nil {
			return nil, err
		}
	}
	if cfg.Gatherer.SessionBackend == "redis" {
		if err := cfg.Storage.Redis.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadConfig loads config from file and panics on any error.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
