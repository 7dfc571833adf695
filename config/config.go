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

// Config holds all configuration for the research service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // text or json
}

// ServerConfig contains HTTP server and principal settings
type ServerConfig struct {
	Address            string        `mapstructure:"address"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	AllowOrigins       []string      `mapstructure:"allow_origins"`
	StreamBuffer       int           `mapstructure:"stream_buffer"`
	StreamWriteTimeout time.Duration `mapstructure:"stream_write_timeout"`
	SessionLockEnabled bool          `mapstructure:"session_lock_enabled"`
	SessionLockTTL     time.Duration `mapstructure:"session_lock_ttl"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required")
	}
	if s.StreamBuffer <= 0 {
		return fmt.Errorf("server.stream_buffer must be > 0")
	}
	if s.StreamWriteTimeout < 0 {
		return fmt.Errorf("server.stream_write_timeout cannot be negative")
	}
	if s.RunTimeout < 0 {
		return fmt.Errorf("server.run_timeout cannot be negative")
	}
	if s.SessionLockEnabled && s.SessionLockTTL <= 0 {
		return fmt.Errorf("server.session_lock_ttl must be > 0 when the session lock is enabled")
	}
	return nil
}

// LLMConfig contains the two inference back-ends and the retry policy
type LLMConfig struct {
	Search    SearchProviderConfig    `mapstructure:"search"`
	Reasoning ReasoningProviderConfig `mapstructure:"reasoning"`
	Retry     RetryConfig             `mapstructure:"retry"`
}

// SearchProviderConfig configures the search-capable Gemini model.
type SearchProviderConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	GoogleSearch bool          `mapstructure:"google_search"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ReasoningProviderConfig configures the OpenAI-compatible reasoning model (Groq by default).
type ReasoningProviderConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RetryConfig is the gateway's bounded retry policy. Kinds lists the provider kinds it applies to.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff"`
	Kinds      []string      `mapstructure:"kinds"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Search.APIKey) == "" {
		return fmt.Errorf("llm.search.api_key required")
	}
	if strings.TrimSpace(l.Reasoning.APIKey) == "" {
		return fmt.Errorf("llm.reasoning.api_key required")
	}
	if l.Retry.MaxRetries < 0 {
		return fmt.Errorf("llm.retry.max_retries cannot be negative")
	}
	for _, k := range l.Retry.Kinds {
		switch k {
		case "search", "reasoning":
		default:
			return fmt.Errorf("llm.retry.kinds: unknown provider kind %q", k)
		}
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Driver        string         `mapstructure:"driver"` // postgres or memory
	MigrationsDir string         `mapstructure:"migrations_dir"`
	AutoMigrate   bool           `mapstructure:"auto_migrate"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
}

func (s StorageConfig) Validate() error {
	switch s.Driver {
	case "memory":
	case "postgres":
		if err := s.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", s.Driver)
	}
	if s.Redis.Enabled {
		return s.Redis.Validate()
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

// DSN returns the connection string, preferring the explicit url.
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

// RedisConfig contains Redis connection settings for the session cache and run lock
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Prefix   string        `mapstructure:"prefix"`
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

// Addr returns host:port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_format", "text")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.allow_origins", []string{"*"})
	v.SetDefault("server.stream_buffer", 32)
	v.SetDefault("server.stream_write_timeout", 30*time.Second)
	v.SetDefault("server.session_lock_enabled", false)
	v.SetDefault("server.session_lock_ttl", 10*time.Minute)
	v.SetDefault("server.run_timeout", 8*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("llm.search.model", "gemini-2.0-flash-thinking-exp-01-21")
	v.SetDefault("llm.search.google_search", true)
	v.SetDefault("llm.search.timeout", 2*time.Minute)
	v.SetDefault("llm.reasoning.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.reasoning.model", "deepseek-r1-distill-llama-70b")
	v.SetDefault("llm.reasoning.temperature", 0)
	v.SetDefault("llm.reasoning.timeout", 2*time.Minute)
	v.SetDefault("llm.retry.max_retries", 2)
	v.SetDefault("llm.retry.backoff", 500*time.Millisecond)
	v.SetDefault("llm.retry.kinds", []string{"reasoning"})
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.auto_migrate", true)
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 5*time.Second)
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 3*time.Second)
	v.SetDefault("storage.redis.cache_ttl", 30*time.Minute)
	v.SetDefault("storage.redis.prefix", "deepresearch:")
	v.SetDefault("telemetry.service_name", "deepresearch")
	v.SetDefault("telemetry.service_version", "dev")
}

// Load reads configuration from path (or the usual search locations when empty) and
// DEEPRESEARCH_* environment variables. A missing config file is tolerated when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys without defaults are only visible to Unmarshal once bound
	for _, key := range []string{
		"server.jwt_secret",
		"llm.search.api_key",
		"llm.search.base_url",
		"llm.reasoning.api_key",
		"storage.postgres.url",
		"storage.postgres.host",
		"storage.postgres.user",
		"storage.postgres.password",
		"storage.postgres.dbname",
		"storage.redis.enabled",
		"storage.redis.host",
		"storage.redis.password",
		"telemetry.enabled",
		"telemetry.otlp_endpoint",
	} {
		_ = v.BindEnv(key)
	}

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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	return c.Storage.Validate()
}

// LoadConfig loads config and panics when it is unusable.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
