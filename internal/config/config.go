// Package config loads the hourglass configuration from YAML files and
// HOURGLASS_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Timesheet TimesheetConfig `mapstructure:"timesheet"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Style     StyleConfig     `mapstructure:"style"`
	Retention RetentionConfig `mapstructure:"retention"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EngineConfig bounds the response pipeline.
type EngineConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	HistoryWindow     int           `mapstructure:"history_window"`
	PlanningTimeout   time.Duration `mapstructure:"planning_timeout"`
	RetrievalTimeout  time.Duration `mapstructure:"retrieval_timeout"`
	CompositionTimeout time.Duration `mapstructure:"composition_timeout"`
	FormattingTimeout time.Duration `mapstructure:"formatting_timeout"`
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`
}

// LLMConfig configures the language inference backend.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	JudgeModel  string        `mapstructure:"judge_model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TimesheetConfig configures the timesheet data backend.
type TimesheetConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig contains Postgres settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig describes the Postgres connection.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN assembles a connection string from the configured parts.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig describes the Redis connection used for retrieval dedup.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StyleConfig is the response adornment applied by Formatting.
type StyleConfig struct {
	Greeting bool   `mapstructure:"greeting"`
	SignOff  string `mapstructure:"sign_off"`
	Emoji    bool   `mapstructure:"emoji"`
	Tone     string `mapstructure:"tone"`
}

// RetentionConfig drives the audit pruning loop.
type RetentionConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"` // cron expression
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load reads configuration from path (or the working directory when empty),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("hourglass")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hourglass")
	}
	v.SetEnvPrefix("HOURGLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is tolerable; env and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.token_ttl", 24*time.Hour)
	v.SetDefault("engine.max_concurrent", 32)
	v.SetDefault("engine.history_window", 6)
	v.SetDefault("engine.planning_timeout", 30*time.Second)
	v.SetDefault("engine.retrieval_timeout", 15*time.Second)
	v.SetDefault("engine.composition_timeout", 45*time.Second)
	v.SetDefault("engine.formatting_timeout", 5*time.Second)
	v.SetDefault("engine.validation_timeout", 30*time.Second)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", 45*time.Second)
	v.SetDefault("timesheet.timeout", 15*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("style.sign_off", "")
	v.SetDefault("style.tone", "friendly")
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.schedule", "0 3 * * *")
	v.SetDefault("retention.max_age", 90*24*time.Hour)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "hourglass")
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("engine.max_concurrent must be positive")
	}
	if c.Engine.HistoryWindow < 0 {
		return fmt.Errorf("engine.history_window must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"engine.planning_timeout":    c.Engine.PlanningTimeout,
		"engine.retrieval_timeout":   c.Engine.RetrievalTimeout,
		"engine.composition_timeout": c.Engine.CompositionTimeout,
		"engine.formatting_timeout":  c.Engine.FormattingTimeout,
		"engine.validation_timeout":  c.Engine.ValidationTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
