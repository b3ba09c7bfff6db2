// Package config provides configuration management for Drover.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Drover.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Compaction  CompactionConfig  `mapstructure:"compaction"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	Loop        LoopConfig        `mapstructure:"loop"`
	Commentary  CommentaryConfig  `mapstructure:"commentary"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Driver is "sqlite" (the default), Path names the database file and
// the Postgres fields are ignored.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable (resolved via PATH if bare).
	Binary string `mapstructure:"binary"`

	// DefaultModel is the model passed to new sessions when none is given.
	DefaultModel string `mapstructure:"defaultModel"`

	// UsePTY selects subprocess I/O: "auto" prefers a pseudo-terminal and
	// falls back to pipes, "always" requires a PTY, "never" uses pipes.
	UsePTY string `mapstructure:"usePty"`

	// GracePeriodSeconds is how long a completed session lingers for
	// reconnection before removal.
	GracePeriodSeconds int `mapstructure:"gracePeriodSeconds"`

	// ContentTimeoutSeconds overrides the first-content timeout.
	ContentTimeoutSeconds int `mapstructure:"contentTimeoutSeconds"`
}

// CompactionConfig holds context-window compaction configuration.
type CompactionConfig struct {
	// AutoCompact enables automatic history compaction at the computed threshold.
	AutoCompact bool `mapstructure:"autoCompact"`

	// ThresholdPercent optionally overrides the auto-compact threshold as a
	// percentage of the effective window (0 = use the default margin).
	ThresholdPercent int `mapstructure:"thresholdPercent"`
}

// PermissionsConfig holds tool permission configuration.
type PermissionsConfig struct {
	// Mode is one of safe, fast, plan, unrestricted.
	Mode string `mapstructure:"mode"`

	// TerminalPolicy is one of off, auto, turbo, custom. It governs
	// shell-like tools specifically.
	TerminalPolicy string `mapstructure:"terminalPolicy"`
}

// LoopConfig holds autonomous loop configuration defaults.
type LoopConfig struct {
	MaxIterations  int  `mapstructure:"maxIterations"`
	PauseOnFailure bool `mapstructure:"pauseOnFailure"`
	AutoSnapshot   bool `mapstructure:"autoSnapshot"`
	AutoCommit     bool `mapstructure:"autoCommit"`
}

// CommentaryConfig holds commentary bridge configuration.
type CommentaryConfig struct {
	// Enabled allows workspaces to subscribe commentators.
	Enabled bool `mapstructure:"enabled"`

	// PersistHistory writes generated commentary to the history table.
	PersistHistory bool `mapstructure:"persistHistory"`

	// DefaultPersonality names the prompt template used when a
	// subscription does not specify one.
	DefaultPersonality string `mapstructure:"defaultPersonality"`

	// DefaultVerbosity is one of frequent, strategic, minimal.
	DefaultVerbosity string `mapstructure:"defaultVerbosity"`
}

// LLMConfig holds the one-shot LLM client configuration used for
// summarization and commentary.
type LLMConfig struct {
	// APIKey for the hosted model API. Falls back to ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"apiKey"`

	// Model used for one-shot calls (summaries, commentary).
	Model string `mapstructure:"model"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GracePeriod returns the session grace period as a time.Duration.
func (a *AgentConfig) GracePeriod() time.Duration {
	return time.Duration(a.GracePeriodSeconds) * time.Second
}

// ContentTimeout returns the first-content timeout as a time.Duration.
func (a *AgentConfig) ContentTimeout() time.Duration {
	return time.Duration(a.ContentTimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("DROVER_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "drover.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "drover")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "drover")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "drover")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.defaultModel", "")
	v.SetDefault("agent.usePty", "auto")
	v.SetDefault("agent.gracePeriodSeconds", 60)
	v.SetDefault("agent.contentTimeoutSeconds", 120)

	// Compaction defaults
	v.SetDefault("compaction.autoCompact", true)
	v.SetDefault("compaction.thresholdPercent", 0)

	// Permission defaults
	v.SetDefault("permissions.mode", "safe")
	v.SetDefault("permissions.terminalPolicy", "auto")

	// Loop defaults
	v.SetDefault("loop.maxIterations", 25)
	v.SetDefault("loop.pauseOnFailure", false)
	v.SetDefault("loop.autoSnapshot", true)
	v.SetDefault("loop.autoCommit", true)

	// Commentary defaults
	v.SetDefault("commentary.enabled", true)
	v.SetDefault("commentary.persistHistory", true)
	v.SetDefault("commentary.defaultPersonality", "narrator")
	v.SetDefault("commentary.defaultVerbosity", "strategic")

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-3-5-haiku-latest")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DROVER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/drover/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("agent.defaultModel", "DROVER_AGENT_DEFAULT_MODEL")
	_ = v.BindEnv("agent.usePty", "DROVER_AGENT_USE_PTY")
	_ = v.BindEnv("compaction.autoCompact", "DROVER_COMPACTION_AUTO_COMPACT")
	_ = v.BindEnv("compaction.thresholdPercent", "DROVER_COMPACTION_THRESHOLD_PERCENT")
	_ = v.BindEnv("permissions.terminalPolicy", "DROVER_PERMISSIONS_TERMINAL_POLICY")
	_ = v.BindEnv("llm.apiKey", "DROVER_LLM_API_KEY", "ANTHROPIC_API_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/drover/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	switch cfg.Agent.UsePTY {
	case "auto", "always", "never":
	default:
		errs = append(errs, "agent.usePty must be one of: auto, always, never")
	}
	if cfg.Agent.GracePeriodSeconds < 0 {
		errs = append(errs, "agent.gracePeriodSeconds must not be negative")
	}

	validModes := map[string]bool{"safe": true, "fast": true, "plan": true, "unrestricted": true}
	if !validModes[cfg.Permissions.Mode] {
		errs = append(errs, "permissions.mode must be one of: safe, fast, plan, unrestricted")
	}
	validPolicies := map[string]bool{"off": true, "auto": true, "turbo": true, "custom": true}
	if !validPolicies[cfg.Permissions.TerminalPolicy] {
		errs = append(errs, "permissions.terminalPolicy must be one of: off, auto, turbo, custom")
	}

	if cfg.Compaction.ThresholdPercent < 0 || cfg.Compaction.ThresholdPercent > 100 {
		errs = append(errs, "compaction.thresholdPercent must be between 0 and 100")
	}

	if cfg.Loop.MaxIterations <= 0 {
		errs = append(errs, "loop.maxIterations must be positive")
	}

	validVerbosity := map[string]bool{"frequent": true, "strategic": true, "minimal": true}
	if !validVerbosity[cfg.Commentary.DefaultVerbosity] {
		errs = append(errs, "commentary.defaultVerbosity must be one of: frequent, strategic, minimal")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
