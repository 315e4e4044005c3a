package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager handles configuration loading and management
type Manager struct {
	viper      *viper.Viper
	configPath string
}

// Config represents the complete application configuration
type Config struct {
	Environment   string              `mapstructure:"environment"`
	Version       string              `mapstructure:"version"`
	Server        ServerConfig        `mapstructure:"server"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// MetricsConfig contains the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig contains API authentication configuration
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// OrchestrationConfig contains the orchestrator's tunables
type OrchestrationConfig struct {
	MaxConcurrentAgents int              `mapstructure:"max_concurrent_agents"`
	DefaultTimeout      time.Duration    `mapstructure:"default_timeout"`
	Retry               RetryConfig      `mapstructure:"retry"`
	Monitoring          MonitoringConfig `mapstructure:"monitoring"`
	MessageBus          MessageBusConfig `mapstructure:"message_bus"`
}

// RetryConfig contains retry configuration for transient task failures
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// MonitoringConfig controls the metrics pump
type MonitoringConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// MessageBusConfig contains message bus configuration
type MessageBusConfig struct {
	MaxLogSize int `mapstructure:"max_log_size"`
}

// GatewayConfig contains the model gateway client configuration
type GatewayConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// NewManager creates a new configuration manager
func NewManager(configPath string) *Manager {
	return &Manager{
		viper:      viper.New(),
		configPath: configPath,
	}
}

// Load loads the configuration from files and environment variables
func (m *Manager) Load() (*Config, error) {
	m.setDefaults()

	m.viper.SetConfigName("apply-agents")
	m.viper.SetConfigType("yaml")
	if m.configPath != "" {
		m.viper.AddConfigPath(m.configPath)
	}
	m.viper.AddConfigPath(".")
	m.viper.AddConfigPath("./configs")
	m.viper.AddConfigPath("/etc/apply-agents")
	m.viper.AddConfigPath("$HOME/.apply-agents")

	m.viper.AutomaticEnv()
	m.viper.SetEnvPrefix("APPLY")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := m.viper.ReadInConfig(); err != nil {
		// Defaults plus environment variables are a complete
		// configuration; only a malformed file is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var config Config
	if err := m.viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	// A JWT secret left out of the file is looked up in the secret store.
	if config.Auth.Enabled && config.Auth.JWTSecret == "" {
		config.Auth.JWTSecret = ResolveSecret("jwt_secret")
	}

	if err := m.validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// Watch reloads the configuration whenever the file changes.
func (m *Manager) Watch(onChange func(*Config)) {
	m.viper.OnConfigChange(func(fsnotify.Event) {
		var config Config
		if err := m.viper.Unmarshal(&config); err != nil {
			return
		}
		if err := m.validate(&config); err != nil {
			return
		}
		onChange(&config)
	})
	m.viper.WatchConfig()
}

func (m *Manager) setDefaults() {
	m.viper.SetDefault("environment", "development")
	m.viper.SetDefault("version", "dev")

	m.viper.SetDefault("server.host", "0.0.0.0")
	m.viper.SetDefault("server.port", 8080)
	m.viper.SetDefault("server.read_timeout", 15*time.Second)
	m.viper.SetDefault("server.write_timeout", 15*time.Second)
	m.viper.SetDefault("server.idle_timeout", 60*time.Second)
	m.viper.SetDefault("server.shutdown_timeout", 30*time.Second)
	m.viper.SetDefault("server.rate_limit", 300)
	m.viper.SetDefault("server.rate_burst", 50)

	m.viper.SetDefault("metrics.enabled", true)
	m.viper.SetDefault("metrics.host", "0.0.0.0")
	m.viper.SetDefault("metrics.port", 9090)
	m.viper.SetDefault("metrics.path", "/metrics")

	m.viper.SetDefault("logging.level", "info")
	m.viper.SetDefault("logging.format", "json")

	m.viper.SetDefault("auth.enabled", false)

	m.viper.SetDefault("orchestration.max_concurrent_agents", 10)
	m.viper.SetDefault("orchestration.default_timeout", 2*time.Minute)
	m.viper.SetDefault("orchestration.retry.max_attempts", 3)
	m.viper.SetDefault("orchestration.retry.backoff", 500*time.Millisecond)
	m.viper.SetDefault("orchestration.monitoring.enabled", true)
	m.viper.SetDefault("orchestration.monitoring.metrics_interval", 30*time.Second)
	m.viper.SetDefault("orchestration.message_bus.max_log_size", 1000)

	m.viper.SetDefault("gateway.base_url", "http://localhost:8091")
	m.viper.SetDefault("gateway.timeout", 2*time.Minute)
	m.viper.SetDefault("gateway.requests_per_second", 5.0)
	m.viper.SetDefault("gateway.burst", 10)
}

func (m *Manager) validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Metrics.Enabled && (config.Metrics.Port <= 0 || config.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
	}
	if config.Orchestration.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("orchestration.max_concurrent_agents must be positive")
	}
	if config.Orchestration.MessageBus.MaxLogSize <= 0 {
		return fmt.Errorf("orchestration.message_bus.max_log_size must be positive")
	}
	if config.Auth.Enabled && config.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[config.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", config.Logging.Level)
	}

	return nil
}
