package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	DataDir  string         `mapstructure:"data_dir"`
	Server   ServerConfig   `mapstructure:"server"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Log      LogConfig      `mapstructure:"log"`
	Deploy   DeployConfig   `mapstructure:"deploy"`
	Ports    PortsConfig    `mapstructure:"ports"`
	Certs    CertsConfig    `mapstructure:"certs"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// ServerConfig holds the control-plane HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyConfig holds the reverse proxy configuration.
type ProxyConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// Address returns the proxy address in host:port format.
func (c ProxyConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DeployConfig holds transition policy.
type DeployConfig struct {
	HealthAttempts int           `mapstructure:"health_attempts"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
	// ConflictPolicy is "queue" or "reject".
	ConflictPolicy string        `mapstructure:"conflict_policy"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	// TransitionTimeout bounds one deploy, stop, redeploy or rollback call.
	TransitionTimeout   time.Duration `mapstructure:"transition_timeout"`
	TraefikLabels       bool          `mapstructure:"traefik_labels"`
	TraefikCertResolver string        `mapstructure:"traefik_cert_resolver"`
}

// PortsConfig holds the host port range handed out to instances.
type PortsConfig struct {
	HostIP     string `mapstructure:"host_ip"`
	RangeStart int    `mapstructure:"range_start"`
	RangeEnd   int    `mapstructure:"range_end"`
}

// CertsConfig holds ACME settings. When disabled no certificates are requested.
type CertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Email        string `mapstructure:"email"`
	CacheDir     string `mapstructure:"cache_dir"`
	DirectoryURL string `mapstructure:"directory_url"`
}

// BackupConfig holds backup artifact storage configuration.
type BackupConfig struct {
	Dir string `mapstructure:"dir"`
}

// AuthConfig holds control-plane authentication.
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens. Empty disables auth,
	// which is only sensible when the server listens on loopback.
	JWTSecret string `mapstructure:"jwt_secret"`
}

// MonitorConfig holds the instance monitor configuration.
type MonitorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7070)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "15m") // deploys block until healthy
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "60s")
	v.SetDefault("proxy.idle_timeout", "120s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("docker.host", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("deploy.health_attempts", 30)
	v.SetDefault("deploy.health_interval", "2s")
	v.SetDefault("deploy.health_timeout", "2m")
	v.SetDefault("deploy.conflict_policy", "queue")
	v.SetDefault("deploy.stop_timeout", "10s")
	v.SetDefault("deploy.transition_timeout", "10m")
	v.SetDefault("deploy.traefik_labels", false)
	v.SetDefault("deploy.traefik_cert_resolver", "")
	v.SetDefault("ports.host_ip", "0.0.0.0")
	v.SetDefault("ports.range_start", 30000)
	v.SetDefault("ports.range_end", 39999)
	v.SetDefault("certs.enabled", false)
	v.SetDefault("certs.email", "")
	v.SetDefault("certs.cache_dir", "")
	v.SetDefault("certs.directory_url", "")
	v.SetDefault("backup.dir", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.check_timeout", "10s")
	v.SetDefault("monitor.max_concurrent", 5)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a malformed one is fatal.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SHIPYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.deriveFromDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deriveFromDataDir fills paths left empty from the data directory.
func (c *Config) deriveFromDataDir() {
	dir := c.DataDir
	if dir == "" {
		dir = "."
	}
	if c.Database.DSN == "" {
		c.Database.DSN = filepath.Join(dir, "shipyard.db")
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(dir, "backups")
	}
	if c.Certs.CacheDir == "" {
		c.Certs.CacheDir = filepath.Join(dir, "certs")
	}
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Deploy.ConflictPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("deploy.conflict_policy must be queue or reject, got %q", c.Deploy.ConflictPolicy)
	}
	if c.Ports.RangeStart <= 0 || c.Ports.RangeEnd < c.Ports.RangeStart || c.Ports.RangeEnd > 65535 {
		return fmt.Errorf("ports range %d-%d is invalid", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Certs.Enabled && !c.Proxy.Enabled {
		return fmt.Errorf("certs.enabled requires proxy.enabled for HTTP-01 challenges")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
