package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates all broker settings.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Security  SecurityConfig  `mapstructure:"security"`
	API       APIConfig       `mapstructure:"api"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Installer InstallerConfig `mapstructure:"installer"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and configures the persistence driver.
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the sqlite driver.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the postgres driver.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the postgres connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// SessionsConfig holds idle thresholds for the session registry.
type SessionsConfig struct {
	ShellIdleTimeout   time.Duration `mapstructure:"shell_idle_timeout"`
	ClusterIdleTimeout time.Duration `mapstructure:"cluster_idle_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// SSHConfig holds remote channel settings.
type SSHConfig struct {
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// SecurityConfig holds the key used to seal tokens and kubeconfigs at rest.
type SecurityConfig struct {
	SealKey string `mapstructure:"seal_key"`
}

// APIConfig holds HTTP boundary policy.
type APIConfig struct {
	ExposeTokens   bool    `mapstructure:"expose_tokens"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// ProvisionConfig holds credential provisioning defaults.
type ProvisionConfig struct {
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	DefaultDuration string        `mapstructure:"default_duration"`
}

// InstallerConfig holds chart coordinates and install timeouts.
type InstallerConfig struct {
	RepoName       string        `mapstructure:"repo_name"`
	RepoURL        string        `mapstructure:"repo_url"`
	Chart          string        `mapstructure:"chart"`
	ChartVersion   string        `mapstructure:"chart_version"`
	CRDGroup       string        `mapstructure:"crd_group"`
	HelmBinary     string        `mapstructure:"helm_binary"`
	KubectlBinary  string        `mapstructure:"kubectl_binary"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	InstallTimeout time.Duration `mapstructure:"install_timeout"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadEnv loads a .env file from the working directory when one exists.
func LoadEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// Load builds the configuration from defaults, the environment and an
// optional YAML file. Environment keys are the upper-cased config path with
// dots replaced by underscores, e.g. API_EXPOSE_TOKENS.
func Load(path string) (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if len(c.Security.SealKey) != 32 {
		return errors.New("security.seal_key must be exactly 32 bytes")
	}
	if c.Sessions.SweepInterval <= 0 {
		return errors.New("sessions.sweep_interval must be positive")
	}
	if c.Provision.DefaultDuration != "" {
		if _, err := time.ParseDuration(c.Provision.DefaultDuration); err != nil {
			return fmt.Errorf("provision.default_duration: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "broker.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "broker")
	v.SetDefault("database.postgres.password", "broker")
	v.SetDefault("database.postgres.database", "broker")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("sessions.shell_idle_timeout", 30*time.Minute)
	v.SetDefault("sessions.cluster_idle_timeout", 60*time.Minute)
	v.SetDefault("sessions.sweep_interval", time.Minute)

	v.SetDefault("ssh.known_hosts_file", "")
	v.SetDefault("ssh.dial_timeout", 10*time.Second)

	v.SetDefault("security.seal_key", "change-me-32-bytes-key-change-me")

	v.SetDefault("api.expose_tokens", false)
	v.SetDefault("api.rate_limit", 0.0)
	v.SetDefault("api.rate_limit_burst", 10)

	v.SetDefault("provision.command_timeout", 60*time.Second)
	v.SetDefault("provision.default_duration", "87600h")

	v.SetDefault("installer.repo_name", "kyverno")
	v.SetDefault("installer.repo_url", "https://kyverno.github.io/kyverno/")
	v.SetDefault("installer.chart", "kyverno/kyverno")
	v.SetDefault("installer.chart_version", "")
	v.SetDefault("installer.crd_group", "kyverno.io")
	v.SetDefault("installer.helm_binary", "helm")
	v.SetDefault("installer.kubectl_binary", "kubectl")
	v.SetDefault("installer.command_timeout", 60*time.Second)
	v.SetDefault("installer.install_timeout", 360*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}
