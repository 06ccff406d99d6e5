package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Policy    PolicyConfig    `yaml:"policy"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Database  DatabaseConfig  `yaml:"database"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Security  SecurityConfig  `yaml:"security"`
	TLS       TLSConfig       `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Containerized    bool          `yaml:"containerized"` // false runs commands directly on the host
	Engine           string        `yaml:"engine"`        // "auto" (default), "containerd", or "docker"
	Image            string        `yaml:"image"`
	ContainerdSocket string        `yaml:"containerd_socket"`
	Namespace        string        `yaml:"namespace"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	Limits           LimitsConfig  `yaml:"limits"`
}

type LimitsConfig struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"` // every file operation and command runs under this directory
}

type PolicyConfig struct {
	File string `yaml:"file"` // optional YAML policy set loaded at startup

	// BootstrapOpen allows all requests while zero policies are
	// registered. Development convenience; the server warns loudly.
	BootstrapOpen bool `yaml:"bootstrap_open"`

	// LoadDefault registers the permissive built-in policy when no
	// policy file is configured.
	LoadDefault bool `yaml:"load_default"`
}

type RateLimitConfig struct {
	Store         string        `yaml:"store"` // "memory" (default) or "redis"
	RedisAddr     string        `yaml:"redis_addr"`
	DefaultLimit  int           `yaml:"default_limit"`
	DefaultWindow time.Duration `yaml:"default_window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	SeccompProfile       string   `yaml:"seccomp_profile"` // optional path overriding the built-in profile
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file and applies environment
// overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5*time.Minute + 30*time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			Containerized:    false,
			Engine:           "auto",
			Image:            "alpine:3.20",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "gatekeeper",
			DefaultTimeout:   30 * time.Second,
			MaxTimeout:       5 * time.Minute,
			MaxConcurrent:    32,
			Limits: LimitsConfig{
				CPUShares: 512,
				MemoryMB:  256,
				PidsLimit: 64,
				DiskMB:    128,
			},
		},
		Workspace: WorkspaceConfig{
			Root: "./workspace",
		},
		Policy: PolicyConfig{
			BootstrapOpen: false,
			LoadDefault:   false,
		},
		RateLimit: RateLimitConfig{
			Store:         "memory",
			DefaultLimit:  100,
			DefaultWindow: 60 * time.Second,
			SweepInterval: time.Minute,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
		},
	}
}

// applyEnv maps the supported environment overrides onto the config.
// These cover the knobs deployments flip without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEKEEPER_SANDBOX_CONTAINERIZED"); v != "" {
		c.Sandbox.Containerized = v == "true" || v == "1"
	}
	if v := os.Getenv("GATEKEEPER_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("GATEKEEPER_WORKSPACE"); v != "" {
		c.Workspace.Root = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Engine {
	case "", "auto", "containerd", "docker":
	default:
		return fmt.Errorf("sandbox.engine must be auto, containerd, or docker, got %q", c.Sandbox.Engine)
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.Containerized && c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image is required when sandbox.containerized is set")
	}
	if c.Sandbox.Limits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.limits.memory_mb must be >= 16")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	switch c.RateLimit.Store {
	case "", "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("ratelimit.redis_addr is required when ratelimit.store is redis")
		}
	default:
		return fmt.Errorf("ratelimit.store must be memory or redis, got %q", c.RateLimit.Store)
	}
	if c.RateLimit.DefaultLimit < 1 {
		return fmt.Errorf("ratelimit.default_limit must be >= 1")
	}
	if c.RateLimit.DefaultWindow < time.Second {
		return fmt.Errorf("ratelimit.default_window must be >= 1s")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file are required when tls.enabled is set")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
