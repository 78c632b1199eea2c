// Package config loads server configuration from an optional YAML file,
// a .env file, and environment variables, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir is the shared durable volume mount. The registry file and all
	// sandbox workspaces live under it.
	DataDir string `yaml:"data_dir"`

	// RegistryPath is the registry document location. Defaults to
	// <DataDir>/registry.json.
	RegistryPath string `yaml:"registry_path"`

	// WorkspaceRoot is the parent of per-sandbox workspace directories.
	// Defaults to <DataDir>/workspaces.
	WorkspaceRoot string `yaml:"workspace_root"`

	// SandboxImage is the base boot image for new instances.
	SandboxImage string `yaml:"sandbox_image"`

	// SnapshotRepository is the image repository snapshots are tagged into.
	SnapshotRepository string `yaml:"snapshot_repository"`

	// ServiceBinary is the workspace service executable run inside each
	// sandbox instance.
	ServiceBinary string `yaml:"service_binary"`

	// ServicePort is the well-known port the service process binds to.
	ServicePort int `yaml:"service_port"`

	// SandboxTimeout is the platform-enforced hard instance lifetime.
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`

	// MaxInFlight bounds concurrently processed API requests.
	MaxInFlight int `yaml:"max_in_flight"`

	// DefaultCPU / DefaultMemoryMB apply when a create request leaves the
	// resource unspecified.
	DefaultCPU      float64 `yaml:"default_cpu"`
	DefaultMemoryMB int     `yaml:"default_memory_mb"`

	// LogLevel selects the zap level: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Load builds the configuration. A .env file in the working directory is
// honored if present; OPENPORTAL_CONFIG may point at a YAML file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("OPENPORTAL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.RegistryPath == "" {
		cfg.RegistryPath = filepath.Join(cfg.DataDir, "registry.json")
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.DataDir, "workspaces")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:         ":8080",
		DataDir:            "/data",
		SandboxImage:       "openportal-sandbox:latest",
		SnapshotRepository: "openportal/snapshots",
		ServiceBinary:      "opencode",
		ServicePort:        4096,
		SandboxTimeout:     24 * time.Hour,
		MaxInFlight:        10,
		DefaultCPU:         4,
		DefaultMemoryMB:    8192,
		LogLevel:           "info",
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "OPENPORTAL_LISTEN_ADDR")
	setString(&cfg.DataDir, "OPENPORTAL_DATA_DIR")
	setString(&cfg.RegistryPath, "OPENPORTAL_REGISTRY_PATH")
	setString(&cfg.WorkspaceRoot, "OPENPORTAL_WORKSPACE_ROOT")
	setString(&cfg.SandboxImage, "OPENPORTAL_SANDBOX_IMAGE")
	setString(&cfg.SnapshotRepository, "OPENPORTAL_SNAPSHOT_REPOSITORY")
	setString(&cfg.ServiceBinary, "OPENPORTAL_SERVICE_BINARY")
	setInt(&cfg.ServicePort, "OPENPORTAL_SERVICE_PORT")
	setDuration(&cfg.SandboxTimeout, "OPENPORTAL_SANDBOX_TIMEOUT")
	setInt(&cfg.MaxInFlight, "OPENPORTAL_MAX_IN_FLIGHT")
	setFloat(&cfg.DefaultCPU, "OPENPORTAL_DEFAULT_CPU")
	setInt(&cfg.DefaultMemoryMB, "OPENPORTAL_DEFAULT_MEMORY_MB")
	setString(&cfg.LogLevel, "OPENPORTAL_LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.ServicePort <= 0 || c.ServicePort > 65535 {
		return fmt.Errorf("invalid service port %d", c.ServicePort)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("max in-flight requests must be positive, got %d", c.MaxInFlight)
	}
	if c.DefaultCPU <= 0 {
		return fmt.Errorf("default cpu must be positive, got %v", c.DefaultCPU)
	}
	if c.DefaultMemoryMB <= 0 {
		return fmt.Errorf("default memory must be positive, got %d", c.DefaultMemoryMB)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
