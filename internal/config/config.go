package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/aqueduct/internal/logger"
)

// ServerConfig configures the HTTP transport and the callback URL handed to
// extension processes.
type ServerConfig struct {
	Host string
	Port int

	// URL is injected into action processes as aqueduct_url. Derived from
	// host and port when empty.
	URL string

	// Key is injected as aqueduct_key when non-empty.
	Key string

	urlSet bool
}

// ExecutionConfig bounds action processes and the worker pool.
type ExecutionConfig struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxConcurrency int
	QueueSize      int
	Shell          string
	KillGrace      time.Duration
}

// EnvironmentConfig configures interpreter environment provisioning.
type EnvironmentConfig struct {
	// Interpreter is the base interpreter used to create environments.
	Interpreter      string
	ProvisionTimeout time.Duration
}

// RegistryConfig configures extension discovery.
type RegistryConfig struct {
	Manifest string
	// CacheTTL bounds listing staleness; 0 disables caching.
	CacheTTL time.Duration
}

// TasksConfig configures the task index.
type TasksConfig struct {
	MaxPageSize int
}

// Config represents aqueduct configuration options
type Config struct {
	// Home is the directory relative paths are resolved against.
	Home string

	ExtensionsDir  string
	ExperimentsDir string
	DBPath         string

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string
	LogDir   string

	Server      ServerConfig
	Execution   ExecutionConfig
	Environment EnvironmentConfig
	Registry    RegistryConfig
	Tasks       TasksConfig
}

// DefaultConfig returns a Config with default values rooted at home.
func DefaultConfig(home string) *Config {
	cfg := &Config{
		Home:           home,
		ExtensionsDir:  "extensions",
		ExperimentsDir: "experiments",
		DBPath:         "aqueduct.db",
		LogLevel:       "info",
		LogDir:         "logs",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Execution: ExecutionConfig{
			DefaultTimeout: 60 * time.Second,
			MaxTimeout:     600 * time.Second,
			MaxConcurrency: 4,
			QueueSize:      64,
			Shell:          "sh",
			KillGrace:      5 * time.Second,
		},
		Environment: EnvironmentConfig{
			Interpreter:      "python3",
			ProvisionTimeout: 10 * time.Minute,
		},
		Registry: RegistryConfig{
			Manifest: "extension.yaml",
		},
		Tasks: TasksConfig{
			MaxPageSize: 100,
		},
	}
	cfg.finalize()
	return cfg
}

type yamlServer struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
	URL  *string `yaml:"url"`
	Key  *string `yaml:"key"`
}

type yamlExecution struct {
	DefaultTimeout string `yaml:"default_timeout"`
	MaxTimeout     string `yaml:"max_timeout"`
	MaxConcurrency *int   `yaml:"max_concurrency"`
	QueueSize      *int   `yaml:"queue_size"`
	Shell          string `yaml:"shell"`
	KillGrace      string `yaml:"kill_grace"`
}

type yamlEnvironment struct {
	Interpreter      string `yaml:"interpreter"`
	ProvisionTimeout string `yaml:"provision_timeout"`
}

type yamlRegistry struct {
	Manifest string `yaml:"manifest"`
	CacheTTL string `yaml:"cache_ttl"`
}

// yamlConfig mirrors the file layout; durations are strings so they can be
// written as "90s" or "10m".
type yamlConfig struct {
	ExtensionsDir  string          `yaml:"extensions_dir"`
	ExperimentsDir string          `yaml:"experiments_dir"`
	DBPath         string          `yaml:"db_path"`
	LogLevel       string          `yaml:"log_level"`
	LogDir         string          `yaml:"log_dir"`
	Server         yamlServer      `yaml:"server"`
	Execution      yamlExecution   `yaml:"execution"`
	Environment    yamlEnvironment `yaml:"environment"`
	Registry       yamlRegistry    `yaml:"registry"`
	Tasks          struct {
		MaxPageSize *int `yaml:"max_page_size"`
	} `yaml:"tasks"`
}

// LoadConfig loads configuration from path, rooted at home.
// An empty path means <home>/config.yaml.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(home, path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(home, "config.yaml")
	}

	cfg := DefaultConfig(home)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw yamlConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.apply(&raw); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	cfg.finalize()
	return cfg, nil
}

// apply merges non-zero values from the file over the defaults.
func (c *Config) apply(raw *yamlConfig) error {
	setString(&c.ExtensionsDir, raw.ExtensionsDir)
	setString(&c.ExperimentsDir, raw.ExperimentsDir)
	setString(&c.DBPath, raw.DBPath)
	setString(&c.LogLevel, raw.LogLevel)
	setString(&c.LogDir, raw.LogDir)

	if raw.Server.Host != nil {
		c.Server.Host = *raw.Server.Host
	}
	if raw.Server.Port != nil {
		c.Server.Port = *raw.Server.Port
	}
	if raw.Server.URL != nil && *raw.Server.URL != "" {
		c.Server.URL = *raw.Server.URL
		c.Server.urlSet = true
	}
	if raw.Server.Key != nil {
		c.Server.Key = *raw.Server.Key
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"execution.default_timeout", raw.Execution.DefaultTimeout, &c.Execution.DefaultTimeout},
		{"execution.max_timeout", raw.Execution.MaxTimeout, &c.Execution.MaxTimeout},
		{"execution.kill_grace", raw.Execution.KillGrace, &c.Execution.KillGrace},
		{"environment.provision_timeout", raw.Environment.ProvisionTimeout, &c.Environment.ProvisionTimeout},
		{"registry.cache_ttl", raw.Registry.CacheTTL, &c.Registry.CacheTTL},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
		*d.dst = v
	}

	if raw.Execution.MaxConcurrency != nil {
		c.Execution.MaxConcurrency = *raw.Execution.MaxConcurrency
	}
	if raw.Execution.QueueSize != nil {
		c.Execution.QueueSize = *raw.Execution.QueueSize
	}
	setString(&c.Execution.Shell, raw.Execution.Shell)
	setString(&c.Environment.Interpreter, raw.Environment.Interpreter)
	setString(&c.Registry.Manifest, raw.Registry.Manifest)
	if raw.Tasks.MaxPageSize != nil {
		c.Tasks.MaxPageSize = *raw.Tasks.MaxPageSize
	}
	return nil
}

// finalize resolves paths against Home and derives the server URL.
func (c *Config) finalize() {
	c.ExtensionsDir = c.resolve(c.ExtensionsDir)
	c.ExperimentsDir = c.resolve(c.ExperimentsDir)
	c.DBPath = c.resolve(c.DBPath)
	c.LogDir = c.resolve(c.LogDir)
	if !c.Server.urlSet {
		c.Server.URL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
}

// FlagOverrides carries CLI flag values. Nil fields leave the configuration
// untouched.
type FlagOverrides struct {
	ExtensionsDir  *string
	ExperimentsDir *string
	DBPath         *string
	LogLevel       *string
	LogDir         *string
	Host           *string
	Port           *int
	MaxConcurrency *int
	DefaultTimeout *time.Duration
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(f FlagOverrides) {
	if f.ExtensionsDir != nil {
		c.ExtensionsDir = c.resolve(*f.ExtensionsDir)
	}
	if f.ExperimentsDir != nil {
		c.ExperimentsDir = c.resolve(*f.ExperimentsDir)
	}
	if f.DBPath != nil {
		c.DBPath = c.resolve(*f.DBPath)
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.LogDir != nil {
		c.LogDir = c.resolve(*f.LogDir)
	}
	hostChanged := false
	if f.Host != nil {
		c.Server.Host = *f.Host
		hostChanged = true
	}
	if f.Port != nil {
		c.Server.Port = *f.Port
		hostChanged = true
	}
	if hostChanged && !c.Server.urlSet {
		c.Server.URL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	if f.MaxConcurrency != nil {
		c.Execution.MaxConcurrency = *f.MaxConcurrency
	}
	if f.DefaultTimeout != nil {
		c.Execution.DefaultTimeout = *f.DefaultTimeout
	}
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	if !logger.IsValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}
	if c.ExtensionsDir == "" {
		return fmt.Errorf("extensions_dir cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}

	e := c.Execution
	if e.DefaultTimeout <= 0 {
		return fmt.Errorf("execution.default_timeout must be > 0, got %v", e.DefaultTimeout)
	}
	if e.MaxTimeout <= 0 {
		return fmt.Errorf("execution.max_timeout must be > 0, got %v", e.MaxTimeout)
	}
	if e.DefaultTimeout > e.MaxTimeout {
		return fmt.Errorf("execution.default_timeout (%v) exceeds execution.max_timeout (%v)", e.DefaultTimeout, e.MaxTimeout)
	}
	if e.MaxConcurrency <= 0 {
		return fmt.Errorf("execution.max_concurrency must be > 0, got %d", e.MaxConcurrency)
	}
	if e.QueueSize <= 0 {
		return fmt.Errorf("execution.queue_size must be > 0, got %d", e.QueueSize)
	}
	if e.Shell == "" {
		return fmt.Errorf("execution.shell cannot be empty")
	}
	if e.KillGrace <= 0 {
		return fmt.Errorf("execution.kill_grace must be > 0, got %v", e.KillGrace)
	}

	if c.Environment.Interpreter == "" {
		return fmt.Errorf("environment.interpreter cannot be empty")
	}
	if c.Environment.ProvisionTimeout <= 0 {
		return fmt.Errorf("environment.provision_timeout must be > 0, got %v", c.Environment.ProvisionTimeout)
	}
	if c.Registry.Manifest == "" {
		return fmt.Errorf("registry.manifest cannot be empty")
	}
	if c.Registry.CacheTTL < 0 {
		return fmt.Errorf("registry.cache_ttl must be >= 0, got %v", c.Registry.CacheTTL)
	}
	if c.Tasks.MaxPageSize <= 0 {
		return fmt.Errorf("tasks.max_page_size must be > 0, got %d", c.Tasks.MaxPageSize)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
