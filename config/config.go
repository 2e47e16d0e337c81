// Package config provides configuration loading and management for Studio.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/studio-ai/studio/monitor"
)

// Config represents the complete Studio configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Model     ModelConfig     `yaml:"model"`
	NATS      NATSConfig      `yaml:"nats"`
	Engine    EngineConfig    `yaml:"engine"`
	Operator  OperatorConfig  `yaml:"operator"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Monitor   monitor.Config  `yaml:"monitor"`
	Agents    AgentsConfig    `yaml:"agents"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelConfig configures the LLM endpoint settings
type ModelConfig struct {
	// Provider selects the endpoint dialect ("openai" or "ollama")
	Provider string `yaml:"provider"`
	// Default is the default model to use (e.g., "qwen2.5-coder:32b")
	Default string `yaml:"default"`
	// Endpoint is the OpenAI-compatible API endpoint
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
	// Temperature controls randomness (0.0-1.0, default: 0.2)
	Temperature float64 `yaml:"temperature"`
	// Timeout is the maximum time to wait for model responses
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds retries of transient call failures
	MaxRetries int `yaml:"max_retries"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// EngineConfig configures workflow execution
type EngineConfig struct {
	// MaxConcurrency caps simultaneously running leaf steps per thread
	MaxConcurrency int `yaml:"max_concurrency"`
}

// OperatorConfig configures response assessment
type OperatorConfig struct {
	// Enabled turns LLM verdict assessment on
	Enabled bool `yaml:"enabled"`
	// Model overrides the default model for assessments
	Model string `yaml:"model"`
}

// ApprovalsConfig configures the approval lifecycle
type ApprovalsConfig struct {
	// SweepInterval is how often expired approvals are processed
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// DefaultTimeout applies when a human step sets no timeout
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// AgentsConfig configures agent definition loading
type AgentsConfig struct {
	// Dir holds the agent YAML files (default: "agents")
	Dir string `yaml:"dir"`
	// Watch reloads agent definitions when files change
	Watch bool `yaml:"watch"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Model: ModelConfig{
			Provider:    "openai",
			Default:     "qwen2.5-coder:32b",
			Endpoint:    "http://localhost:11434/v1",
			APIKeyEnv:   "STUDIO_API_KEY",
			Temperature: 0.2,
			Timeout:     5 * time.Minute,
			MaxRetries:  2,
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Engine: EngineConfig{
			MaxConcurrency: 8,
		},
		Operator: OperatorConfig{
			Enabled: true,
		},
		Approvals: ApprovalsConfig{
			SweepInterval:  30 * time.Second,
			DefaultTimeout: time.Hour,
		},
		Monitor: monitor.Config{
			ScanInterval: monitor.DefaultScanInterval,
			Staleness:    monitor.DefaultStaleness,
			MaxAttempts:  monitor.DefaultMaxAttempts,
		},
		Agents: AgentsConfig{
			Dir:   "agents",
			Watch: true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Model.Default == "" {
		return fmt.Errorf("model.default is required")
	}
	if c.Model.Endpoint == "" {
		return fmt.Errorf("model.endpoint is required")
	}
	if c.Model.Provider != "openai" && c.Model.Provider != "ollama" {
		return fmt.Errorf("model.provider must be openai or ollama")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be >= 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.ShutdownTimeout != 0 {
		c.Server.ShutdownTimeout = other.Server.ShutdownTimeout
	}

	// Model
	if other.Model.Provider != "" {
		c.Model.Provider = other.Model.Provider
	}
	if other.Model.Default != "" {
		c.Model.Default = other.Model.Default
	}
	if other.Model.Endpoint != "" {
		c.Model.Endpoint = other.Model.Endpoint
	}
	if other.Model.APIKeyEnv != "" {
		c.Model.APIKeyEnv = other.Model.APIKeyEnv
	}
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}
	if other.Model.MaxRetries != 0 {
		c.Model.MaxRetries = other.Model.MaxRetries
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// Engine
	if other.Engine.MaxConcurrency != 0 {
		c.Engine.MaxConcurrency = other.Engine.MaxConcurrency
	}

	// Operator
	if other.Operator.Model != "" {
		c.Operator.Model = other.Operator.Model
	}

	// Approvals
	if other.Approvals.SweepInterval != 0 {
		c.Approvals.SweepInterval = other.Approvals.SweepInterval
	}
	if other.Approvals.DefaultTimeout != 0 {
		c.Approvals.DefaultTimeout = other.Approvals.DefaultTimeout
	}

	// Monitor
	if other.Monitor.ScanInterval != 0 {
		c.Monitor.ScanInterval = other.Monitor.ScanInterval
	}
	if other.Monitor.Staleness != 0 {
		c.Monitor.Staleness = other.Monitor.Staleness
	}
	if other.Monitor.MaxAttempts != 0 {
		c.Monitor.MaxAttempts = other.Monitor.MaxAttempts
	}

	// Agents
	if other.Agents.Dir != "" {
		c.Agents.Dir = other.Agents.Dir
	}
}
