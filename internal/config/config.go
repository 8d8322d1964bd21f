// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/loom/internal/backoff"
	"github.com/haasonsaas/loom/internal/bedrock"
	"github.com/haasonsaas/loom/internal/mcp"
	"github.com/haasonsaas/loom/internal/memory"
)

// Config is the root configuration structure.
type Config struct {
	Model     ModelConfig              `yaml:"model"`
	Agent     AgentConfig              `yaml:"agent"`
	Inference bedrock.Inference        `yaml:"inference"`
	Guardrail *bedrock.GuardrailConfig `yaml:"guardrail"`
	Memory    MemoryConfig             `yaml:"memory"`
	Retry     RetryConfig              `yaml:"retry"`
	MCP       MCPConfig                `yaml:"mcp"`
	Logging   LoggingConfig            `yaml:"logging"`
}

// ModelConfig selects the Bedrock model and AWS credentials. Credential
// fields are usually populated through ${ENV_VAR} expansion; when empty the
// default AWS credential chain applies.
type ModelConfig struct {
	Region          string `yaml:"region"`
	ModelID         string `yaml:"model_id"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// AgentConfig tunes turn execution.
type AgentConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	StreamTimeout     time.Duration `yaml:"stream_timeout"`
	SessionID         string        `yaml:"session_id"`
}

// MemoryConfig bounds the in-memory conversation buffer.
type MemoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxTokens   int `yaml:"max_tokens"`
}

// RetryConfig tunes model-call retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// MCPConfig lists remote tool servers.
type MCPConfig struct {
	Servers []mcp.ServerConfig `yaml:"servers"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a configuration with all defaults applied and no MCP
// servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, expands ${ENV_VAR} references, applies
// defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Model.Region == "" {
		c.Model.Region = "us-east-1"
	}
	if c.Agent.MaxToolIterations <= 0 {
		c.Agent.MaxToolIterations = 10
	}
	if c.Agent.StreamTimeout <= 0 {
		c.Agent.StreamTimeout = 5 * time.Minute
	}
	if c.Memory.MaxMessages <= 0 {
		c.Memory.MaxMessages = 50
	}
	if c.Memory.MaxTokens <= 0 {
		c.Memory.MaxTokens = 4000
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks ranges and every MCP server config.
func (c *Config) Validate() error {
	if c.Inference.Temperature != nil {
		if t := *c.Inference.Temperature; t < 0 || t > 1 {
			return fmt.Errorf("inference.temperature %v out of range [0, 1]", t)
		}
	}
	if c.Inference.TopP != nil {
		if p := *c.Inference.TopP; p < 0 || p > 1 {
			return fmt.Errorf("inference.top_p %v out of range [0, 1]", p)
		}
	}
	if c.Inference.MaxTokens < 0 {
		return fmt.Errorf("inference.max_tokens must not be negative")
	}
	if c.Guardrail != nil {
		if c.Guardrail.ID == "" || c.Guardrail.Version == "" {
			return fmt.Errorf("guardrail requires both id and version")
		}
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay %v exceeds retry.max_delay %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q must be json or text", c.Logging.Format)
	}

	names := make(map[string]bool, len(c.MCP.Servers))
	for i := range c.MCP.Servers {
		server := &c.MCP.Servers[i]
		if err := server.Validate(); err != nil {
			return fmt.Errorf("mcp.servers[%d]: %w", i, err)
		}
		if names[server.Name] {
			return fmt.Errorf("mcp.servers: duplicate name %q", server.Name)
		}
		names[server.Name] = true
	}
	return nil
}

// BedrockConfig maps the model section onto the client config.
func (c *Config) BedrockConfig() bedrock.Config {
	return bedrock.Config{
		Region:          c.Model.Region,
		ModelID:         c.Model.ModelID,
		AccessKeyID:     c.Model.AccessKeyID,
		SecretAccessKey: c.Model.SecretAccessKey,
		SessionToken:    c.Model.SessionToken,
	}
}

// RetryPolicy maps the retry section onto a backoff policy.
func (c *Config) RetryPolicy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		MaxRetries: c.Retry.MaxRetries,
	}
}

// MemoryLimits maps the memory section onto store limits.
func (c *Config) MemoryLimits() memory.Limits {
	return memory.Limits{
		MaxMessages: c.Memory.MaxMessages,
		MaxTokens:   c.Memory.MaxTokens,
	}
}
