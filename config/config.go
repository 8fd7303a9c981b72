// Package config loads codeloop settings. Values are layered: built-in
// defaults, then the YAML config file, then CODELOOP_* environment
// variables, then command line flags.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/codeloop/agentloop"
	"github.com/martinemde/codeloop/sandbox"
	"github.com/martinemde/codeloop/unifiedllm"
)

const (
	envPrefix         = "CODELOOP"
	defaultConfigName = "codeloop"
	defaultConfigDir  = ".config/codeloop"
	defaultConfigFile = "config.yaml"
)

// Config holds the complete configuration.
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string        `mapstructure:"base_url" yaml:"base_url"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AgentConfig bounds the conversation loop.
type AgentConfig struct {
	MaxSteps            int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxMalformedRetries int           `mapstructure:"max_malformed_retries" yaml:"max_malformed_retries"`
	ToolTimeout         time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	LoopDetectionWindow int           `mapstructure:"loop_detection_window" yaml:"loop_detection_window"`
	EnableStall         bool          `mapstructure:"enable_stall" yaml:"enable_stall"`
	WorkingDir          string        `mapstructure:"working_dir" yaml:"working_dir"`
	SystemPrompt        string        `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// SandboxConfig limits command and code execution.
type SandboxConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	CodeTimeout    time.Duration `mapstructure:"code_timeout" yaml:"code_timeout"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" yaml:"max_output_bytes"`
}

// ServerConfig is the HTTP listener address.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    "ollama",
			Temperature: 0.2,
			MaxTokens:   4096,
			MaxRetries:  5,
			Timeout:     2 * time.Minute,
		},
		Agent: AgentConfig{
			MaxSteps:            25,
			MaxMalformedRetries: 3,
			ToolTimeout:         agentloop.DefaultToolTimeout,
			LoopDetectionWindow: 10,
		},
		Sandbox: SandboxConfig{
			CommandTimeout: sandbox.DefaultCommandTimeout,
			CodeTimeout:    sandbox.DefaultCodeTimeout,
			MaxOutputBytes: sandbox.DefaultMaxOutputBytes,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"provider":    "llm.provider",
	"model":       "llm.model",
	"api-key":     "llm.api_key",
	"base-url":    "llm.base_url",
	"max-steps":   "agent.max_steps",
	"working-dir": "agent.working_dir",
	"host":        "server.host",
	"port":        "server.port",
	"log-level":   "log.level",
}

// ValidationError reports an invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

// DefaultPath returns ~/.config/codeloop/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigDir, defaultConfigFile), nil
}

// Load reads the configuration. An explicit path must exist; without one,
// codeloop.yaml in the working directory and ~/.config/codeloop/config.yaml
// are tried and silently skipped when absent. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		path = findConfigFile()
		if path == "" {
			return nil
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// findConfigFile returns the first existing default config file, or "".
func findConfigFile() string {
	candidates := []string{defaultConfigName + ".yaml"}
	if p, err := DefaultPath(); err == nil {
		candidates = append(candidates, p)
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// setDefaults registers every field of cfg so that environment variables
// are consulted for keys the config file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("llm.provider", cfg.LLM.Provider)
	v.SetDefault("llm.model", cfg.LLM.Model)
	v.SetDefault("llm.api_key", cfg.LLM.APIKey)
	v.SetDefault("llm.base_url", cfg.LLM.BaseURL)
	v.SetDefault("llm.temperature", cfg.LLM.Temperature)
	v.SetDefault("llm.max_tokens", cfg.LLM.MaxTokens)
	v.SetDefault("llm.max_retries", cfg.LLM.MaxRetries)
	v.SetDefault("llm.timeout", cfg.LLM.Timeout)

	v.SetDefault("agent.max_steps", cfg.Agent.MaxSteps)
	v.SetDefault("agent.max_malformed_retries", cfg.Agent.MaxMalformedRetries)
	v.SetDefault("agent.tool_timeout", cfg.Agent.ToolTimeout)
	v.SetDefault("agent.loop_detection_window", cfg.Agent.LoopDetectionWindow)
	v.SetDefault("agent.enable_stall", cfg.Agent.EnableStall)
	v.SetDefault("agent.working_dir", cfg.Agent.WorkingDir)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)

	v.SetDefault("sandbox.command_timeout", cfg.Sandbox.CommandTimeout)
	v.SetDefault("sandbox.code_timeout", cfg.Sandbox.CodeTimeout)
	v.SetDefault("sandbox.max_output_bytes", cfg.Sandbox.MaxOutputBytes)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.LLM.Provider) == "":
		return &ValidationError{Field: "llm.provider", Message: "must not be empty"}
	case c.LLM.Temperature < 0 || c.LLM.Temperature > 2:
		return &ValidationError{Field: "llm.temperature", Message: "must be between 0 and 2"}
	case c.LLM.MaxRetries < 0:
		return &ValidationError{Field: "llm.max_retries", Message: "must not be negative"}
	case c.Agent.MaxSteps < 1:
		return &ValidationError{Field: "agent.max_steps", Message: "must be at least 1"}
	case c.Agent.MaxMalformedRetries < 0:
		return &ValidationError{Field: "agent.max_malformed_retries", Message: "must not be negative"}
	case c.Sandbox.CommandTimeout <= 0:
		return &ValidationError{Field: "sandbox.command_timeout", Message: "must be positive"}
	case c.Sandbox.CodeTimeout <= 0:
		return &ValidationError{Field: "sandbox.code_timeout", Message: "must be positive"}
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return &ValidationError{Field: "server.port", Message: "must be a valid TCP port"}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return &ValidationError{Field: "log.level", Message: err.Error()}
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return &ValidationError{Field: "log.format", Message: `must be "console" or "json"`}
	}
	return nil
}

// WriteDefault writes the default configuration to path as YAML, creating
// parent directories. An existing file is left untouched and reported with
// os.ErrExist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("write default config %s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ProviderConfig returns the adapter settings for the configured provider.
func (c *Config) ProviderConfig() unifiedllm.ProviderConfig {
	temperature := c.LLM.Temperature
	return unifiedllm.ProviderConfig{
		Name:          c.LLM.Provider,
		Model:         c.LLM.Model,
		APIKey:        c.LLM.APIKey,
		BaseURL:       c.LLM.BaseURL,
		ContextWindow: unifiedllm.ContextWindow(c.LLM.Model),
		MaxTokens:     c.LLM.MaxTokens,
		Temperature:   &temperature,
	}
}

// RetryPolicy returns the LLM retry policy.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	policy := unifiedllm.DefaultRetryPolicy()
	policy.MaxRetries = c.LLM.MaxRetries
	return policy
}

// MachineConfig returns the turn limits.
func (c *Config) MachineConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.MaxSteps = c.Agent.MaxSteps
	cfg.MaxMalformedRetries = c.Agent.MaxMalformedRetries
	cfg.LLMTimeout = c.LLM.Timeout
	cfg.LoopDetectionWindow = c.Agent.LoopDetectionWindow
	cfg.ContextWindow = unifiedllm.ContextWindow(c.LLM.Model)
	return cfg
}

// SandboxOptions returns the executor options.
func (c *Config) SandboxOptions(workingDir string, logger zerolog.Logger) []sandbox.Option {
	return []sandbox.Option{
		sandbox.WithWorkingDir(workingDir),
		sandbox.WithTimeouts(c.Sandbox.CommandTimeout, c.Sandbox.CodeTimeout),
		sandbox.WithMaxOutputBytes(c.Sandbox.MaxOutputBytes),
		sandbox.WithLogger(logger),
	}
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewLogger builds the process logger. Console output is for humans on a
// terminal; json is for log collectors.
func (l LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if l.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
