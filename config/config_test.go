package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME at an empty directory so a developer's own config
// file does not leak into tests.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "codeloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleYAML = `
llm:
  provider: gemini
  model: gemini-2.5-flash
agent:
  max_steps: 7
  enable_stall: true
sandbox:
  command_timeout: 5s
`

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadLayers(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, sampleYAML)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, 7, cfg.Agent.MaxSteps)
	assert.True(t, cfg.Agent.EnableStall)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.CommandTimeout)
	assert.Equal(t, Default().Sandbox.CodeTimeout, cfg.Sandbox.CodeTimeout, "unset keys keep defaults")

	t.Setenv("CODELOOP_AGENT_MAX_STEPS", "9")
	t.Setenv("CODELOOP_LLM_TIMEOUT", "45s")
	cfg, err = Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Agent.MaxSteps, "env beats file")
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)

	flags := pflag.NewFlagSet("codeloop", pflag.ContinueOnError)
	flags.Int("max-steps", 0, "")
	flags.String("model", "", "")
	require.NoError(t, flags.Parse([]string{"--max-steps", "11"}))
	cfg, err = Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.Agent.MaxSteps, "flag beats env")
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model, "unset flag does not override file")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.yaml")
}

func TestLoadFindsHomeConfig(t *testing.T) {
	home := isolate(t)
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "codeloop", "config.yaml"), path)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0o644))

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLM.Provider)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"llm.provider", func(c *Config) { c.LLM.Provider = " " }},
		{"llm.temperature", func(c *Config) { c.LLM.Temperature = 3 }},
		{"llm.max_retries", func(c *Config) { c.LLM.MaxRetries = -1 }},
		{"agent.max_steps", func(c *Config) { c.Agent.MaxSteps = 0 }},
		{"agent.max_malformed_retries", func(c *Config) { c.Agent.MaxMalformedRetries = -2 }},
		{"sandbox.command_timeout", func(c *Config) { c.Sandbox.CommandTimeout = 0 }},
		{"sandbox.code_timeout", func(c *Config) { c.Sandbox.CodeTimeout = -time.Second }},
		{"server.port", func(c *Config) { c.Server.Port = 70000 }},
		{"log.level", func(c *Config) { c.Log.Level = "loud" }},
		{"log.format", func(c *Config) { c.Log.Format = "xml" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "agent:\n  max_steps: 0\n")
	_, err := Load(path, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "agent.max_steps", verr.Field)
}

func TestWriteDefault(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefault(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provider: ollama")
	assert.Contains(t, string(data), "command_timeout: 1m0s")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	err = WriteDefault(path)
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestDerivedSettings(t *testing.T) {
	cfg := Default()
	cfg.LLM.Model = "llama3.1:8b"
	cfg.LLM.MaxRetries = 1
	cfg.Agent.MaxSteps = 12

	pc := cfg.ProviderConfig()
	assert.Equal(t, "ollama", pc.Name)
	assert.Equal(t, 131072, pc.ContextWindow)
	require.NotNil(t, pc.Temperature)
	assert.Equal(t, 0.2, *pc.Temperature)

	assert.Equal(t, 1, cfg.RetryPolicy().MaxRetries)

	mc := cfg.MachineConfig()
	assert.Equal(t, 12, mc.MaxSteps)
	assert.Equal(t, 3, mc.MaxMalformedRetries)
	assert.Equal(t, 2*time.Minute, mc.LLMTimeout)
	assert.Equal(t, 131072, mc.ContextWindow)

	assert.Equal(t, "localhost:8080", cfg.Addr())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("tool", "read_file").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"tool":"read_file"`)
	assert.Contains(t, out, `"message":"shown"`)
}
