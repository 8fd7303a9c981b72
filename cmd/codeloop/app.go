package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/martinemde/codeloop/agentloop"
	"github.com/martinemde/codeloop/config"
	"github.com/martinemde/codeloop/sandbox"
	"github.com/martinemde/codeloop/unifiedllm"
)

// application holds the wired components shared by every mode.
type application struct {
	machine    *agentloop.Machine
	llm        *unifiedllm.Client
	model      string
	workingDir string
}

func newApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	workingDir, err := resolveWorkingDir(cfg.Agent.WorkingDir)
	if err != nil {
		return nil, err
	}

	if cfg.LLM.Model == "" {
		latest := unifiedllm.GetLatestModel(cfg.LLM.Provider, "tools")
		if latest == nil {
			return nil, fmt.Errorf("no model configured for provider %s", cfg.LLM.Provider)
		}
		cfg.LLM.Model = latest.ID
	}

	adapter, err := unifiedllm.NewAdapter(ctx, cfg.ProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create llm adapter: %w", err)
	}
	llm := unifiedllm.NewClient(
		unifiedllm.WithProvider(adapter.Name(), adapter),
		unifiedllm.WithDefaultProvider(adapter.Name()),
		unifiedllm.WithMiddleware(
			unifiedllm.LoggingMiddleware(logger),
			unifiedllm.RetryMiddleware(cfg.RetryPolicy(), logger),
		),
	)

	executor := sandbox.New(cfg.SandboxOptions(workingDir, logger)...)
	registry := agentloop.NewToolRegistry()
	err = agentloop.RegisterCoreTools(registry, agentloop.NewWorkspace(workingDir), executor,
		agentloop.CoreToolsOptions{EnableStall: cfg.Agent.EnableStall})
	if err != nil {
		_ = llm.Close()
		return nil, err
	}

	systemPrompt := agentloop.BuildSystemPrompt(agentloop.PromptContext{
		Base:       cfg.Agent.SystemPrompt,
		WorkingDir: workingDir,
		Model:      cfg.LLM.Model,
		Tools:      registry.Names(),
	})
	temperature := cfg.LLM.Temperature
	maxTokens := cfg.LLM.MaxTokens
	client := agentloop.NewUnifiedClient(llm, cfg.LLM.Model,
		agentloop.WithSystemPrompt(systemPrompt),
		agentloop.WithProviderName(adapter.Name()),
		agentloop.WithSampling(&temperature, &maxTokens),
		agentloop.WithClientLogger(logger),
	)

	dispatcher := agentloop.NewDispatcher(registry,
		agentloop.WithToolTimeout(cfg.Agent.ToolTimeout),
		agentloop.WithDispatcherLogger(logger),
	)
	machine := agentloop.NewMachine(client, dispatcher, agentloop.NewSessionStore(),
		agentloop.WithConfig(cfg.MachineConfig()),
		agentloop.WithMachineLogger(logger),
	)

	logger.Debug().
		Str("provider", adapter.Name()).
		Str("model", cfg.LLM.Model).
		Str("working_dir", workingDir).
		Strs("tools", registry.Names()).
		Msg("agent ready")

	return &application{
		machine:    machine,
		llm:        llm,
		model:      cfg.LLM.Model,
		workingDir: workingDir,
	}, nil
}

func (a *application) Close() error {
	return a.llm.Close()
}

func resolveWorkingDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}
