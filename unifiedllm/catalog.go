package unifiedllm

import "slices"

// ModelInfo is one entry of the model catalog.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output,omitempty"`
	SupportsTools bool     `json:"supports_tools"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in model catalog. Within a provider, entries are
// ordered best first.
var Models = []ModelInfo{
	// Anthropic
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384, SupportsTools: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192, SupportsTools: true,
		Aliases: []string{"haiku", "claude-haiku"},
	},

	// OpenAI
	{
		ID: "gpt-4.1", Provider: "openai", DisplayName: "GPT-4.1",
		ContextWindow: 1047576, MaxOutput: 32768, SupportsTools: true,
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutput: 16384, SupportsTools: true,
		Aliases: []string{"4o-mini"},
	},

	// Gemini
	{
		ID: "gemini-2.5-pro", Provider: "gemini", DisplayName: "Gemini 2.5 Pro",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true,
		Aliases: []string{"gemini-pro"},
	},
	{
		ID: "gemini-2.5-flash", Provider: "gemini", DisplayName: "Gemini 2.5 Flash",
		ContextWindow: 1048576, MaxOutput: 65536, SupportsTools: true,
		Aliases: []string{"gemini-flash"},
	},

	// Ollama
	{
		ID: "qwen2.5-coder:14b", Provider: "ollama", DisplayName: "Qwen2.5 Coder 14B",
		ContextWindow: 32768, SupportsTools: true,
		Aliases: []string{"qwen2.5-coder"},
	},
	{
		ID: "llama3.1:8b", Provider: "ollama", DisplayName: "Llama 3.1 8B",
		ContextWindow: 131072, SupportsTools: true,
		Aliases: []string{"llama3.1"},
	},
}

// Matches reports whether name is the model's ID or one of its aliases.
func (m ModelInfo) Matches(name string) bool {
	return m.ID == name || slices.Contains(m.Aliases, name)
}

// Supports reports whether the model has capability. The empty capability
// is always supported; "tools" is the only other one tracked.
func (m ModelInfo) Supports(capability string) bool {
	switch capability {
	case "":
		return true
	case "tools":
		return m.SupportsTools
	default:
		return false
	}
}

func findModel(match func(ModelInfo) bool) *ModelInfo {
	if i := slices.IndexFunc(Models, match); i >= 0 {
		return &Models[i]
	}
	return nil
}

// GetModelInfo looks a model up by ID or alias. It returns nil for models
// outside the catalog.
func GetModelInfo(name string) *ModelInfo {
	return findModel(func(m ModelInfo) bool { return m.Matches(name) })
}

// ListModels returns a copy of the catalog, limited to provider unless it
// is empty.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		return slices.Clone(Models)
	}
	return slices.DeleteFunc(slices.Clone(Models), func(m ModelInfo) bool {
		return m.Provider != provider
	})
}

// GetLatestModel returns the provider's best model with capability.
func GetLatestModel(provider, capability string) *ModelInfo {
	return findModel(func(m ModelInfo) bool {
		return m.Provider == provider && m.Supports(capability)
	})
}

// ContextWindow returns the context size of a known model, or zero.
func ContextWindow(name string) int {
	if info := GetModelInfo(name); info != nil {
		return info.ContextWindow
	}
	return 0
}
