package config

// LLMConfig selects the active provider and holds per-provider settings.
type LLMConfig struct {
	// Provider is the key into Providers for the active backend.
	Provider string `yaml:"provider"`

	// FunctionCalling enables native function-call declarations in requests.
	// When false the tool contract is carried entirely by the system prompt.
	FunctionCalling bool `yaml:"function_calling"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig describes one chat-completion backend.
type LLMProviderConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// ContextLength is the model context window in tokens. The compressor
	// triggers at ContextLength × compression_threshold.
	ContextLength int `yaml:"context_length"`

	// MaxToken bounds the completion size requested per call.
	MaxToken int `yaml:"max_token"`
}

// Active returns the provider section selected by Provider, or nil.
func (c *LLMConfig) Active() *LLMProviderConfig {
	if c == nil || c.Providers == nil {
		return nil
	}
	p, ok := c.Providers[c.Provider]
	if !ok {
		return nil
	}
	return &p
}

// DefaultLLMConfig returns the built-in LLM defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Provider:        "openai",
		FunctionCalling: true,
		Providers: map[string]LLMProviderConfig{
			"openai": {
				Model:         "gpt-4o",
				BaseURL:       "https://api.openai.com/v1",
				ContextLength: 128000,
				MaxToken:      4096,
			},
		},
	}
}
