package config

import (
	"errors"
	"fmt"
)

// Validation sentinels.
var (
	ErrNoForgeConfigured = errors.New("no forge section configured for task_source")
	ErrNoLLMProvider     = errors.New("llm provider not found in providers map")
)

// Validate checks cross-section coherence. Defaults guarantee every section
// is present, so validation focuses on values.
func (c *Config) Validate() error {
	if c.TaskSource != PlatformGitHub && c.TaskSource != PlatformGitLab {
		return fmt.Errorf("task_source must be %q or %q, got %q",
			PlatformGitHub, PlatformGitLab, c.TaskSource)
	}
	if c.Forge() == nil {
		return ErrNoForgeConfigured
	}

	forge := c.Forge()
	if forge.BotLabel == "" || forge.ProcessingLabel == "" {
		return fmt.Errorf("forge labels bot_label and processing_label are required")
	}
	if forge.BotLabel == forge.ProcessingLabel {
		return fmt.Errorf("bot_label and processing_label must differ")
	}

	if c.LLM.Active() == nil {
		return fmt.Errorf("%w: %q", ErrNoLLMProvider, c.LLM.Provider)
	}
	if p := c.LLM.Active(); p.ContextLength <= 0 {
		return fmt.Errorf("llm context_length must be positive, got %d", p.ContextLength)
	}

	if c.ContextStorage.CompressionThreshold <= 0 || c.ContextStorage.CompressionThreshold > 1 {
		return fmt.Errorf("compression_threshold must be in (0, 1], got %g",
			c.ContextStorage.CompressionThreshold)
	}
	if c.ContextStorage.RetainedTail < 0 {
		return fmt.Errorf("retained_tail must be non-negative, got %d",
			c.ContextStorage.RetainedTail)
	}
	if c.ContextStorage.BaseDir == "" {
		return fmt.Errorf("context_storage base_dir is required")
	}

	if c.MaxLLMProcessNum <= 0 {
		return fmt.Errorf("max_llm_process_num must be positive, got %d", c.MaxLLMProcessNum)
	}

	if c.Planning.Enabled {
		if c.Planning.Revision.MaxRevisions < 0 {
			return fmt.Errorf("planning max_revisions must be non-negative")
		}
		if c.Planning.Reflection.TriggerInterval <= 0 {
			return fmt.Errorf("planning reflection trigger_interval must be positive")
		}
	}

	for id, server := range c.MCPServers {
		if err := server.Transport.Validate(); err != nil {
			return fmt.Errorf("mcp server %q: %w", id, err)
		}
	}

	return nil
}
