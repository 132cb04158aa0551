package config

import "time"

// ContextStorageConfig controls the per-task on-disk context store and the
// conversation compressor.
type ContextStorageConfig struct {
	// Enabled selects the Context-Storage strategy. When false the handler
	// falls back to the in-memory Legacy strategy.
	Enabled bool `yaml:"enabled"`

	// BaseDir is the root holding running/, paused/, completed/, tasks.db,
	// the pause signal file, and healthcheck files.
	BaseDir string `yaml:"base_dir"`

	// CompressionThreshold is the fraction of the model context window at
	// which summarization triggers.
	CompressionThreshold float64 `yaml:"compression_threshold"`

	// RetainedTail is the number of most-recent user/assistant/tool messages
	// carried forward verbatim across a compression rewrite.
	RetainedTail int `yaml:"retained_tail"`

	// CleanupDays is the retention for completed context directories and
	// their tasks.db rows.
	CleanupDays int `yaml:"cleanup_days"`

	// SummaryPrompt is the template prepended to the conversation rendering
	// for the one-shot summarization call.
	SummaryPrompt string `yaml:"summary_prompt"`
}

// DefaultContextStorageConfig returns the built-in context-store defaults.
func DefaultContextStorageConfig() *ContextStorageConfig {
	return &ContextStorageConfig{
		Enabled:              true,
		BaseDir:              "contexts",
		CompressionThreshold: 0.7,
		RetainedTail:         5,
		CleanupDays:          30,
		SummaryPrompt: "Summarize the conversation below, preserving every decision, " +
			"file path, command, and unresolved question. Be concise but lossless " +
			"about task-relevant facts.",
	}
}

// PauseResumeConfig controls the fleetwide pause signal.
type PauseResumeConfig struct {
	Enabled bool `yaml:"enabled"`

	// SignalFile overrides the pause-signal path. Empty means
	// <base_dir>/pause_signal.
	SignalFile string `yaml:"signal_file"`

	// CheckIntervalSeconds paces pause polling inside long sleeps.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	// PausedTaskExpiryDays is how long a paused context survives before the
	// retention sweeper abandons it.
	PausedTaskExpiryDays int `yaml:"paused_task_expiry_days"`
}

// CheckInterval returns the pause polling cadence as a duration.
func (c *PauseResumeConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// DefaultPauseResumeConfig returns the built-in pause defaults.
func DefaultPauseResumeConfig() *PauseResumeConfig {
	return &PauseResumeConfig{
		Enabled:              true,
		CheckIntervalSeconds: 1,
		PausedTaskExpiryDays: 14,
	}
}

// TaskStopConfig controls stop-on-unassign.
type TaskStopConfig struct {
	Enabled bool `yaml:"enabled"`

	// MinCheckIntervalSeconds rate-limits assignee fetches from the forge.
	MinCheckIntervalSeconds int `yaml:"min_check_interval_seconds"`

	// CleanupContext deletes the running context directory on stop instead
	// of archiving it under completed/.
	CleanupContext bool `yaml:"cleanup_context"`

	APIRetry APIRetryConfig `yaml:"api_retry"`
}

// MinCheckInterval returns the assignee-fetch rate limit as a duration.
func (c *TaskStopConfig) MinCheckInterval() time.Duration {
	return time.Duration(c.MinCheckIntervalSeconds) * time.Second
}

// APIRetryConfig shapes the exponential backoff used for forge calls made
// from signal managers.
type APIRetryConfig struct {
	MaxRetries          int     `yaml:"max_retries"`
	InitialDelaySeconds int     `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     int     `yaml:"max_delay_seconds"`
	ExponentialBase     float64 `yaml:"exponential_base"`
}

// InitialDelay returns the first backoff delay as a duration.
func (c APIRetryConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

// MaxDelay returns the backoff ceiling as a duration.
func (c APIRetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// DefaultTaskStopConfig returns the built-in stop defaults.
func DefaultTaskStopConfig() *TaskStopConfig {
	return &TaskStopConfig{
		Enabled:                 true,
		MinCheckIntervalSeconds: 30,
		CleanupContext:          false,
		APIRetry: APIRetryConfig{
			MaxRetries:          3,
			InitialDelaySeconds: 1,
			MaxDelaySeconds:     30,
			ExponentialBase:     2.0,
		},
	}
}

// CommentDetectionConfig controls mid-task comment injection.
type CommentDetectionConfig struct {
	Enabled bool `yaml:"enabled"`

	// BotUsername filters out the agent's own comments. Empty falls back to
	// the forge section's bot_name.
	BotUsername string `yaml:"bot_username"`

	// CheckIntervalSeconds rate-limits comment-list fetches.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// CheckInterval returns the comment-fetch rate limit as a duration.
func (c *CommentDetectionConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// DefaultCommentDetectionConfig returns the built-in comment-detection defaults.
func DefaultCommentDetectionConfig() *CommentDetectionConfig {
	return &CommentDetectionConfig{
		Enabled:              true,
		CheckIntervalSeconds: 30,
	}
}
