package config

// ForgeConfig identifies one forge (GitHub repository or GitLab project) and
// the label vocabulary the agent uses as its task state machine.
type ForgeConfig struct {
	// Owner is the GitHub org/user. Unused for GitLab.
	Owner string `yaml:"owner"`

	// Repo is the GitHub repository name or the GitLab project ID/path.
	Repo string `yaml:"repo"`

	// BotLabel is the trigger label users attach to request the agent.
	BotLabel string `yaml:"bot_label"`

	// ProcessingLabel marks a task currently being worked.
	ProcessingLabel string `yaml:"processing_label"`

	// DoneLabel marks a successfully finished task.
	DoneLabel string `yaml:"done_label"`

	// PausedLabel marks a task whose context sits under paused/.
	PausedLabel string `yaml:"paused_label"`

	// StoppedLabel marks a task terminated by unassigning the bot.
	StoppedLabel string `yaml:"stopped_label"`

	// Query is an extra search qualifier appended to the label filter.
	Query string `yaml:"query"`

	// BotName is the bot account login, used to recognize our own comments
	// and to detect unassignment.
	BotName string `yaml:"bot_name"`

	Token  string `yaml:"personal_access_token"`
	APIURL string `yaml:"api_url"`
}

// DefaultForgeConfig returns the built-in forge defaults. Labels follow the
// "coding agent" vocabulary; identity fields are deployment-specific and
// intentionally empty.
func DefaultForgeConfig() *ForgeConfig {
	return &ForgeConfig{
		BotLabel:        "coding agent",
		ProcessingLabel: "coding agent processing",
		DoneLabel:       "coding agent done",
		PausedLabel:     "coding agent paused",
		StoppedLabel:    "coding agent stopped",
	}
}
