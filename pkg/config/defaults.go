package config

// Default returns the complete built-in configuration. Every section is
// non-nil so callers never nil-check before reading a knob.
func Default() *Config {
	return &Config{
		TaskSource:       PlatformGitHub,
		GitHub:           DefaultForgeConfig(),
		GitLab:           DefaultForgeConfig(),
		LLM:              DefaultLLMConfig(),
		RabbitMQ:         DefaultRabbitMQConfig(),
		ContextStorage:   DefaultContextStorageConfig(),
		PauseResume:      DefaultPauseResumeConfig(),
		TaskStop:         DefaultTaskStopConfig(),
		CommentDetection: DefaultCommentDetectionConfig(),
		Planning:         DefaultPlanningConfig(),
		Continuous:       DefaultContinuousConfig(),
		MCPServers:       map[string]MCPServerConfig{},
		StatusAPI: &StatusAPIConfig{
			Enabled:    false,
			ListenAddr: ":8080",
		},
		UserConfig: &UserConfigConfig{
			Enabled:         false,
			CacheTTLSeconds: 300,
			TimeoutSeconds:  10,
		},
		IssueConversion:  &IssueConversionConfig{Enabled: false},
		MaxLLMProcessNum: 1000,
	}
}
