// Package config loads and validates the drover YAML configuration.
//
// Precedence, highest first: environment variable overrides, values from the
// YAML file named by CONFIG_FILE (default "config.yaml"), built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Platform identifies the forge a deployment targets.
type Platform string

// Supported forge platforms.
const (
	PlatformGitHub Platform = "github"
	PlatformGitLab Platform = "gitlab"
)

// Config is the root configuration for both producer and consumer processes.
type Config struct {
	// TaskSource selects which forge section is active: "github" or "gitlab".
	TaskSource Platform `yaml:"task_source"`

	GitHub *ForgeConfig `yaml:"github"`
	GitLab *ForgeConfig `yaml:"gitlab"`

	LLM      *LLMConfig      `yaml:"llm"`
	RabbitMQ *RabbitMQConfig `yaml:"rabbitmq"`

	ContextStorage   *ContextStorageConfig   `yaml:"context_storage"`
	PauseResume      *PauseResumeConfig      `yaml:"pause_resume"`
	TaskStop         *TaskStopConfig         `yaml:"task_stop"`
	CommentDetection *CommentDetectionConfig `yaml:"comment_detection"`
	Planning         *PlanningConfig         `yaml:"planning"`
	Continuous       *ContinuousConfig       `yaml:"continuous"`

	// MCPServers maps server ID to its launch/connect configuration.
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`

	StatusAPI       *StatusAPIConfig       `yaml:"status_api"`
	UserConfig      *UserConfigConfig      `yaml:"user_config"`
	IssueConversion *IssueConversionConfig `yaml:"issue_conversion"`

	// MaxLLMProcessNum caps loop iterations per task as a last-resort stop.
	MaxLLMProcessNum int `yaml:"max_llm_process_num"`
}

// Load reads, expands, merges, overlays, and validates configuration.
// path "" falls back to the CONFIG_FILE env var, then "config.yaml".
// A missing file is not an error: defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = "config.yaml"
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults + env only.
	case err != nil:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	default:
		fileCfg := &Config{}
		if err := yaml.Unmarshal(ExpandEnv(data), fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		// File values win over defaults; zero values in the file do not
		// clobber defaults.
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Forge returns the forge section selected by TaskSource.
func (c *Config) Forge() *ForgeConfig {
	if c.TaskSource == PlatformGitLab {
		return c.GitLab
	}
	return c.GitHub
}

// applyEnvOverrides overlays well-known environment variables onto the
// loaded configuration. Env always wins over file values.
func (c *Config) applyEnvOverrides() {
	setString(&c.GitHub.Token, "GITHUB_TOKEN")
	setString(&c.GitHub.APIURL, "GITHUB_API_URL")
	setString(&c.GitLab.Token, "GITLAB_TOKEN")
	setString(&c.GitLab.APIURL, "GITLAB_API_URL")

	setString(&c.LLM.Provider, "LLM_PROVIDER")
	if p := c.LLM.Active(); p != nil {
		setString(&p.Model, "LLM_MODEL")
		setString(&p.BaseURL, "LLM_BASE_URL")
		setString(&p.APIKey, "LLM_API_KEY")
		setInt(&p.ContextLength, "LLM_CONTEXT_LENGTH")
		c.LLM.Providers[c.LLM.Provider] = *p
	}

	setString(&c.RabbitMQ.Host, "RABBITMQ_HOST")
	setInt(&c.RabbitMQ.Port, "RABBITMQ_PORT")
	setString(&c.RabbitMQ.User, "RABBITMQ_USER")
	setString(&c.RabbitMQ.Password, "RABBITMQ_PASSWORD")
	setString(&c.RabbitMQ.Queue, "RABBITMQ_QUEUE")
	setBool(&c.RabbitMQ.UseRabbitMQ, "USE_RABBITMQ")

	setString(&c.ContextStorage.BaseDir, "CONTEXT_BASE_DIR")
	setBool(&c.ContextStorage.Enabled, "CONTEXT_STORAGE_ENABLED")
	setBool(&c.Planning.Enabled, "PLANNING_ENABLED")
	setString(&c.UserConfig.BaseURL, "USER_CONFIG_URL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// ContinuousConfig controls the long-running producer/consumer loop cadence.
type ContinuousConfig struct {
	Producer ProducerLoopConfig `yaml:"producer"`
	Consumer ConsumerLoopConfig `yaml:"consumer"`
}

// ProducerLoopConfig is the continuous-producer cadence.
type ProducerLoopConfig struct {
	// IntervalMinutes is the sleep between discovery runs. The sleep is
	// sampled once per second so a pause signal interrupts it promptly.
	IntervalMinutes int `yaml:"interval_minutes"`

	// DelayFirstRun postpones the first discovery by one interval.
	DelayFirstRun bool `yaml:"delay_first_run"`
}

// ConsumerLoopConfig is the continuous-consumer cadence.
type ConsumerLoopConfig struct {
	// QueueTimeoutSeconds is how long a blocking dequeue waits before
	// returning empty, which is also the pause-signal sampling granularity.
	QueueTimeoutSeconds int `yaml:"queue_timeout_seconds"`

	// MinIntervalSeconds is the minimum spacing between two consecutive
	// task dispatches. Zero means none.
	MinIntervalSeconds int `yaml:"min_interval_seconds"`
}

// QueueTimeout returns the dequeue timeout as a duration.
func (c ConsumerLoopConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

// MinInterval returns the dispatch spacing as a duration.
func (c ConsumerLoopConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// StatusAPIConfig controls the optional read-only HTTP status server.
type StatusAPIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// UserConfigConfig points at the per-user configuration sidecar.
type UserConfigConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BaseURL         string `yaml:"base_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// CacheTTL returns the overlay cache lifetime as a duration.
func (c UserConfigConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Timeout returns the sidecar request timeout as a duration.
func (c UserConfigConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// IssueConversionConfig controls the issue→draft-change pre-check.
type IssueConversionConfig struct {
	Enabled bool `yaml:"enabled"`
}
