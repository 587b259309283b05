package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Veyra configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Workspace root for filesystem and exec tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Permission policy for tool calls
	Permissions PermissionsConfig `json:"permissions" mapstructure:"permissions"`

	// Approval workflow
	Approvals ApprovalsConfig `json:"approvals" mapstructure:"approvals"`

	// Context compaction
	Compaction CompactionConfig `json:"compaction" mapstructure:"compaction"`

	// Execution engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Scheduled jobs
	Cron CronConfig `json:"cron" mapstructure:"cron"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ModelsConfig holds model selection and auth profiles
type ModelsConfig struct {
	Default     string        `json:"default" mapstructure:"default"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	Profiles    []AuthProfile `json:"profiles" mapstructure:"profiles"`
}

// AuthProfile represents credentials for one LLM provider
type AuthProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// PolicyMode decides how an operation kind is treated.
type PolicyMode string

const (
	PolicyAllow    PolicyMode = "allow"
	PolicyDeny     PolicyMode = "deny"
	PolicyApproval PolicyMode = "approval"
)

// PermissionsConfig holds the per-operation-kind policy
type PermissionsConfig struct {
	Read  PolicyMode `json:"read" mapstructure:"read"`
	Write PolicyMode `json:"write" mapstructure:"write"`
	Exec  PolicyMode `json:"exec" mapstructure:"exec"`
	Other PolicyMode `json:"other" mapstructure:"other"`

	// WritePaths are path prefixes writable without approval when Write is "approval".
	WritePaths []string `json:"write_paths" mapstructure:"write_paths"`

	// ExecAllowlistPath is the persistent allowlist consulted before exec approvals.
	ExecAllowlistPath string `json:"exec_allowlist_path" mapstructure:"exec_allowlist_path"`
}

// ApprovalsConfig holds approval workflow settings
type ApprovalsConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	PollIntervalMs int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// CompactionConfig holds context compaction thresholds
type CompactionConfig struct {
	MaxInputTokens   int  `json:"max_input_tokens" mapstructure:"max_input_tokens"`
	KeepLastMessages int  `json:"keep_last_messages" mapstructure:"keep_last_messages"`
	ArchiveOnCompact bool `json:"archive_on_compact" mapstructure:"archive_on_compact"`
}

// EngineConfig holds execution engine settings
type EngineConfig struct {
	MaxSteps          int    `json:"max_steps" mapstructure:"max_steps"`
	FreshnessReruns   int    `json:"freshness_reruns" mapstructure:"freshness_reruns"`
	SessionTTLMinutes int    `json:"session_ttl_minutes" mapstructure:"session_ttl_minutes"`
	SystemPrompt      string `json:"system_prompt" mapstructure:"system_prompt"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Host      string `json:"host" mapstructure:"host"`
	Port      int    `json:"port" mapstructure:"port"`
	AuthToken string `json:"auth_token" mapstructure:"auth_token"`
}

// CronConfig holds scheduled-trigger configuration
type CronConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Default:     "claude-3-5-sonnet-20241022",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Permissions: PermissionsConfig{
			Read:  PolicyAllow,
			Write: PolicyApproval,
			Exec:  PolicyApproval,
			Other: PolicyAllow,
		},
		Approvals: ApprovalsConfig{
			TimeoutSeconds: 300,
			PollIntervalMs: 500,
		},
		Compaction: CompactionConfig{
			MaxInputTokens:   16000,
			KeepLastMessages: 20,
			ArchiveOnCompact: true,
		},
		Engine: EngineConfig{
			MaxSteps:          30,
			FreshnessReruns:   2,
			SessionTTLMinutes: 60,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8790,
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String returns a JSON representation with secrets elided
func (c *Config) String() string {
	clone := *c
	clone.Models.Profiles = make([]AuthProfile, len(c.Models.Profiles))
	for i, p := range c.Models.Profiles {
		p.APIKey = "***"
		clone.Models.Profiles[i] = p
	}
	clone.Gateway.AuthToken = "***"

	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
