package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for inconsistencies
func Validate(cfg *Config) error {
	var errs []string

	for _, check := range []struct {
		name string
		mode PolicyMode
	}{
		{"permissions.read", cfg.Permissions.Read},
		{"permissions.write", cfg.Permissions.Write},
		{"permissions.exec", cfg.Permissions.Exec},
		{"permissions.other", cfg.Permissions.Other},
	} {
		switch check.mode {
		case PolicyAllow, PolicyDeny, PolicyApproval:
		default:
			errs = append(errs, fmt.Sprintf("%s: invalid mode %q", check.name, check.mode))
		}
	}

	if cfg.Approvals.TimeoutSeconds <= 0 {
		errs = append(errs, "approvals.timeout_seconds must be positive")
	}
	if cfg.Approvals.PollIntervalMs <= 0 {
		errs = append(errs, "approvals.poll_interval_ms must be positive")
	}

	if cfg.Compaction.MaxInputTokens <= 0 {
		errs = append(errs, "compaction.max_input_tokens must be positive")
	}
	if cfg.Compaction.KeepLastMessages <= 0 {
		errs = append(errs, "compaction.keep_last_messages must be positive")
	}

	if cfg.Engine.MaxSteps <= 0 {
		errs = append(errs, "engine.max_steps must be positive")
	}
	if cfg.Engine.FreshnessReruns < 0 {
		errs = append(errs, "engine.freshness_reruns cannot be negative")
	}
	if cfg.Engine.SessionTTLMinutes <= 0 {
		errs = append(errs, "engine.session_ttl_minutes must be positive")
	}

	if cfg.Models.MaxTokens < 0 {
		errs = append(errs, "models.max_tokens cannot be negative")
	}
	if cfg.Models.Temperature < 0 || cfg.Models.Temperature > 1 {
		errs = append(errs, "models.temperature must be between 0 and 1")
	}
	for i, profile := range cfg.Models.Profiles {
		if profile.ID == "" {
			errs = append(errs, fmt.Sprintf("models.profiles[%d]: id is required", i))
		}
		switch profile.Provider {
		case "anthropic", "openai":
		default:
			errs = append(errs, fmt.Sprintf("models.profiles[%d]: unsupported provider %q", i, profile.Provider))
		}
	}

	if cfg.Gateway.Enabled {
		if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
			errs = append(errs, fmt.Sprintf("gateway.port %d out of range", cfg.Gateway.Port))
		}
		if cfg.Gateway.Host == "" {
			errs = append(errs, "gateway.host is required when gateway is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
