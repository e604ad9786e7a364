package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

var logLevels = []string{"debug", "info", "warn", "error"}

// keyPrefixes are the formats issued by the public APIs. Keys for a custom
// base URL (proxies, local servers) are not checked.
var keyPrefixes = map[string]string{
	"anthropic": "sk-ant-",
	"openai":    "sk-",
}

// Validator runs the checks behind "mnemo config validate". Unlike
// Config.Validate it reports every problem, not just the first.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key format expected by provider.
func (v *Validator) ValidateAPIKey(key, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	if prefix, ok := keyPrefixes[provider]; ok && !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("invalid %s API key format (should start with %s)", provider, prefix)
	}
	return nil
}

// ValidateSchedule accepts a 5-field cron expression or a descriptor such
// as "@daily" or "@every 1h". Empty means the built-in default.
func (v *Validator) ValidateSchedule(field, expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, expr, err)
	}
	return nil
}

// ValidateMaxTokens bounds the consolidation reply budget.
func (v *Validator) ValidateMaxTokens(tokens int) error {
	switch {
	case tokens <= 0:
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	case tokens > 200000:
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	if slices.Contains(logLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(logLevels, ", "))
}

// ValidateAddr checks a host:port listen address. Empty disables the listener.
func (v *Validator) ValidateAddr(field, addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, addr, err)
	}
	return nil
}

// ValidateConfig returns every problem found in cfg, starting with the
// first structural error from Config.Validate.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	check := func(prefix string, err error) {
		if err == nil {
			return
		}
		if prefix != "" {
			err = fmt.Errorf("%s: %w", prefix, err)
		}
		errs = append(errs, err)
	}

	check("", cfg.Validate())

	// Without keys the engine runs keyword only and never consolidates.
	mem, cons := cfg.Memory, cfg.Consolidation
	if mem.EmbeddingAPIKey != "" && mem.EmbeddingBaseURL == "" {
		check("memory", v.ValidateAPIKey(mem.EmbeddingAPIKey, strings.ToLower(mem.EmbeddingProvider)))
	}
	if cons.APIKey != "" && cons.BaseURL == "" {
		check("consolidation", v.ValidateAPIKey(cons.APIKey, strings.ToLower(cons.Provider)))
	}
	if cons.MaxTokens != 0 {
		check("consolidation", v.ValidateMaxTokens(cons.MaxTokens))
	}

	check("", v.ValidateSchedule("conversation.prune_schedule", cfg.Conversation.PruneSchedule))
	if mem.EnableAutoSync {
		check("", v.ValidateSchedule("memory.sync_schedule", mem.SyncSchedule))
	}

	obs := cfg.Observability
	check("", v.ValidateAddr("observability.metrics_addr", obs.MetricsAddr))
	if rate := obs.Tracing.SampleRate; rate < 0 || rate > 1 {
		check("", fmt.Errorf("observability.tracing.sample_rate must be within [0, 1]"))
	}

	check("", v.ValidateLogLevel(cfg.Logging.Level))
	return errs
}
