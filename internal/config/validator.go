package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// keyPrefixes lists the key prefix each hosted provider issues
var keyPrefixes = map[string]string{
	"anthropic": "sk-ant-",
	"openai":    "sk-",
}

// Validator reports settings that load fine but are probably mistakes.
// Findings are advisory; start logs them as warnings.
type Validator struct {
	checks []func(*Config) []error
}

// NewValidator returns a validator with the built-in checks
func NewValidator() *Validator {
	v := &Validator{}
	v.checks = []func(*Config) []error{
		v.checkProfiles,
		v.checkMaintenance,
		v.checkAgents,
		func(cfg *Config) []error { return single(v.ValidateLogLevel(cfg.Logging.Level)) },
	}
	return v
}

// ValidateAPIKey checks that key looks like one issued by provider.
// Providers without a known prefix only require a non-empty key.
func (v *Validator) ValidateAPIKey(key, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key is empty", provider)
	}
	if prefix, ok := keyPrefixes[provider]; ok && !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("%s API key should start with %q", provider, prefix)
	}
	return nil
}

// ValidateSchedule checks a cron spec or descriptor such as "@every 5m"
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateLogLevel accepts any level zerolog can parse except the empty one
func (v *Validator) ValidateLogLevel(level string) error {
	if level == "" {
		return fmt.Errorf("log level is empty")
	}
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	return nil
}

// ValidateConfig runs every check and returns all findings
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var findings []error
	for _, check := range v.checks {
		findings = append(findings, check(cfg)...)
	}
	return findings
}

func (v *Validator) checkProfiles(cfg *Config) []error {
	var errs []error
	for i, p := range cfg.AI.Profiles {
		if p.Provider == "" {
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("AI profile %d (%s): %w", i, p.ID, err))
		}
	}
	return errs
}

// the marker TTL must outlive a pending tool call, otherwise a late
// completion for a timed-out turn is no longer recognized as a duplicate
func (v *Validator) checkMaintenance(cfg *Config) []error {
	o := cfg.Orchestration
	errs := single(v.ValidateSchedule(o.SweepSchedule))
	if o.CompletionMarkerTTL > 0 && o.CompletionMarkerTTL < o.ToolCallTimeout {
		errs = append(errs, fmt.Errorf("completion_marker_ttl %s is shorter than tool_call_timeout %s",
			o.CompletionMarkerTTL, o.ToolCallTimeout))
	}
	return errs
}

func (v *Validator) checkAgents(cfg *Config) []error {
	var errs []error
	for _, a := range cfg.ResolvedAgents() {
		if a.Temperature < 0 || a.Temperature > 2 {
			errs = append(errs, fmt.Errorf("agent %s: temperature %.2f outside [0, 2]", a.Code, a.Temperature))
		}
		if a.MaxTokens < 0 || a.MaxTokens > 200000 {
			errs = append(errs, fmt.Errorf("agent %s: max_tokens %d outside [1, 200000]", a.Code, a.MaxTokens))
		}
	}
	return errs
}

func single(err error) []error {
	if err == nil {
		return nil
	}
	return []error{err}
}
