package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the main ComfyPilot configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Turn orchestration
	Orchestration OrchestrationConfig `json:"orchestration" mapstructure:"orchestration"`

	// Default agent
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Additional agent kinds, selected by code
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// AI configuration
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int     `json:"port" mapstructure:"port"`
	Host         string  `json:"host" mapstructure:"host"`
	ReadLimit    int64   `json:"read_limit" mapstructure:"read_limit"` // bytes
	MessageRate  float64 `json:"message_rate" mapstructure:"message_rate"`
	MessageBurst int     `json:"message_burst" mapstructure:"message_burst"`
}

// OrchestrationConfig tunes turn execution
type OrchestrationConfig struct {
	ToolCallTimeout     time.Duration `json:"tool_call_timeout" mapstructure:"tool_call_timeout"`
	MaxModelSteps       int           `json:"max_model_steps" mapstructure:"max_model_steps"`
	MaxConcurrentTurns  int           `json:"max_concurrent_turns" mapstructure:"max_concurrent_turns"`
	CompletionMarkerTTL time.Duration `json:"completion_marker_ttl" mapstructure:"completion_marker_ttl"`
	SweepSchedule       string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	ShutdownTimeout     time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	Code          string  `json:"code" mapstructure:"code"`
	Model         string  `json:"model" mapstructure:"model"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	SummaryPrompt string  `json:"summary_prompt" mapstructure:"summary_prompt"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries    int     `json:"max_retries" mapstructure:"max_retries"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// StorageConfig holds on-disk locations
type StorageConfig struct {
	DataDir          string `json:"data_dir" mapstructure:"data_dir"`
	MemoryDir        string `json:"memory_dir" mapstructure:"memory_dir"`
	ExecutionLogPath string `json:"execution_log_path" mapstructure:"execution_log_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	File       string `json:"file" mapstructure:"file"`
	Pretty     bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
	Redaction  bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	// Endpoint is the OTLP gRPC collector; empty keeps spans in process
	Endpoint     string  `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool    `json:"insecure" mapstructure:"insecure"`
	SamplingRate float64 `json:"sampling_rate" mapstructure:"sampling_rate"`
}

// DefaultAgentCode is the code of the agent used when a message names none
const DefaultAgentCode = "default"

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadLimit:    4 << 20,
			MessageRate:  20,
			MessageBurst: 40,
		},
		Orchestration: OrchestrationConfig{
			ToolCallTimeout:     300 * time.Second,
			MaxModelSteps:       25,
			MaxConcurrentTurns:  32,
			CompletionMarkerTTL: time.Hour,
			SweepSchedule:       "@every 5m",
			ShutdownTimeout:     30 * time.Second,
		},
		Agent: AgentConfig{
			Code:        DefaultAgentCode,
			Model:       "claude-sonnet-4-5",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxRetries:  3,
		},
		Agents: []AgentConfig{},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
			Redaction:  true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "comfypilot",
			SamplingRate: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ResolvedAgents returns the default agent followed by every additional agent, with
// unset fields inherited from the default agent.
func (c *Config) ResolvedAgents() []AgentConfig {
	base := c.Agent
	if base.Code == "" {
		base.Code = DefaultAgentCode
	}

	out := []AgentConfig{base}
	for _, a := range c.Agents {
		if a.Model == "" {
			a.Model = base.Model
		}
		if a.SystemPrompt == "" {
			a.SystemPrompt = base.SystemPrompt
		}
		if a.SummaryPrompt == "" {
			a.SummaryPrompt = base.SummaryPrompt
		}
		if a.Temperature == 0 {
			a.Temperature = base.Temperature
		}
		if a.MaxTokens == 0 {
			a.MaxTokens = base.MaxTokens
		}
		if a.MaxRetries == 0 {
			a.MaxRetries = base.MaxRetries
		}
		out = append(out, a)
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	seenProfiles := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seenProfiles[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seenProfiles[profile.ID] = true
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Gateway.ReadLimit < 0 {
		return fmt.Errorf("gateway read_limit must not be negative")
	}

	o := c.Orchestration
	if o.ToolCallTimeout <= 0 {
		return fmt.Errorf("orchestration tool_call_timeout must be positive")
	}
	if o.MaxModelSteps <= 0 {
		return fmt.Errorf("orchestration max_model_steps must be positive")
	}
	if o.MaxConcurrentTurns <= 0 {
		return fmt.Errorf("orchestration max_concurrent_turns must be positive")
	}
	if o.CompletionMarkerTTL <= 0 {
		return fmt.Errorf("orchestration completion_marker_ttl must be positive")
	}
	if strings.TrimSpace(o.SweepSchedule) == "" {
		return fmt.Errorf("orchestration sweep_schedule is required")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling_rate must be between 0 and 1")
	}

	seenAgents := make(map[string]bool)
	for i, agent := range c.ResolvedAgents() {
		if agent.Code == "" {
			return fmt.Errorf("agent %d: code is required", i)
		}
		if seenAgents[agent.Code] {
			return fmt.Errorf("agent %s: duplicate code", agent.Code)
		}
		seenAgents[agent.Code] = true
		if agent.Model == "" {
			return fmt.Errorf("agent %s: model is required", agent.Code)
		}
		if agent.Temperature < 0 || agent.Temperature > 2 {
			return fmt.Errorf("agent %s: temperature must be between 0 and 2", agent.Code)
		}
	}

	return nil
}
