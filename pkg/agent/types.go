package agent

import (
	"strings"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/pkg/conversation"
)

// ModelConfig configures model dispatches
type ModelConfig struct {
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	SummaryPrompt string  `json:"summary_prompt,omitempty"`
	MaxRetries    int     `json:"max_retries,omitempty"`
	MaxSteps      int     `json:"max_steps,omitempty"`
}

// ToolSpec describes a client-side tool offered to the model
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ModelRequest is one dispatch to a model provider
type ModelRequest struct {
	Model        string
	SystemPrompt string
	Messages     []conversation.Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
}

// ModelReply is the provider's answer to a ModelRequest
type ModelReply struct {
	Content   string
	ToolCalls []conversation.ToolCall
	Usage     TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id" mapstructure:"id"`
	Provider      string `json:"provider" mapstructure:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key" mapstructure:"api_key"`
	BaseURL       string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority      int    `json:"priority" mapstructure:"priority"`
	CooldownUntil *int64 `json:"-" mapstructure:"-"`
	FailureCount  int    `json:"-" mapstructure:"-"`
}

const (
	DefaultSystemPrompt  = "You are ComfyPilot, an assistant that helps users build and run ComfyUI workflows. Use the client tools when you need information from or changes to the user's workspace."
	DefaultSummaryPrompt = "Summarize the conversation so far in a compact form that preserves every fact, decision and open task needed to continue it. Reply with the summary only."
	DefaultMaxSteps      = 25
)

// DefaultModelConfig returns default model configuration
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:         "claude-sonnet-4-5",
		Temperature:   0.7,
		MaxTokens:     4096,
		SystemPrompt:  DefaultSystemPrompt,
		SummaryPrompt: DefaultSummaryPrompt,
		MaxRetries:    3,
		MaxSteps:      DefaultMaxSteps,
	}
}

// ClientToolSpec builds the spec of a tool the client declared by name only
func ClientToolSpec(name string) ToolSpec {
	return ToolSpec{
		Name:        name,
		Description: "Client-side tool " + name + ", executed in the user's workspace.",
		InputSchema: map[string]interface{}{
			"type":                 "object",
			"properties":           map[string]interface{}{},
			"additionalProperties": true,
		},
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
