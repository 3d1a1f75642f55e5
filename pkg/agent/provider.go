package agent

import (
	"context"
	"fmt"
)

// ModelClient dispatches the conversation state to a model and returns its reply
type ModelClient interface {
	Dispatch(ctx context.Context, req ModelRequest) (*ModelReply, error)

	// Name returns the provider name
	Name() string
}

// ProviderCreator creates model clients from auth profiles
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (ModelClient, error)
}

// ProviderFactory creates model clients for the supported providers
type ProviderFactory struct{}

// NewProvider creates a new model client based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (ModelClient, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s has no api key", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
