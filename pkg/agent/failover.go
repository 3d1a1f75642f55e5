package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/observability"
	"github.com/RuinedofJoker/comfy-pilot-backend-sub001/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// FailoverClient tries auth profiles in priority order and retries transient errors
// with exponential backoff. Profiles that fail are cooled down for a growing period.
type FailoverClient struct {
	factory    ProviderCreator
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger

	profiles []AuthProfile
	clients  map[string]ModelClient
	mu       sync.Mutex
}

// FailoverConfig holds failover client configuration
type FailoverConfig struct {
	Profiles   []AuthProfile
	Factory    ProviderCreator
	MaxRetries int
	// BaseDelay is the first backoff step; it doubles on every retry
	BaseDelay time.Duration
	Logger    zerolog.Logger
}

// NewFailoverClient creates a FailoverClient
func NewFailoverClient(cfg FailoverConfig) (*FailoverClient, error) {
	observability.EnsureRegistered()

	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}
	factory := cfg.Factory
	if factory == nil {
		factory = &ProviderFactory{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })

	return &FailoverClient{
		factory:    factory,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     cfg.Logger,
		profiles:   profiles,
		clients:    make(map[string]ModelClient),
	}, nil
}

func (f *FailoverClient) Name() string {
	return "failover"
}

// Dispatch sends req to the first healthy profile, falling over on retryable errors
func (f *FailoverClient) Dispatch(ctx context.Context, req ModelRequest) (*ModelReply, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	f.mu.Lock()
	profiles := make([]AuthProfile, len(f.profiles))
	copy(profiles, f.profiles)
	f.mu.Unlock()

	var lastErr error
	for _, profile := range profiles {
		if profile.CooldownUntil != nil && time.Now().UnixMilli() < *profile.CooldownUntil {
			logger.Debug().Str("profileId", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		client, err := f.clientFor(profile)
		if err != nil {
			logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Failed to create provider")
			lastErr = err
			continue
		}

		reply, err := f.dispatchWithRetry(ctx, client, req, logger)
		if err == nil {
			f.markSuccess(profile.ID)
			return reply, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Str("profileId", profile.ID).Err(err).Msg("Auth profile failed")
		f.markFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("all auth profiles are cooling down")
	}
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverClient) dispatchWithRetry(ctx context.Context, client ModelClient, req ModelRequest, logger zerolog.Logger) (*ModelReply, error) {
	ctx, span := tracing.StartSpan(ctx, "comfypilot.agent", "model.dispatch",
		attribute.String("provider", client.Name()),
		attribute.String("model", req.Model),
	)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		start := time.Now()
		reply, err := client.Dispatch(ctx, req)
		observability.RecordModelCall(client.Name(), time.Since(start), err == nil)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == f.maxRetries-1 {
			break
		}

		delay := f.baseDelay * time.Duration(1<<attempt)
		logger.Info().
			Str("provider", client.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			tracing.Fail(span, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	tracing.Fail(span, lastErr)
	return nil, lastErr
}

func (f *FailoverClient) clientFor(profile AuthProfile) (ModelClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[profile.ID]; ok {
		return c, nil
	}
	c, err := f.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	f.clients[profile.ID] = c
	return c, nil
}

func (f *FailoverClient) markSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			return
		}
	}
}

func (f *FailoverClient) markFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			until := time.Now().UnixMilli() + int64(60000*f.profiles[i].FailureCount)
			f.profiles[i].CooldownUntil = &until
			return
		}
	}
}
