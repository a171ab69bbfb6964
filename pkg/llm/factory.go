package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/internal/config"
)

// Factory builds and caches clients from configured AI profiles.
type Factory struct {
	profiles []config.AIProfile
	clients  map[string]Client
}

// NewFactory creates a factory from the configured profiles, highest
// priority first.
func NewFactory(profiles []config.AIProfile) *Factory {
	sorted := make([]config.AIProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return &Factory{
		profiles: sorted,
		clients:  make(map[string]Client),
	}
}

// ClientFor returns a client able to serve the given model. Claude models
// route to an anthropic profile, GPT models to an openai profile.
func (f *Factory) ClientFor(model string) (Client, error) {
	provider := providerFor(model)
	if c, ok := f.clients[provider]; ok {
		return c, nil
	}

	for _, profile := range f.profiles {
		if profile.Provider != provider {
			continue
		}
		c, err := newClient(profile)
		if err != nil {
			return nil, err
		}
		f.clients[provider] = c
		return c, nil
	}
	return nil, fmt.Errorf("no %s profile configured for model %s", provider, model)
}

func providerFor(model string) string {
	if strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		return "openai"
	}
	return "anthropic"
}

func newClient(profile config.AIProfile) (Client, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicClient(profile.APIKey), nil
	case "openai":
		return NewOpenAIClient(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// ChatWithRetry calls the client with exponential backoff on retryable
// errors. Backoff doubles from one second per attempt.
func ChatWithRetry(ctx context.Context, client Client, req ChatRequest, maxRetries int, logger zerolog.Logger) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		response, err := client.Chat(ctx, req)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}

		if attempt == maxRetries {
			break
		}

		// Exponential backoff: 1s, 2s, 4s, ...
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Str("model", req.Model).
			Msg("Retrying model call after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return nil, fmt.Errorf("model call failed after %d retries: %w", maxRetries, lastErr)
}
