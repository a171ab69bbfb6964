package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autarkd/autark/internal/config"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("429 rate limit exceeded"), true},
		{"overloaded", errors.New("anthropic: overloaded_error"), true},
		{"server error", errors.New("received 503 from upstream"), true},
		{"connection reset", errors.New("read: ECONNRESET"), true},
		{"auth failure", errors.New("401 invalid api key"), false},
		{"bad request", errors.New("400 max_tokens required"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestCostOf(t *testing.T) {
	u := Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	assert.InDelta(t, 18.0, CostOf("claude-sonnet-4", u), 1e-9)

	// cached prompt tokens are priced at the cache-read rate
	cached := Usage{PromptTokens: 1_000_000, CachedTokens: 1_000_000}
	assert.InDelta(t, 0.3, CostOf("claude-sonnet-4", cached), 1e-9)

	// unknown models fall back to nonzero pricing
	assert.Greater(t, CostOf("some-new-model", u), 0.0)
}

func TestEstimateTokens(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "aaaa"},
		{Role: "assistant", Content: "bbbbbbbb"},
	}
	assert.Equal(t, 3, EstimateTokens(messages))
	assert.Equal(t, 0, EstimateTokens(nil))
}

func TestFactoryRouting(t *testing.T) {
	f := NewFactory([]config.AIProfile{
		{ID: "a", Provider: "anthropic", APIKey: "sk-1"},
		{ID: "o", Provider: "openai", APIKey: "sk-2"},
	})

	c, err := f.ClientFor("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", c.Provider())

	o, err := f.ClientFor("gpt-4.1")
	require.NoError(t, err)
	assert.Equal(t, "openai", o.Provider())

	// clients are cached per provider
	again, err := f.ClientFor("claude-opus-4")
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestFactoryMissingProfile(t *testing.T) {
	f := NewFactory([]config.AIProfile{
		{ID: "a", Provider: "anthropic", APIKey: "sk-1"},
	})

	_, err := f.ClientFor("gpt-4.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no openai profile")
}

type flakyClient struct {
	failures int
	calls    int
}

func (f *flakyClient) Provider() string { return "fake" }

func (f *flakyClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("429 rate limit")
	}
	return &ChatResponse{Content: "ok"}, nil
}

func TestChatWithRetry(t *testing.T) {
	t.Run("succeeds after retryable failures", func(t *testing.T) {
		client := &flakyClient{failures: 2}
		resp, err := ChatWithRetry(context.Background(), client, ChatRequest{}, 3, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.Equal(t, 3, client.calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		client := &flakyClient{failures: 10}
		_, err := ChatWithRetry(context.Background(), client, ChatRequest{}, 1, zerolog.Nop())
		require.Error(t, err)
		assert.Equal(t, 2, client.calls)
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		client := &fatalClient{}
		_, err := ChatWithRetry(context.Background(), client, ChatRequest{}, 3, zerolog.Nop())
		require.Error(t, err)
		assert.Equal(t, 1, client.calls)
	})
}

type fatalClient struct{ calls int }

func (f *fatalClient) Provider() string { return "fake" }

func (f *fatalClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	f.calls++
	return nil, errors.New("401 invalid api key")
}
