// Package llm wraps the model backends behind a single Client interface.
// Providers translate the neutral request/response types to their SDK
// formats; callers never see SDK types.
package llm

import (
	"context"
	"strings"
)

// Client is the interface workers use to talk to a model backend.
type Client interface {
	// Chat makes a single model call.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Provider returns the backend name
	Provider() string
}

// ChatRequest contains the request parameters for a model call
type ChatRequest struct {
	Model       string
	System      []SystemBlock
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// SystemBlock is one section of the system prompt. Cacheable blocks are
// marked for provider-side prompt caching where the backend supports it.
type SystemBlock struct {
	Text     string
	CacheTTL string // "", "5m", "1h"
}

// Message represents a message in the conversation. User messages may
// carry one base64 image alongside the text; providers render it as a
// multipart content block.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ImageB64   string                 `json:"image_b64,omitempty"`
	ImageMime  string                 `json:"image_mime,omitempty"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ImageMediaType returns the attached image's MIME type, defaulting to JPEG.
func (m Message) ImageMediaType() string {
	if m.ImageMime != "" {
		return m.ImageMime
	}
	return "image/jpeg"
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// ToolSpec describes a tool offered to the model
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ChatResponse contains the response from a model call
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage tracks token consumption and dollar cost of one call
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	Cost             float64 `json:"cost"`
}

// modelPrice is USD per million tokens.
type modelPrice struct {
	input  float64
	cached float64
	output float64
}

var priceTable = map[string]modelPrice{
	"claude-opus-4":   {15.0, 1.5, 75.0},
	"claude-sonnet-4": {3.0, 0.3, 15.0},
	"claude-haiku-4":  {1.0, 0.1, 5.0},
	"gpt-4.1":         {2.0, 0.5, 8.0},
	"gpt-4.1-mini":    {0.4, 0.1, 1.6},
}

var defaultPrice = modelPrice{3.0, 0.3, 15.0}

// CostOf prices a call's token usage for the given model. Unknown models
// are priced at mid-tier rates so spend is never undercounted to zero.
func CostOf(model string, u Usage) float64 {
	price := defaultPrice
	for name, p := range priceTable {
		if strings.HasPrefix(model, name) {
			price = p
			break
		}
	}
	uncached := u.PromptTokens - u.CachedTokens
	if uncached < 0 {
		uncached = 0
	}
	return (float64(uncached)*price.input +
		float64(u.CachedTokens)*price.cached +
		float64(u.CompletionTokens)*price.output) / 1e6
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// Network errors
	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "EOF") {
		return true
	}

	// Rate limits
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded") {
		return true
	}

	// Server errors
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}

	return false
}

// EstimateTokens provides a rough token count for a message slice.
// 1 token is roughly 4 characters of English text.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) + 64
		}
	}
	return (total + 3) / 4
}
