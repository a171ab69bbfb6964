package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsDefaults(t *testing.T) {
	tk := New(TypeInteractive, "hello")

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, TypeInteractive, tk.Type)
	assert.Equal(t, 0, tk.Priority)
	assert.Equal(t, 1, tk.Attempt)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		typ  Type
		want int
	}{
		{TypeInteractive, 0},
		{TypeReview, 0},
		{TypeSelfImprove, 1},
		{TypeScheduled, 2},
		{TypeIdle, 2},
		{Type("mystery"), 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, PriorityFor(tt.typ), "type %s", tt.typ)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, Cost: 0.01, Rounds: 1}
	u.Add(Usage{PromptTokens: 90, CompletionTokens: 15, CachedTokens: 40, Cost: 0.04, Rounds: 2})

	assert.Equal(t, 100, u.PromptTokens)
	assert.Equal(t, 20, u.CompletionTokens)
	assert.Equal(t, 40, u.CachedTokens)
	assert.InDelta(t, 0.05, u.Cost, 1e-9)
	assert.Equal(t, 3, u.Rounds)
}
