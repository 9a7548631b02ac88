package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenUsage_EstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage TokenUsage
		want  float64
	}{
		{"haiku", "claude-haiku-4-5-20251001", TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 4.80},
		{"sonnet", "claude-sonnet-4-5-20250929", TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 18.00},
		{
			// 0.40 in + 0.40 out + 0.20 cache write + 0.024 cache read
			"haiku with cache", "claude-haiku-4-5-20251001",
			TokenUsage{InputTokens: 500_000, OutputTokens: 100_000, CacheCreationInputTokens: 200_000, CacheReadInputTokens: 300_000},
			1.024,
		},
		{"unknown model", "gpt-x", TokenUsage{InputTokens: 1_000_000}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 0.001)
		})
	}
}

func TestTokenUsage_Add(t *testing.T) {
	a := TokenUsage{InputTokens: 10, OutputTokens: 2, CacheReadInputTokens: 100}
	b := TokenUsage{InputTokens: 5, OutputTokens: 3, CacheCreationInputTokens: 7}
	assert.Equal(t, TokenUsage{InputTokens: 15, OutputTokens: 5, CacheCreationInputTokens: 7, CacheReadInputTokens: 100}, a.Add(b))
}

func TestTokenUsage_LogCost(t *testing.T) {
	assert.NotPanics(t, func() {
		TokenUsage{InputTokens: 100, OutputTokens: 50}.LogCost("claude-haiku-4-5-20251001", "camp-1")
		TokenUsage{}.LogCost("unknown", "")
	})
}
