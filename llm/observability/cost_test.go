package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCostCalculator_Calculate(t *testing.T) {
	calc := NewCostCalculator()

	tests := []struct {
		name     string
		provider string
		model    string
		in, out  int
		want     float64
	}{
		{"gpt-4o", "openai", "gpt-4o", 1_000_000, 100_000, 2.5 + 1.0},
		{"dated snapshot uses base price", "openai", "gpt-4o-mini-2024-07-18", 1_000_000, 0, 0.15},
		{"deepseek", "deepseek", "deepseek-chat", 2_000_000, 1_000_000, 0.54 + 1.1},
		{"unknown model", "unknown", "unknown", 1000, 500, 0},
		{"provider must match", "qwen", "gpt-4o", 1000, 500, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calc.Calculate(tt.provider, tt.model, tt.in, tt.out), 1e-9)
		})
	}
}

func TestCostCalculator_LongestPrefix(t *testing.T) {
	calc := NewCostCalculator()
	p, ok := calc.GetPrice("openai", "gpt-4.1-mini-2025-04-14")
	assert.True(t, ok)
	assert.Equal(t, "gpt-4.1-mini", p.Model)
}

func TestCostCalculator_SetPrice(t *testing.T) {
	calc := NewCostCalculator()
	calc.SetPrice("vllm", "llama-3-8b", 0, 0)
	calc.SetPrice("openai", "gpt-4o", 1, 1)

	assert.InDelta(t, 2.0, calc.Calculate("openai", "gpt-4o", 1_000_000, 1_000_000), 1e-9)
	assert.Contains(t, calc.Models(), "vllm:llama-3-8b")
}

func TestCostTracker_Track(t *testing.T) {
	tracker := NewCostTracker(nil)

	tracker.Track("openai", "gpt-4o", 1000, 500)
	tracker.Track("openai", "gpt-4o-mini", 2000, 1000)

	s := tracker.Summary()
	assert.Equal(t, 2, s.RequestCount)
	assert.Equal(t, 4500, s.TotalTokens)
	assert.Equal(t, 3000, s.TokensInput)
	assert.Greater(t, s.TotalCost, 0.0)
	assert.InDelta(t, 2250.0, s.AvgTokensPerReq, 1e-9)

	tracker.Reset()
	assert.Equal(t, CostSummary{}, tracker.Summary())
}
