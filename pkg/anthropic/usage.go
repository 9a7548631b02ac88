package anthropic

import "go.uber.org/zap"

// TokenUsage is the token accounting reported with a response.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

type price struct {
	input, output float64 // USD per million tokens
}

var prices = map[string]price{
	"claude-haiku-4-5-20251001":  {input: 0.80, output: 4.00},
	"claude-sonnet-4-5-20250929": {input: 3.00, output: 15.00},
}

// Cache writes bill at 1.25x the input rate, cache reads at 0.1x.
const (
	cacheWriteFactor = 1.25
	cacheReadFactor  = 0.10
)

// EstimateCost prices the usage for model in USD. Unknown models cost 0.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := prices[model]
	if !ok {
		return 0
	}
	mtok := func(n int64) float64 { return float64(n) / 1e6 }
	return mtok(u.InputTokens)*p.input +
		mtok(u.OutputTokens)*p.output +
		mtok(u.CacheCreationInputTokens)*p.input*cacheWriteFactor +
		mtok(u.CacheReadInputTokens)*p.input*cacheReadFactor
}

// Add returns the sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
	}
}

// LogCost writes the usage and its estimated cost at debug level.
func (u TokenUsage) LogCost(model, campaignID string) {
	zap.L().Debug("composer token usage",
		zap.String("model", model),
		zap.String("campaign_id", campaignID),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}
