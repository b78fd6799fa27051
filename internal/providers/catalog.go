package providers

import "github.com/shopspring/decimal"

// DefaultModels is served by /v1/models when the primary cannot list its own.
var DefaultModels = []string{
	"gpt-3.5-turbo",
	"gpt-4",
	"gpt-4o",
	"gpt-4o-mini",
	"claude-3-sonnet",
	"claude-3-haiku",
}

// ModelInfo describes a known model.
type ModelInfo struct {
	Provider        string          `json:"provider"`
	MaxTokens       int             `json:"max_tokens"`
	ContextWindow   int             `json:"context_window"`
	CostPer1KTokens decimal.Decimal `json:"cost_per_1k_tokens"`
}

var modelInfo = map[string]ModelInfo{
	"gpt-3.5-turbo": {Provider: "openai", MaxTokens: 4096, ContextWindow: 16385, CostPer1KTokens: decimal.RequireFromString("0.002")},
	"gpt-4":         {Provider: "openai", MaxTokens: 8192, ContextWindow: 8192, CostPer1KTokens: decimal.RequireFromString("0.03")},
	"gpt-4-turbo":   {Provider: "openai", MaxTokens: 4096, ContextWindow: 128000, CostPer1KTokens: decimal.RequireFromString("0.01")},
	"gpt-4o":        {Provider: "openai", MaxTokens: 4096, ContextWindow: 128000, CostPer1KTokens: decimal.RequireFromString("0.005")},
}

var unknownModel = ModelInfo{Provider: "unknown", MaxTokens: 4096, ContextWindow: 4096, CostPer1KTokens: decimal.RequireFromString("0.002")}

// LookupModel returns what is known about model, or generic limits.
func LookupModel(model string) ModelInfo {
	if info, ok := modelInfo[model]; ok {
		return info
	}
	return unknownModel
}
