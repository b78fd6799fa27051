package estimator

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPricingModel prices models missing from the table.
const DefaultPricingModel = "gpt-3.5-turbo"

var thousand = decimal.NewFromInt(1000)

// pricePerThousand is the USD list price per 1K tokens.
var pricePerThousand = map[string]decimal.Decimal{
	"gpt-3.5-turbo":     decimal.RequireFromString("0.002"),
	"gpt-3.5-turbo-16k": decimal.RequireFromString("0.004"),
	"gpt-4":             decimal.RequireFromString("0.03"),
	"gpt-4-32k":         decimal.RequireFromString("0.06"),
	"gpt-4-turbo":       decimal.RequireFromString("0.01"),
	"gpt-4o":            decimal.RequireFromString("0.005"),
	"gpt-4o-mini":       decimal.RequireFromString("0.0015"),
	"claude-3-sonnet":   decimal.RequireFromString("0.003"),
	"claude-3-opus":     decimal.RequireFromString("0.015"),
	"claude-3-haiku":    decimal.RequireFromString("0.00025"),
}

// PricePerThousand returns the per-1K-token price for model.
func PricePerThousand(model string) decimal.Decimal {
	if price, ok := pricePerThousand[strings.ToLower(strings.TrimSpace(model))]; ok {
		return price
	}
	return pricePerThousand[DefaultPricingModel]
}

// Cost estimates the USD cost of totalTokens on model.
func Cost(model string, totalTokens int64) decimal.Decimal {
	if totalTokens <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(totalTokens).Div(thousand).Mul(PricePerThousand(model))
}
