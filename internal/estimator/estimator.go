// Package estimator approximates request size and cost before and after a
// provider call. Estimates gate authorization only; settlement always uses
// provider-reported usage.
package estimator

import (
	"encoding/json"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ncecere/metering_gateway/internal/models"
)

const (
	// MinimumEstimate is the floor applied to every estimate.
	MinimumEstimate = 100
	// FallbackEstimate is returned when the request content cannot be measured.
	FallbackEstimate = 500

	charsPerToken      = 4
	premiumMultiplier  = 1.5
	standardMultiplier = 1.2
	premiumMarker      = "gpt-4"
)

// Estimator produces pre-authorization token estimates.
type Estimator struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{logger: logger}
}

// Estimate returns the number of tokens to reserve for req.
func (e *Estimator) Estimate(req models.ChatRequest) (estimate int64) {
	defer func() {
		if r := recover(); r != nil {
			e.log().Warn("token estimation failed", slog.Any("panic", r), slog.String("model", req.Model))
			estimate = FallbackEstimate
		}
	}()

	var chars int64
	for i, msg := range req.Messages {
		if err := msg.Content.PartsErr(); err != nil {
			e.log().Warn("token estimation failed",
				slog.Int("message", i),
				slog.String("model", req.Model),
				slog.String("error", err.Error()),
			)
			return FallbackEstimate
		}
		chars += contentChars(msg.Content)
	}
	estimate = scale(chars, req.Model)
	e.log().Debug("estimated tokens", slog.String("model", req.Model), slog.Int64("tokens", estimate))
	return estimate
}

// EstimateJSON measures a raw request body. Bodies that do not decode yield
// FallbackEstimate rather than an error.
func (e *Estimator) EstimateJSON(body []byte) int64 {
	var req models.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		e.log().Warn("token estimation failed", slog.String("error", err.Error()))
		return FallbackEstimate
	}
	return e.Estimate(req)
}

func (e *Estimator) log() *slog.Logger {
	if e == nil || e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// contentChars counts string content and text parts. Other shapes count as
// empty.
func contentChars(content models.MessageContent) int64 {
	if len(content.Raw) > 0 && !content.IsParts {
		return 0
	}
	if !content.IsParts {
		return int64(utf8.RuneCountInString(content.Text))
	}
	var total int64
	for _, part := range content.Parts {
		if part.Type == "text" {
			total += int64(utf8.RuneCountInString(part.Text))
		}
	}
	return total
}

func scale(chars int64, model string) int64 {
	base := chars / charsPerToken
	multiplier := standardMultiplier
	if IsPremiumModel(model) {
		multiplier = premiumMultiplier
	}
	scaled := int64(float64(base) * multiplier)
	if scaled < MinimumEstimate {
		return MinimumEstimate
	}
	return scaled
}

// IsPremiumModel reports whether model belongs to the higher-cost family.
func IsPremiumModel(model string) bool {
	return strings.Contains(strings.ToLower(model), premiumMarker)
}
