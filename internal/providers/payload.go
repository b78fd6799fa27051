package providers

import "github.com/ncecere/metering_gateway/internal/models"

const (
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTemperature = 0.7
)

// Payload is the body sent to every upstream. Unset optional fields are
// omitted, never sent as null.
type Payload struct {
	Model            string               `json:"model"`
	Messages         []models.ChatMessage `json:"messages"`
	Temperature      float64              `json:"temperature"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	Stream           bool                 `json:"stream"`
}

// Defaults fills fields the client left out.
type Defaults struct {
	Model       string
	Temperature float64
}

// Normalize builds the upstream payload for req.
func Normalize(req models.ChatRequest, defaults Defaults) Payload {
	if defaults.Model == "" {
		defaults.Model = DefaultModel
	}
	p := Payload{
		Model:            req.Model,
		Messages:         req.Messages,
		Temperature:      defaults.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
	}
	if p.Model == "" {
		p.Model = defaults.Model
	}
	if p.Messages == nil {
		p.Messages = []models.ChatMessage{}
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.Stream != nil {
		p.Stream = *req.Stream
	}
	return p
}
