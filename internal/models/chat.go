package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ContentPart is one element of a multi-part message body.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL json.RawMessage `json:"image_url,omitempty"`
}

// MessageContent holds either a plain string or a list of typed parts.
// Decoded content other than a string is forwarded upstream exactly as the
// caller sent it.
type MessageContent struct {
	Text  string
	Parts []ContentPart
	// IsParts distinguishes `[]` from `""`.
	IsParts bool
	// Raw is the verbatim JSON for decoded non-string content.
	Raw     json.RawMessage
	present bool
	partErr error
}

// TextContent builds string content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text, present: true}
}

// PartsContent builds list content.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts, IsParts: true, present: true}
}

// Present reports whether the field appeared in the decoded JSON.
func (c MessageContent) Present() bool { return c.present }

// PartsErr reports a list element that could not be read as a content part.
// Such content is still forwarded but its size is unknown.
func (c MessageContent) PartsErr() error { return c.partErr }

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*c = MessageContent{present: true}
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil
	case trimmed[0] == '"':
		return json.Unmarshal(trimmed, &c.Text)
	}

	c.Raw = append(json.RawMessage(nil), trimmed...)
	if trimmed[0] != '[' {
		return nil
	}
	c.IsParts = true
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return err
	}
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			continue
		}
		var part ContentPart
		if err := json.Unmarshal(item, &part); err != nil {
			if c.partErr == nil {
				c.partErr = fmt.Errorf("content part %d: %w", i, err)
			}
			continue
		}
		c.Parts = append(c.Parts, part)
	}
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Raw) > 0 {
		return c.Raw, nil
	}
	if c.IsParts {
		if c.Parts == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// ChatRequest is the normalized completion request forwarded upstream.
// Nil optional fields are omitted from the upstream payload.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stream           *bool         `json:"stream,omitempty"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatResponse keeps the upstream body verbatim alongside the fields the
// gateway reads from it.
type ChatResponse struct {
	ID    string
	Model string
	Usage *Usage
	Raw   json.RawMessage
}

// ParseChatResponse decodes the fields the gateway trusts from a raw upstream body.
func ParseChatResponse(raw []byte) (ChatResponse, error) {
	var envelope struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		ID:    envelope.ID,
		Model: envelope.Model,
		Usage: envelope.Usage,
		Raw:   append(json.RawMessage(nil), raw...),
	}, nil
}
