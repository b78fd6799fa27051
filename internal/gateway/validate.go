package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ncecere/metering_gateway/internal/models"
)

var allowedRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// ParseRequest validates a raw completion body and decodes it. Violations
// return a *Error of KindValidation before any balance is touched.
func ParseRequest(body []byte) (models.ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return models.ChatRequest{}, validationError("request body must be a JSON object")
	}

	rawMessages, ok := fields["messages"]
	if !ok {
		return models.ChatRequest{}, validationError("field 'messages' is required")
	}
	var messages []json.RawMessage
	if err := json.Unmarshal(rawMessages, &messages); err != nil || len(messages) == 0 {
		return models.ChatRequest{}, validationError("field 'messages' must be a non-empty list")
	}
	for i, raw := range messages {
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg == nil {
			return models.ChatRequest{}, validationError(fmt.Sprintf("message %d must be an object", i))
		}
		rawRole, ok := msg["role"]
		if !ok {
			return models.ChatRequest{}, validationError(fmt.Sprintf("message %d must have a 'role' field", i))
		}
		if _, ok := msg["content"]; !ok {
			return models.ChatRequest{}, validationError(fmt.Sprintf("message %d must have a 'content' field", i))
		}
		var role string
		if err := json.Unmarshal(rawRole, &role); err != nil || !allowedRoles[role] {
			return models.ChatRequest{}, validationError(fmt.Sprintf("message %d has invalid role: %s", i, bytes.TrimSpace(rawRole)))
		}
	}
	if rawModel, ok := fields["model"]; ok {
		var model string
		if err := json.Unmarshal(rawModel, &model); err != nil {
			return models.ChatRequest{}, validationError("field 'model' must be a string")
		}
	}

	var req models.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return models.ChatRequest{}, validationError(fmt.Sprintf("invalid request body: %v", err))
	}
	return req, nil
}
