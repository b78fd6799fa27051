package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/models"
)

const (
	BackendLiteLLM = "litellm"
	BackendOpenAI  = "openai"
)

// upstream is one OpenAI-compatible backend. Requests go through the SDK's
// raw Post/Get so the response body reaches the caller unmodified.
type upstream struct {
	name      string
	httpCode  string
	baseURL   string
	hasAPIKey bool
	client    openai.Client
}

func newUpstream(name, httpCode string, cfg config.UpstreamConfig, timeout time.Duration, extra ...option.RequestOption) *upstream {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	apiKey := strings.TrimSpace(cfg.APIKey)
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	opts = append(opts, extra...)
	return &upstream{
		name:      name,
		httpCode:  httpCode,
		baseURL:   baseURL,
		hasAPIKey: apiKey != "",
		client:    openai.NewClient(opts...),
	}
}

// chat posts payload to chat/completions. Only HTTP 200 counts as success.
func (u *upstream) chat(ctx context.Context, payload Payload) (models.ChatResponse, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.ChatResponse{}, "", &Error{Code: CodeUnexpected, Kind: KindUnexpected, Backend: u.name, Message: err.Error(), Err: err}
	}

	var (
		raw      []byte
		httpResp *http.Response
	)
	if err := u.client.Post(ctx, "chat/completions", json.RawMessage(body), &raw, option.WithResponseInto(&httpResp)); err != nil {
		return models.ChatResponse{}, "", classify(ctx, u.name, u.httpCode, err)
	}
	contentType := ""
	if httpResp != nil {
		contentType = httpResp.Header.Get("Content-Type")
		if httpResp.StatusCode != http.StatusOK {
			return models.ChatResponse{}, "", &Error{
				Code:       u.httpCode,
				Kind:       KindHTTP,
				Backend:    u.name,
				StatusCode: httpResp.StatusCode,
				Message:    string(raw),
			}
		}
	}

	resp, err := models.ParseChatResponse(raw)
	if err != nil {
		// Non-JSON bodies (event streams) pass through without usage.
		resp = models.ChatResponse{Raw: append(json.RawMessage(nil), raw...)}
	}
	return resp, contentType, nil
}

// get issues a GET against path and returns the status code and body.
func (u *upstream) get(ctx context.Context, path string, timeout time.Duration) (int, []byte, error) {
	var (
		raw      []byte
		httpResp *http.Response
	)
	opts := []option.RequestOption{option.WithResponseInto(&httpResp)}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	err := u.client.Get(ctx, path, nil, &raw, opts...)
	if err != nil {
		perr := classify(ctx, u.name, u.httpCode, err)
		return perr.StatusCode, raw, perr
	}
	if httpResp == nil {
		return 0, raw, fmt.Errorf("%s: no response", u.name)
	}
	return httpResp.StatusCode, raw, nil
}
