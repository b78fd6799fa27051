package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/auth"
	"github.com/ncecere/metering_gateway/internal/config"
)

const testAdminToken = "mgw_testadmintoken"

type upstream struct {
	chatCalls atomic.Int32
	status    int
	total     int64
	// errorBody and errorType override the failure response.
	errorBody string
	errorType string
}

func (u *upstream) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/chat/completions" {
		var req struct {
			Stream bool `json:"stream"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		if req.Stream && (u.status == 0 || u.status == http.StatusOK) {
			u.chatCalls.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"))
			return
		}
		if u.errorBody != "" && u.status != 0 && u.status != http.StatusOK {
			u.chatCalls.Add(1)
			w.Header().Set("Content-Type", u.errorType)
			w.WriteHeader(u.status)
			_, _ = w.Write([]byte(u.errorBody))
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/health":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case "/models":
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	case "/chat/completions":
		u.chatCalls.Add(1)
		if u.status != 0 && u.status != http.StatusOK {
			w.WriteHeader(u.status)
			_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			return
		}
		fmt.Fprintf(w, `{"id":"chatcmpl-%d","object":"chat.completion","model":"gpt-3.5-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":%d,"total_tokens":%d}}`,
			u.chatCalls.Load(), u.total-10, u.total)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type harness struct {
	server    *Server
	container *app.Container
	upstream  *upstream
}

func newHarness(t *testing.T, redisClient *redis.Client, mutate func(*config.Config)) *harness {
	t.Helper()
	up := &upstream{total: 2000}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	t.Cleanup(srv.Close)

	hash, err := auth.HashToken(testAdminToken)
	require.NoError(t, err)

	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, URL: ":memory:"},
		Providers: config.ProvidersConfig{
			Primary:       config.UpstreamConfig{BaseURL: srv.URL, APIKey: "sk-test"},
			Timeout:       5 * time.Second,
			HealthTimeout: time.Second,
		},
		Metering: config.MeteringConfig{
			DefaultTokensPerUser: 1000,
			ConversionFactor:     0.376,
			AlertThreshold80:     0.8,
			AlertThreshold95:     0.95,
			SettleOnCancel:       true,
		},
		Identity: config.IdentityConfig{TrustHeaders: true, JWTSecret: "identity-secret"},
		Admin:    config.AdminConfig{TokenHash: hash},
		Exports:  config.ExportsConfig{Local: config.ExportsLocalConfig{Directory: t.TempDir()}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	store, closeStore, err := app.OpenStore(context.Background(), cfg.Database)
	require.NoError(t, err)
	t.Cleanup(closeStore)

	container, err := app.NewContainer(context.Background(), cfg, store, redisClient, nil, nil)
	require.NoError(t, err)
	server, err := New(container)
	require.NoError(t, err)
	return &harness{server: server, container: container, upstream: up}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.App().Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var decoded map[string]any
	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func chatBody(model, content string) map[string]any {
	return map[string]any{
		"model":    model,
		"messages": []map[string]any{{"role": "user", "content": content}},
	}
}

func userHeaders(id string) map[string]string {
	return map[string]string{"X-User-ID": id, "X-User-Email": id + "@example.com"}
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func TestChatCompletionSettlesAndReportsUsage(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hello"), userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	usage := body["gateway_usage"].(map[string]any)
	require.EqualValues(t, 752, usage["tokens_consumed"])
	require.EqualValues(t, 2000, usage["provider_tokens"])
	require.EqualValues(t, 248, usage["remaining_tokens"])
	require.Equal(t, "litellm", usage["provider"])
	require.Len(t, body["choices"], 1)

	resp, info := h.do(t, http.MethodGet, "/v1/user/info", nil, userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user := info["user_info"].(map[string]any)
	require.EqualValues(t, 248, user["remaining_tokens"])
	require.Equal(t, "u1@example.com", user["email"])
	require.Len(t, info["recent_transactions"], 1)
	require.Contains(t, info, "daily_usage")
	require.Contains(t, info, "monthly_projection")
	require.Equal(t, "7d", info["usage_period"])

	resp, info = h.do(t, http.MethodGet, "/v1/user/info?period=24h", nil, userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "24h", info["usage_period"])

	resp, _ = h.do(t, http.MethodGet, "/v1/user/info?period=soon", nil, userHeaders("u1"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletionRequiresIdentity(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-4", "hi"), nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "unauthorized", body["error"])

	resp, _ = h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-4", "hi"), map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, h.upstream.chatCalls.Load())
}

func TestChatCompletionAcceptsIdentityToken(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Identity.TrustHeaders = false })

	token, err := h.container.Identity.Issue(auth.Identity{AccountID: "jwt-user", Email: "jwt@example.com", Name: "JWT User"}, time.Hour)
	require.NoError(t, err)

	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	acct, err := h.container.Ledger.Account(context.Background(), "jwt-user")
	require.NoError(t, err)
	require.Equal(t, "jwt@example.com", acct.Email)
	require.Equal(t, int64(752), acct.UsedTokens)

	resp, _ = h.do(t, http.MethodGet, "/v1/user/info", nil, userHeaders("jwt-user"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatCompletionRejectsInsufficientBalance(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-4", strings.Repeat("a", 4000)), userHeaders("u1"))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, "insufficient_tokens", body["error"])
	require.EqualValues(t, 1500, body["tokens_needed"])
	info := body["user_info"].(map[string]any)
	require.EqualValues(t, 1000, info["remaining_tokens"])
	require.Zero(t, h.upstream.chatCalls.Load())
}

func TestChatCompletionValidatesBody(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", map[string]any{"model": "gpt-4"}, userHeaders("u1"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "validation_error", body["error"])
	require.Equal(t, "field 'messages' is required", body["message"])
}

func TestChatCompletionSurfacesProviderFailure(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.upstream.status = http.StatusInternalServerError

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "no_api_key", body["error"])

	acct, err := h.container.Ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, acct.UsedTokens)
	require.Zero(t, acct.ReservedTokens)
}

func TestChatCompletionSurfacesUpstreamErrorText(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.upstream.status = http.StatusInternalServerError
	h.upstream.errorBody = "upstream exploded"
	h.upstream.errorType = "text/plain"

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "no_api_key", body["error"])
	primary := body["primary_error"].(map[string]any)
	require.Equal(t, "litellm_error", primary["error"])
	require.Equal(t, "upstream exploded", primary["message"])
	require.EqualValues(t, http.StatusInternalServerError, primary["status_code"])
}

func TestChatCompletionSurfacesFallbackErrorText(t *testing.T) {
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("fallback overloaded"))
	}))
	t.Cleanup(fallback.Close)
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.Providers.Fallback = config.UpstreamConfig{BaseURL: fallback.URL, APIKey: "sk-fallback"}
	})
	h.upstream.status = http.StatusInternalServerError
	h.upstream.errorBody = "primary exploded"
	h.upstream.errorType = "text/plain"

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "openai_error", body["error"])
	require.Equal(t, "fallback overloaded", body["message"])
	require.EqualValues(t, http.StatusServiceUnavailable, body["status_code"])
	require.Equal(t, "primary exploded", body["primary_error"].(map[string]any)["message"])
}

func TestChatCompletionPassesEventStreamThrough(t *testing.T) {
	h := newHarness(t, nil, nil)

	payload := chatBody("gpt-3.5-turbo", "hi")
	payload["stream"] = true
	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", payload, userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	acct, err := h.container.Ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(38), acct.UsedTokens)
}

func TestChatCompletionRejectsKeyInFlight(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, client, nil)

	claim, err := h.container.Idempotency.Claim(context.Background(), "u1", "busy")
	require.NoError(t, err)

	headers := userHeaders("u1")
	headers["Idempotency-Key"] = "busy"
	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), headers)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "idempotency_key_in_use", body["error"])
	require.Zero(t, h.upstream.chatCalls.Load())

	h.container.Idempotency.Abandon(context.Background(), "u1", "busy", claim)
	resp, _ = h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, h.upstream.chatCalls.Load())
}

func TestChatCompletionReleasesKeyAfterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, client, nil)
	h.upstream.status = http.StatusInternalServerError

	headers := userHeaders("u1")
	headers["Idempotency-Key"] = "retry-me"
	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), headers)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	h.upstream.status = http.StatusOK
	resp, _ = h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))
}

func TestChatCompletionReplaysIdempotentResponse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, client, nil)

	headers := userHeaders("u1")
	headers["Idempotency-Key"] = "abc"
	first, firstBody := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), headers)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, secondBody := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), headers)
	require.Equal(t, http.StatusOK, second.StatusCode)
	require.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))
	require.Equal(t, firstBody, secondBody)
	require.EqualValues(t, 1, h.upstream.chatCalls.Load())

	acct, err := h.container.Ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(752), acct.UsedTokens)
}

func TestChatCompletionRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := newHarness(t, client, func(cfg *config.Config) { cfg.RateLimits.RequestsPerMinute = 1 })
	h.upstream.total = 100

	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limit_exceeded", body["error"])
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u2"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUserUsageAndAlerts(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.upstream.total = 2200

	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, usage := h.do(t, http.MethodGet, "/v1/user/usage?limit=500", nil, userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 200, usage["limit"])
	require.Len(t, usage["transactions"], 1)
	summary := usage["summary"].(map[string]any)
	require.EqualValues(t, 827, summary["used_tokens"])
	require.EqualValues(t, 173, summary["remaining_tokens"])

	resp, alerts := h.do(t, http.MethodGet, "/v1/user/alerts", nil, userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := alerts["alerts"].([]any)
	require.Len(t, list, 1)
	require.Equal(t, "threshold_80", list[0].(map[string]any)["alert_type"])
}

func TestModelsAndHealth(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].([]any)
	require.Len(t, data, 2)
	require.Equal(t, "gpt-4o", data[0].(map[string]any)["id"])

	resp, body = h.do(t, http.MethodGet, "/v1/models/gpt-4", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "openai", body["owned_by"])
	require.EqualValues(t, 8192, body["context_window"])
	require.Equal(t, "0.03", body["cost_per_1k_tokens"])

	resp, body = h.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "connected", body["provider"].(map[string]any)["status"])

	resp, body = h.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, _ := h.do(t, http.MethodGet, "/admin/stats", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/admin/stats", nil, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	disabled := newHarness(t, nil, func(cfg *config.Config) { cfg.Admin.TokenHash = "" })
	resp, _ = disabled.do(t, http.MethodGet, "/admin/stats", nil, adminHeaders())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminAccountLifecycle(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	_, err := h.container.Ledger.GetOrCreateAccount(ctx, "u1", "u1@example.com", "")
	require.NoError(t, err)
	_, err = h.container.Ledger.GetOrCreateAccount(ctx, "u2", "u2@example.com", "")
	require.NoError(t, err)

	resp, page := h.do(t, http.MethodGet, "/admin/accounts?per_page=1&page=2", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, page["users"], 1)
	pagination := page["pagination"].(map[string]any)
	require.EqualValues(t, 2, pagination["total"])
	require.EqualValues(t, 2, pagination["pages"])

	resp, body := h.do(t, http.MethodPost, "/admin/accounts/u1/credit", map[string]any{"tokens": 500}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1500, body["user"].(map[string]any)["total_tokens"])
	require.NotZero(t, body["transaction_id"])

	resp, body = h.do(t, http.MethodPost, "/admin/accounts/u1/credit", map[string]any{"tokens": 0}, adminHeaders())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_amount", body["error"])

	resp, body = h.do(t, http.MethodPost, "/admin/accounts/ghost/credit", map[string]any{"tokens": 10}, adminHeaders())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "user_not_found", body["error"])

	resp, body = h.do(t, http.MethodPost, "/admin/accounts/u1/status", map[string]any{"active": false}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, false, body["user"].(map[string]any)["is_active"])

	resp, body = h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, "account_inactive", body["reason"])

	resp, body = h.do(t, http.MethodGet, "/admin/accounts/u1", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["recent_transactions"], 1)

	resp, body = h.do(t, http.MethodGet, "/admin/stats", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	users := body["users"].(map[string]any)
	require.EqualValues(t, 2, users["total"])
	require.EqualValues(t, 1, users["active"])
	tokens := body["tokens"].(map[string]any)
	require.EqualValues(t, 2500, tokens["total_distributed"])

	resp, body = h.do(t, http.MethodGet, "/admin/accounts/u1/reconcile", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["balanced"])
}

func TestAdminRefund(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/admin/accounts/u1/refund", map[string]any{"tokens": 5000}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 752, body["refunded"])
	require.EqualValues(t, 0, body["user"].(map[string]any)["used_tokens"])
}

func TestAdminSettings(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPut, "/admin/settings/conversion_factor", map[string]any{"value": "0.5"}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0.5", body["value"])

	resp, _ = h.do(t, http.MethodPut, "/admin/settings/conversion_factor", map[string]any{"value": "abc"}, adminHeaders())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodGet, "/admin/settings", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["settings"])

	resp, _ = h.do(t, http.MethodGet, "/admin/settings/missing_key", nil, adminHeaders())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1000, body["gateway_usage"].(map[string]any)["tokens_consumed"])
}

func TestAdminExportRoundTrip(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, _ := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-3.5-turbo", "hi"), userHeaders("u1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, report := h.do(t, http.MethodPost, "/admin/exports", map[string]any{"account_id": "u1"}, adminHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.EqualValues(t, 1, report["rows"])
	key := report["key"].(string)
	require.True(t, strings.HasPrefix(key, "exports/"))

	req := httptest.NewRequest(http.MethodGet, "/admin/"+key, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	dl, err := h.server.App().Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, dl.StatusCode)
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "id,account_id,kind"))

	resp, _ = h.do(t, http.MethodGet, "/admin/exports/2026/01/01/missing.csv", nil, adminHeaders())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/admin/exports", map[string]any{"from": "yesterday"}, adminHeaders())
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, listed := h.do(t, http.MethodGet, "/admin/exports", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exports := listed["exports"].([]any)
	require.Len(t, exports, 1)
	require.Equal(t, key, exports[0].(map[string]any)["key"])

	resp, _ = h.do(t, http.MethodDelete, "/admin/"+key, nil, adminHeaders())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, listed = h.do(t, http.MethodGet, "/admin/exports", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, listed["exports"])
}
