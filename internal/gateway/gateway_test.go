package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/alerts"
	"github.com/ncecere/metering_gateway/internal/estimator"
	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/models"
	"github.com/ncecere/metering_gateway/internal/providers"
	"github.com/ncecere/metering_gateway/internal/store/sqlite"
)

type dispatchFunc func(ctx context.Context, req models.ChatRequest) (providers.Result, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req models.ChatRequest) (providers.Result, error) {
	return f(ctx, req)
}

type countingNotifier struct {
	blocked atomic.Int32
	other   atomic.Int32
}

func (n *countingNotifier) NotifyThreshold80(context.Context, ledger.Account) bool {
	n.other.Add(1)
	return true
}

func (n *countingNotifier) NotifyThreshold95(context.Context, ledger.Account) bool {
	n.other.Add(1)
	return true
}

func (n *countingNotifier) NotifyBlocked(context.Context, ledger.Account) bool {
	n.blocked.Add(1)
	return true
}

func (n *countingNotifier) NotifyCreditsAdded(context.Context, ledger.Account, int64, int64) bool {
	return true
}

type harness struct {
	ledger   *ledger.Ledger
	notifier *countingNotifier
	calls    atomic.Int32
}

func newHarness(t *testing.T, cfg Config, dispatch dispatchFunc) (*Gateway, *harness) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		ledger:   ledger.New(store, ledger.StaticConfig{DefaultTokens: 1000, ConversionFactor: 0.376}),
		notifier: &countingNotifier{},
	}
	debouncer := alerts.NewDebouncer(store, h.notifier, nil)
	counted := dispatchFunc(func(ctx context.Context, req models.ChatRequest) (providers.Result, error) {
		h.calls.Add(1)
		return dispatch(ctx, req)
	})
	_, err = h.ledger.GetOrCreateAccount(context.Background(), "u1", "", "")
	require.NoError(t, err)
	return New(estimator.New(nil), h.ledger, counted, debouncer, cfg), h
}

func okResult(total int64) dispatchFunc {
	if total <= 0 {
		return resultWithUsage(nil)
	}
	return resultWithUsage(&models.Usage{PromptTokens: total / 2, CompletionTokens: total - total/2, TotalTokens: total})
}

func resultWithUsage(usage *models.Usage) dispatchFunc {
	return func(ctx context.Context, req models.ChatRequest) (providers.Result, error) {
		raw := []byte(`{"id":"chatcmpl-9","object":"chat.completion","choices":[{"message":{"role":"assistant","content":"hi"}}]}`)
		resp := models.ChatResponse{ID: "chatcmpl-9", Raw: raw, Usage: usage}
		return providers.Result{
			Backend:  providers.BackendLiteLLM,
			Response: resp,
			Payload:  providers.Normalize(req, providers.Defaults{}),
		}, nil
	}
}

func hello() Request {
	return Request{
		AccountID: "u1",
		RequestID: "req-1",
		Chat:      models.ChatRequest{Messages: []models.ChatMessage{{Role: "user", Content: models.TextContent("hello")}}},
	}
}

func TestCompleteSettlesProviderUsage(t *testing.T) {
	gw, h := newHarness(t, Config{SettleOnCancel: true}, okResult(2000))

	out, err := gw.Complete(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, int64(100), out.Estimate)
	require.Equal(t, int64(752), out.Usage.TokensConsumed)
	require.Equal(t, int64(248), out.Usage.RemainingTokens)
	require.InDelta(t, 75.2, out.Usage.UsagePercentage, 1e-9)
	require.NotZero(t, out.Usage.TransactionID)
	require.Equal(t, "0.004", out.Usage.CostUSD)
	require.Empty(t, out.Alerts)
	require.Equal(t, "chatcmpl-9", out.Settlement.Transaction.RequestID)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, acct.ReservedTokens)
	require.Equal(t, int64(752), acct.UsedTokens)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Body(), &body))
	require.Contains(t, body, "choices")
	var usage UsageSummary
	require.NoError(t, json.Unmarshal(body[UsageKey], &usage))
	require.Equal(t, out.Usage, usage)
}

func TestCompleteBlocksAndAlertsOnce(t *testing.T) {
	gw, h := newHarness(t, Config{SettleOnCancel: true}, okResult(2000))

	_, err := gw.Complete(context.Background(), hello())
	require.NoError(t, err)

	gw.dispatcher = okResult(1000)
	out, err := gw.Complete(context.Background(), hello())
	require.NoError(t, err)
	require.True(t, out.Settlement.Account.Blocked)
	require.Zero(t, out.Usage.RemainingTokens)
	require.Equal(t, int32(1), h.notifier.blocked.Load())
	require.Equal(t, int32(2), h.notifier.other.Load())

	_, err = gw.Complete(context.Background(), hello())
	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindInsufficient, gerr.Kind)
	require.Equal(t, http.StatusPaymentRequired, gerr.Status)
	require.Equal(t, ledger.ReasonBlocked, gerr.Reason)
	require.NotNil(t, gerr.Account)
	require.Equal(t, int32(1), h.notifier.blocked.Load())
}

func TestCompleteRejectsBeforeDispatch(t *testing.T) {
	gw, h := newHarness(t, Config{}, okResult(10))

	big := hello()
	big.Chat.Messages[0].Content = models.TextContent(string(make([]byte, 4000)))
	big.Chat.Model = "gpt-4"

	_, err := gw.Complete(context.Background(), big)
	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindInsufficient, gerr.Kind)
	require.Equal(t, ledger.ReasonInsufficientFunds, gerr.Reason)
	require.Equal(t, int64(1500), gerr.Estimate)
	require.Zero(t, h.calls.Load())
}

func TestCompleteReleasesOnProviderFailure(t *testing.T) {
	failing := dispatchFunc(func(context.Context, models.ChatRequest) (providers.Result, error) {
		return providers.Result{}, &providers.Error{Code: providers.CodeTimeout, Kind: providers.KindTimeout, Backend: "openai"}
	})
	gw, h := newHarness(t, Config{SettleOnCancel: true}, failing)

	out, err := gw.Complete(context.Background(), hello())
	require.Equal(t, StateDispatchFailed, out.State)
	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, KindProvider, gerr.Kind)
	require.Equal(t, http.StatusGatewayTimeout, gerr.Status)
	require.Equal(t, providers.CodeTimeout, gerr.Code)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, acct.ReservedTokens)
	require.Zero(t, acct.UsedTokens)

	txns, err := h.ledger.Transactions(context.Background(), ledger.TransactionFilter{AccountID: "u1"})
	require.NoError(t, err)
	require.Empty(t, txns)
}

func TestCompleteSettlesEstimateWithoutUsage(t *testing.T) {
	gw, _ := newHarness(t, Config{SettleOnCancel: true}, okResult(0))

	out, err := gw.Complete(context.Background(), hello())
	require.NoError(t, err)
	require.Equal(t, int64(100), out.Usage.ProviderTokens)
	require.Equal(t, int64(38), out.Usage.TokensConsumed)
}

func TestCompleteTrustsReportedZeroUsage(t *testing.T) {
	gw, h := newHarness(t, Config{SettleOnCancel: true}, resultWithUsage(&models.Usage{}))

	out, err := gw.Complete(context.Background(), hello())
	require.NoError(t, err)
	require.Zero(t, out.Usage.ProviderTokens)
	require.Zero(t, out.Usage.TokensConsumed)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, acct.UsedTokens)
	require.Zero(t, acct.ReservedTokens)
}

func TestCompleteEstimatesUnreadableContent(t *testing.T) {
	cases := []struct {
		name     string
		content  string
		estimate int64
	}{
		{"number", `42`, estimator.MinimumEstimate},
		{"object", `{"a":1}`, estimator.MinimumEstimate},
		{"non-string text part", `[{"type":"text","text":5}]`, estimator.FallbackEstimate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var forwarded []byte
			dispatch := dispatchFunc(func(ctx context.Context, req models.ChatRequest) (providers.Result, error) {
				raw, err := json.Marshal(req.Messages[0].Content)
				require.NoError(t, err)
				forwarded = raw
				return okResult(100)(ctx, req)
			})
			gw, _ := newHarness(t, Config{SettleOnCancel: true}, dispatch)

			chat, err := ParseRequest([]byte(`{"messages":[{"role":"user","content":` + tc.content + `}]}`))
			require.NoError(t, err)

			out, err := gw.Complete(context.Background(), Request{AccountID: "u1", RequestID: "req-1", Chat: chat})
			require.NoError(t, err)
			require.Equal(t, tc.estimate, out.Estimate)
			require.JSONEq(t, tc.content, string(forwarded))
		})
	}
}

func TestCompleteSettlesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatch := dispatchFunc(func(dctx context.Context, req models.ChatRequest) (providers.Result, error) {
		cancel()
		if dctx.Err() != nil {
			return providers.Result{}, &providers.Error{Code: providers.CodeCancelled, Kind: providers.KindCancelled}
		}
		return okResult(1000)(dctx, req)
	})
	gw, h := newHarness(t, Config{SettleOnCancel: true, SettleTimeout: time.Second}, dispatch)

	out, err := gw.Complete(ctx, hello())
	require.NoError(t, err)
	require.Equal(t, int64(376), out.Usage.TokensConsumed)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(376), acct.UsedTokens)
}

func TestCompleteAbortsOnCancelWhenConfigured(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatch := dispatchFunc(func(dctx context.Context, req models.ChatRequest) (providers.Result, error) {
		cancel()
		<-dctx.Done()
		return providers.Result{}, &providers.Error{Code: providers.CodeCancelled, Kind: providers.KindCancelled}
	})
	gw, h := newHarness(t, Config{SettleOnCancel: false}, dispatch)

	_, err := gw.Complete(ctx, hello())
	gerr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, StatusClientClosedRequest, gerr.Status)

	acct, err := h.ledger.Account(context.Background(), "u1")
	require.NoError(t, err)
	require.Zero(t, acct.ReservedTokens)
	require.Zero(t, acct.UsedTokens)
}

func TestParseRequestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"not object", `[1,2]`, "request body must be a JSON object"},
		{"missing messages", `{"model":"gpt-4"}`, "field 'messages' is required"},
		{"empty messages", `{"messages":[]}`, "field 'messages' must be a non-empty list"},
		{"messages not list", `{"messages":"hi"}`, "field 'messages' must be a non-empty list"},
		{"message not object", `{"messages":["hi"]}`, "message 0 must be an object"},
		{"missing role", `{"messages":[{"content":"hi"}]}`, "message 0 must have a 'role' field"},
		{"missing content", `{"messages":[{"role":"user"}]}`, "message 0 must have a 'content' field"},
		{"bad role", `{"messages":[{"role":"user","content":"a"},{"role":"tool","content":"b"}]}`, `message 1 has invalid role: "tool"`},
		{"model not string", `{"model":4,"messages":[{"role":"user","content":"hi"}]}`, "field 'model' must be a string"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tc.body))
			gerr, ok := AsError(err)
			if !ok {
				t.Fatalf("expected *Error, got %v", err)
			}
			if gerr.Kind != KindValidation || gerr.Status != http.StatusBadRequest {
				t.Fatalf("unexpected error kind %s status %d", gerr.Kind, gerr.Status)
			}
			if gerr.Message != tc.want {
				t.Fatalf("message = %q, want %q", gerr.Message, tc.want)
			}
		})
	}

	req, err := ParseRequest([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],"max_tokens":5}`))
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", req.Model)
	require.True(t, req.Messages[0].Content.IsParts)
	require.Equal(t, 5, *req.MaxTokens)
}

func TestBodyPassesThroughNonJSON(t *testing.T) {
	out := Outcome{Response: models.ChatResponse{Raw: []byte("data: [DONE]\n\n")}}
	require.Equal(t, "data: [DONE]\n\n", string(out.Body()))
}
