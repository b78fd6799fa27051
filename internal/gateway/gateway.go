// Package gateway sequences a metered completion: estimate, reserve,
// dispatch, settle, evaluate alerts. Expected business outcomes come back as
// *Error values; nothing here panics on a rejected request.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncecere/metering_gateway/internal/alerts"
	"github.com/ncecere/metering_gateway/internal/estimator"
	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/models"
	"github.com/ncecere/metering_gateway/internal/providers"
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceived        State = "received"
	StateEstimated       State = "estimated"
	StateAuthorized      State = "authorized"
	StateRejected        State = "rejected"
	StateDispatched      State = "dispatched"
	StateDispatchFailed  State = "dispatch_failed"
	StateSettled         State = "settled"
	StateAlertsEvaluated State = "alerts_evaluated"
	StateCompleted       State = "completed"
)

// Estimator sizes a request before dispatch.
type Estimator interface {
	Estimate(req models.ChatRequest) int64
}

// Ledger is the subset of the account ledger the gateway drives.
type Ledger interface {
	Reserve(ctx context.Context, id string, tokensNeeded int64) (ledger.Reservation, ledger.Decision, error)
	Release(ctx context.Context, res ledger.Reservation) error
	Settle(ctx context.Context, id string, actualTokensUsed int64, details ledger.SettleDetails) (ledger.Settlement, error)
}

// Dispatcher sends the request upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.ChatRequest) (providers.Result, error)
}

// AlertEvaluator runs after every settlement.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, acct ledger.Account, wasBlocked bool) []alerts.Alert
}

// Recorder receives request-level metrics.
type Recorder interface {
	RecordAuthorization(allowed bool, reason string)
	RecordSettlement(model, backend string, providerTokens, debited int64)
}

// Config tunes cancellation handling.
type Config struct {
	// SettleOnCancel detaches dispatch and settlement from the caller so a
	// disconnect still charges for the completed call.
	SettleOnCancel bool
	// SettleTimeout bounds the ledger and alert work after dispatch.
	SettleTimeout time.Duration
}

// Request is one metered completion.
type Request struct {
	AccountID string
	RequestID string
	Chat      models.ChatRequest
}

// UsageSummary is appended to successful responses.
type UsageSummary struct {
	TokensConsumed  int64   `json:"tokens_consumed"`
	ProviderTokens  int64   `json:"provider_tokens"`
	RemainingTokens int64   `json:"remaining_tokens"`
	UsagePercentage float64 `json:"usage_percentage"`
	TransactionID   int64   `json:"transaction_id"`
	CostUSD         string  `json:"cost_usd"`
	Provider        string  `json:"provider"`
}

// Outcome is a completed request.
type Outcome struct {
	State       State
	Estimate    int64
	Backend     string
	Response    models.ChatResponse
	ContentType string
	Settlement  ledger.Settlement
	Alerts      []alerts.Alert
	Usage       UsageSummary
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(g *Gateway) { g.recorder = rec }
}

// Gateway is the Orchestrator.
type Gateway struct {
	estimator  Estimator
	ledger     Ledger
	dispatcher Dispatcher
	alerts     AlertEvaluator
	cfg        Config
	logger     *slog.Logger
	recorder   Recorder
	tracer     trace.Tracer
}

func New(est Estimator, l Ledger, d Dispatcher, a AlertEvaluator, cfg Config, opts ...Option) *Gateway {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	g := &Gateway{
		estimator:  est,
		ledger:     l,
		dispatcher: d,
		alerts:     a,
		cfg:        cfg,
		logger:     slog.Default(),
		tracer:     otel.Tracer("metering-gateway/gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete runs one request through the state machine. Failures are always
// *Error.
func (g *Gateway) Complete(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.complete", trace.WithAttributes(
		attribute.String("account.id", req.AccountID),
		attribute.String("request.id", req.RequestID),
	))
	defer span.End()

	logger := g.logger.With(slog.String("account_id", req.AccountID), slog.String("request_id", req.RequestID))
	out := Outcome{State: StateReceived}

	out.Estimate = g.estimator.Estimate(req.Chat)
	out.State = StateEstimated

	reservation, decision, err := g.ledger.Reserve(ctx, req.AccountID, out.Estimate)
	if err != nil {
		logger.ErrorContext(ctx, "reserve tokens failed", slog.String("error", err.Error()))
		return out, internalError(err)
	}
	if g.recorder != nil {
		g.recorder.RecordAuthorization(decision.Allowed, string(decision.Reason))
	}
	if !decision.Allowed {
		out.State = StateRejected
		logger.InfoContext(ctx, "request rejected",
			slog.String("reason", string(decision.Reason)),
			slog.Int64("estimate", out.Estimate),
			slog.Int64("available", decision.Account.Available()),
		)
		return out, insufficientError(decision, out.Estimate)
	}
	out.State = StateAuthorized

	workCtx := ctx
	if g.cfg.SettleOnCancel {
		workCtx = context.WithoutCancel(ctx)
	}

	result, err := g.dispatcher.Dispatch(workCtx, req.Chat)
	if err != nil {
		out.State = StateDispatchFailed
		g.release(ctx, logger, reservation)
		var perr *providers.Error
		if errors.As(err, &perr) {
			return out, providerError(perr)
		}
		logger.ErrorContext(ctx, "dispatch failed", slog.String("error", err.Error()))
		return out, internalError(err)
	}
	out.State = StateDispatched
	out.Backend = result.Backend
	out.Response = result.Response
	out.ContentType = result.ContentType

	settleCtx, cancel := context.WithTimeout(workCtx, g.cfg.SettleTimeout)
	defer cancel()

	actual := out.Estimate
	usage := result.Response.Usage
	if usage != nil {
		actual = max(usage.TotalTokens, 0)
	} else {
		logger.WarnContext(ctx, "provider response carried no usage, settling the estimate",
			slog.String("backend", result.Backend),
			slog.Int64("estimate", out.Estimate),
		)
	}
	model := result.Payload.Model
	requestID := result.Response.ID
	if requestID == "" {
		requestID = req.RequestID
	}

	settlement, err := g.ledger.Settle(settleCtx, req.AccountID, actual, ledger.SettleDetails{
		Model:       model,
		RequestID:   requestID,
		CostUSD:     estimator.Cost(model, actual),
		Usage:       usage,
		Reservation: &reservation,
	})
	if err != nil {
		logger.ErrorContext(ctx, "settlement failed after successful dispatch",
			slog.String("backend", result.Backend),
			slog.String("model", model),
			slog.Int64("provider_tokens", actual),
			slog.String("error", err.Error()),
		)
		g.release(settleCtx, logger, reservation)
		return out, internalError(err)
	}
	out.State = StateSettled
	out.Settlement = settlement
	if g.recorder != nil {
		g.recorder.RecordSettlement(model, result.Backend, actual, settlement.Debited)
	}

	if g.alerts != nil {
		out.Alerts = g.alerts.Evaluate(settleCtx, settlement.Account, settlement.WasBlocked)
	}
	out.State = StateAlertsEvaluated

	out.Usage = UsageSummary{
		TokensConsumed:  settlement.Debited,
		ProviderTokens:  actual,
		RemainingTokens: settlement.Account.Remaining(),
		UsagePercentage: settlement.Account.UsagePercent(),
		TransactionID:   settlement.Transaction.ID,
		CostUSD:         settlement.Transaction.CostUSD.String(),
		Provider:        result.Backend,
	}
	out.State = StateCompleted
	span.SetAttributes(attribute.Int64("tokens.debited", settlement.Debited))
	logger.InfoContext(ctx, "request settled",
		slog.String("backend", result.Backend),
		slog.String("model", model),
		slog.Int64("provider_tokens", actual),
		slog.Int64("debited", settlement.Debited),
		slog.Int64("remaining", settlement.Account.Remaining()),
	)
	return out, nil
}

func (g *Gateway) release(ctx context.Context, logger *slog.Logger, res ledger.Reservation) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.SettleTimeout)
	defer cancel()
	if err := g.ledger.Release(ctx, res); err != nil {
		logger.ErrorContext(ctx, "release reservation failed",
			slog.Int64("tokens", res.Tokens),
			slog.String("error", err.Error()),
		)
	}
}
