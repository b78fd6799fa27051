// Package providers dispatches chat completions to the primary LiteLLM proxy
// and, when that fails, directly to OpenAI.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/models"
)

const (
	DefaultTimeout       = 120 * time.Second
	DefaultHealthTimeout = 10 * time.Second
)

// Recorder receives one observation per upstream attempt.
type Recorder interface {
	RecordProviderAttempt(backend, model, outcome string, duration time.Duration)
}

// Attempt summarizes one upstream call made during Dispatch.
type Attempt struct {
	Backend  string
	Duration time.Duration
	Err      *Error
}

// Result is a successful dispatch.
type Result struct {
	Backend     string
	Response    models.ChatResponse
	ContentType string
	Payload     Payload
	Attempts    []Attempt
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// WithRequestOptions appends SDK options to both upstream clients.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(r *Router) { r.extra = append(r.extra, opts...) }
}

// Router is the ProviderRouter.
type Router struct {
	primary       *upstream
	fallback      *upstream
	defaults      Defaults
	healthTimeout time.Duration
	logger        *slog.Logger
	recorder      Recorder
	tracer        trace.Tracer
	extra         []option.RequestOption
}

func NewRouter(cfg config.ProvidersConfig, opts ...Option) *Router {
	r := &Router{
		defaults:      Defaults{Model: cfg.DefaultModel, Temperature: cfg.DefaultTemperature},
		healthTimeout: cfg.HealthTimeout,
		logger:        slog.Default(),
		tracer:        otel.Tracer("metering-gateway/providers"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.defaults.Temperature <= 0 {
		r.defaults.Temperature = DefaultTemperature
	}
	if r.healthTimeout <= 0 {
		r.healthTimeout = DefaultHealthTimeout
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	primaryName := cfg.Primary.Name
	if primaryName == "" {
		primaryName = BackendLiteLLM
	}
	fallbackName := cfg.Fallback.Name
	if fallbackName == "" {
		fallbackName = BackendOpenAI
	}
	r.primary = newUpstream(primaryName, CodeLiteLLMError, cfg.Primary, timeout, r.extra...)
	r.fallback = newUpstream(fallbackName, CodeOpenAIError, cfg.Fallback, timeout, r.extra...)
	return r
}

// Dispatch sends req to the primary and, on any failure, once to the
// fallback. The returned error is always an *Error.
func (r *Router) Dispatch(ctx context.Context, req models.ChatRequest) (Result, error) {
	payload := Normalize(req, r.defaults)
	ctx, span := r.tracer.Start(ctx, "providers.dispatch", trace.WithAttributes(attribute.String("llm.model", payload.Model)))
	defer span.End()

	result := Result{Payload: payload}

	resp, contentType, attempt := r.attempt(ctx, r.primary, payload)
	result.Attempts = append(result.Attempts, attempt)
	if attempt.Err == nil {
		result.Backend, result.Response, result.ContentType = r.primary.name, resp, contentType
		span.SetAttributes(attribute.String("llm.backend", result.Backend))
		return result, nil
	}
	primaryErr := attempt.Err
	if primaryErr.Kind == KindCancelled {
		span.SetStatus(codes.Error, primaryErr.Code)
		return result, primaryErr
	}

	r.logger.WarnContext(ctx, "primary provider failed, trying fallback",
		slog.String("backend", r.primary.name),
		slog.String("code", primaryErr.Code),
		slog.Int("status", primaryErr.StatusCode),
		slog.String("model", payload.Model),
	)

	if !r.fallback.hasAPIKey {
		err := &Error{
			Code:    CodeNoAPIKey,
			Kind:    KindConfig,
			Backend: r.fallback.name,
			Message: "fallback provider api key is not configured",
			Err:     ErrNoAPIKey,
			Primary: primaryErr,
		}
		span.SetStatus(codes.Error, err.Code)
		return result, err
	}

	resp, contentType, attempt = r.attempt(ctx, r.fallback, payload)
	result.Attempts = append(result.Attempts, attempt)
	if attempt.Err != nil {
		attempt.Err.Primary = primaryErr
		r.logger.ErrorContext(ctx, "fallback provider failed",
			slog.String("backend", r.fallback.name),
			slog.String("code", attempt.Err.Code),
			slog.Int("status", attempt.Err.StatusCode),
		)
		span.SetStatus(codes.Error, attempt.Err.Code)
		return result, attempt.Err
	}
	result.Backend, result.Response, result.ContentType = r.fallback.name, resp, contentType
	span.SetAttributes(attribute.String("llm.backend", result.Backend))
	return result, nil
}

func (r *Router) attempt(ctx context.Context, u *upstream, payload Payload) (models.ChatResponse, string, Attempt) {
	start := time.Now()
	resp, contentType, err := u.chat(ctx, payload)
	attempt := Attempt{Backend: u.name, Duration: time.Since(start)}
	outcome := "success"
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			perr = classify(ctx, u.name, u.httpCode, err)
		}
		attempt.Err = perr
		outcome = perr.Code
	} else {
		total := int64(0)
		if resp.Usage != nil {
			total = resp.Usage.TotalTokens
		}
		r.logger.InfoContext(ctx, "provider request succeeded",
			slog.String("backend", u.name),
			slog.String("model", payload.Model),
			slog.Int64("total_tokens", total),
		)
	}
	if r.recorder != nil {
		r.recorder.RecordProviderAttempt(u.name, payload.Model, outcome, attempt.Duration)
	}
	return resp, contentType, attempt
}

// Health is the outcome of a primary provider probe.
type Health struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// HealthCheck probes GET /health on the primary. Only HTTP 200 is healthy.
func (r *Router) HealthCheck(ctx context.Context) Health {
	status, _, err := r.primary.get(ctx, "health", r.healthTimeout)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) && perr.Kind == KindHTTP {
			return Health{Message: fmt.Sprintf("%s returned status %d", r.primary.name, perr.StatusCode)}
		}
		if errors.As(err, &perr) && perr.Kind == KindConnection {
			return Health{Message: fmt.Sprintf("could not connect to %s", r.primary.name)}
		}
		return Health{Message: fmt.Sprintf("error testing %s: %v", r.primary.name, err)}
	}
	if status != 200 {
		return Health{Message: fmt.Sprintf("%s returned status %d", r.primary.name, status)}
	}
	return Health{Healthy: true, Message: fmt.Sprintf("%s connected", r.primary.name)}
}

// ListModels returns model ids from the primary's /models endpoint. ok is
// false when the primary could not be queried.
func (r *Router) ListModels(ctx context.Context) (ids []string, ok bool) {
	status, raw, err := r.primary.get(ctx, "models", r.healthTimeout)
	if err != nil || status != 200 {
		if err != nil {
			r.logger.WarnContext(ctx, "list models failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		r.logger.WarnContext(ctx, "list models decode failed", slog.String("error", err.Error()))
		return nil, false
	}
	ids = make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		ids = append(ids, m.ID)
	}
	return ids, true
}

// Models returns the primary's models, or the built-in list when the
// primary is unreachable.
func (r *Router) Models(ctx context.Context) []string {
	if ids, ok := r.ListModels(ctx); ok {
		return ids
	}
	return append([]string(nil), DefaultModels...)
}

// PrimaryName and FallbackName identify the configured backends.
func (r *Router) PrimaryName() string  { return r.primary.name }
func (r *Router) FallbackName() string { return r.fallback.name }

// FallbackConfigured reports whether the fallback has credentials.
func (r *Router) FallbackConfigured() bool { return r.fallback.hasAPIKey }
