// Package observability wires logging, Prometheus metrics and OpenTelemetry
// tracing. A nil *Provider is valid and records nothing.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/metering_gateway/internal/config"
)

const namespace = "metering_gateway"

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequests     *promreg.CounterVec
	httpLatency      *promreg.HistogramVec
	providerAttempts *promreg.CounterVec
	providerLatency  *promreg.HistogramVec
	authorizations   *promreg.CounterVec
	tokens           *promreg.CounterVec
	alerts           *promreg.CounterVec
	providerHealthy  *promreg.GaugeVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "metering-gateway"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	provider := &Provider{}
	if cfg.EnableOTLP {
		tp, err := newTracerProvider(ctx, cfg.OTLPEndpoint, res)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		if err := provider.registerMetrics(registry); err != nil {
			return nil, err
		}
	}
	return provider, nil
}

func newTracerProvider(ctx context.Context, rawEndpoint string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	endpoint := strings.TrimSpace(rawEndpoint)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	var opts []otlptracegrpc.Option
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	default:
		endpoint = strings.TrimPrefix(endpoint, "http://")
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func (p *Provider) registerMetrics(registry *promreg.Registry) error {
	latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60}

	p.httpRequests = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})
	p.httpLatency = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   latencyBuckets,
	}, []string{"method", "route", "status"})
	p.providerAttempts = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "Upstream completion attempts by backend and outcome.",
	}, []string{"backend", "model", "outcome"})
	p.providerLatency = promreg.NewHistogramVec(promreg.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_request_duration_seconds",
		Help:      "Duration of upstream completion attempts.",
		Buckets:   latencyBuckets,
	}, []string{"backend", "outcome"})
	p.authorizations = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "authorizations_total",
		Help:      "Quota decisions by result and reason.",
	}, []string{"result", "reason"})
	p.tokens = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Settled tokens; type is provider (reported by upstream) or debited (charged to the account).",
	}, []string{"model", "backend", "type"})
	p.alerts = promreg.NewCounterVec(promreg.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts created by kind and delivery result.",
	}, []string{"kind", "sent"})
	p.providerHealthy = promreg.NewGaugeVec(promreg.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_healthy",
		Help:      "1 when the last health probe of the backend succeeded.",
	}, []string{"backend"})

	for _, c := range []promreg.Collector{
		p.httpRequests, p.httpLatency,
		p.providerAttempts, p.providerLatency,
		p.authorizations, p.tokens, p.alerts, p.providerHealthy,
	} {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil || p.httpRequests == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	p.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	p.httpLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// RecordProviderAttempt implements providers.Recorder.
func (p *Provider) RecordProviderAttempt(backend, model, outcome string, duration time.Duration) {
	if p == nil || p.providerAttempts == nil {
		return
	}
	p.providerAttempts.WithLabelValues(backend, model, outcome).Inc()
	p.providerLatency.WithLabelValues(backend, outcome).Observe(duration.Seconds())
}

// RecordAuthorization implements gateway.Recorder.
func (p *Provider) RecordAuthorization(allowed bool, reason string) {
	if p == nil || p.authorizations == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	p.authorizations.WithLabelValues(result, reason).Inc()
}

// RecordSettlement implements gateway.Recorder.
func (p *Provider) RecordSettlement(model, backend string, providerTokens, debited int64) {
	if p == nil || p.tokens == nil {
		return
	}
	if providerTokens > 0 {
		p.tokens.WithLabelValues(model, backend, "provider").Add(float64(providerTokens))
	}
	if debited > 0 {
		p.tokens.WithLabelValues(model, backend, "debited").Add(float64(debited))
	}
}

// RecordAlert implements alerts.Recorder.
func (p *Provider) RecordAlert(kind string, sent bool) {
	if p == nil || p.alerts == nil {
		return
	}
	p.alerts.WithLabelValues(kind, strconv.FormatBool(sent)).Inc()
}

// SetProviderHealth records the latest probe result for backend.
func (p *Provider) SetProviderHealth(backend string, healthy bool) {
	if p == nil || p.providerHealthy == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	p.providerHealthy.WithLabelValues(backend).Set(value)
}
