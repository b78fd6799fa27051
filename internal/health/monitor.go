// Package health probes the primary provider in the background so the
// health route never waits on an upstream call.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/providers"
)

// Prober checks the primary provider.
type Prober interface {
	HealthCheck(ctx context.Context) providers.Health
	PrimaryName() string
}

// Gauge receives probe results.
type Gauge interface {
	SetProviderHealth(backend string, healthy bool)
}

// Status is the latest probe result.
type Status struct {
	providers.Health
	CheckedAt time.Time `json:"checked_at"`
}

// Monitor periodically probes the provider and caches the result.
type Monitor struct {
	prober    Prober
	gauge     Gauge
	interval  time.Duration
	logger    *slog.Logger
	startOnce sync.Once

	mu   sync.RWMutex
	last Status
}

func NewMonitor(prober Prober, gauge Gauge, cfg config.HealthConfig, logger *slog.Logger) *Monitor {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{prober: prober, gauge: gauge, interval: interval, logger: logger}
}

// Start begins the probe loop until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	if m == nil || m.prober == nil {
		return
	}
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and stores the result.
func (m *Monitor) Check(ctx context.Context) Status {
	status := Status{Health: m.prober.HealthCheck(ctx), CheckedAt: time.Now().UTC()}

	m.mu.Lock()
	prev := m.last
	m.last = status
	m.mu.Unlock()

	if m.gauge != nil {
		m.gauge.SetProviderHealth(m.prober.PrimaryName(), status.Healthy)
	}
	if prev.CheckedAt.IsZero() || prev.Healthy != status.Healthy {
		level := slog.LevelInfo
		if !status.Healthy {
			level = slog.LevelWarn
		}
		m.logger.Log(ctx, level, "provider health changed",
			slog.String("backend", m.prober.PrimaryName()),
			slog.Bool("healthy", status.Healthy),
			slog.String("message", status.Message),
		)
	}
	return status
}

// Status returns the cached result, probing once if nothing is cached yet.
func (m *Monitor) Status(ctx context.Context) Status {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last.CheckedAt.IsZero() {
		return m.Check(ctx)
	}
	return last
}
