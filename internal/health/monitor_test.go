package health

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/providers"
)

type fakeProber struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (f *fakeProber) HealthCheck(context.Context) providers.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.healthy {
		return providers.Health{Healthy: true, Message: "ok"}
	}
	return providers.Health{Healthy: false, Message: "litellm returned status 503"}
}

func (f *fakeProber) PrimaryName() string { return "litellm" }

type recordingGauge struct {
	values map[string]bool
}

func (g *recordingGauge) SetProviderHealth(backend string, healthy bool) {
	g.values[backend] = healthy
}

func TestMonitorCachesStatus(t *testing.T) {
	prober := &fakeProber{healthy: true}
	gauge := &recordingGauge{values: map[string]bool{}}
	m := NewMonitor(prober, gauge, config.HealthConfig{}, nil)

	status := m.Status(context.Background())
	require.True(t, status.Healthy)
	require.False(t, status.CheckedAt.IsZero())
	require.True(t, gauge.values["litellm"])

	m.Status(context.Background())
	require.Equal(t, 1, prober.calls)

	prober.healthy = false
	status = m.Check(context.Background())
	require.False(t, status.Healthy)
	require.Equal(t, "litellm returned status 503", status.Message)
	require.False(t, gauge.values["litellm"])
	require.False(t, m.Status(context.Background()).Healthy)
}
