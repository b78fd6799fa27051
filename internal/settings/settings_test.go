package settings

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/config"
)

type memoryStore struct {
	mu     sync.Mutex
	values map[string]Setting
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]Setting{}}
}

func (m *memoryStore) ListSettings(context.Context) ([]Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Setting, 0, len(m.values))
	for _, v := range m.values {
		out = append(out, v)
	}
	return out, nil
}

func (m *memoryStore) UpsertSetting(_ context.Context, s Setting) (Setting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[s.Key] = s
	return s, nil
}

func (m *memoryStore) InsertSettingIfAbsent(_ context.Context, s Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[s.Key]; !ok {
		m.values[s.Key] = s
	}
	return nil
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	svc := NewService(store, config.MeteringConfig{
		DefaultTokensPerUser: 1000,
		ConversionFactor:     0.376,
		AlertThreshold80:     0.8,
		AlertThreshold95:     0.95,
	}, config.AlertsConfig{SystemName: "Gateway", CreditsEmail: "credits@example.com"})
	require.NoError(t, svc.Seed(context.Background()))
	return svc
}

func TestSeedUsesConfigDefaults(t *testing.T) {
	svc := newTestService(t, newMemoryStore())

	cfg := svc.LedgerConfig(context.Background())
	require.Equal(t, int64(1000), cfg.DefaultTokens)
	require.InDelta(t, 0.376, cfg.ConversionFactor, 1e-9)

	th := svc.AlertThresholds(context.Background())
	require.InDelta(t, 0.8, th.Warning, 1e-9)
	require.InDelta(t, 0.95, th.Critical, 1e-9)
	require.Equal(t, "Gateway", svc.SystemName())
	require.Equal(t, "credits@example.com", svc.CreditsEmail())
	require.Len(t, svc.List(), 6)
}

func TestSeedKeepsStoredValues(t *testing.T) {
	store := newMemoryStore()
	store.values[KeyDefaultTokensPerUser] = Setting{Key: KeyDefaultTokensPerUser, Value: "5000"}

	svc := newTestService(t, store)
	require.Equal(t, int64(5000), svc.LedgerConfig(context.Background()).DefaultTokens)
}

func TestUpsertAppliesImmediately(t *testing.T) {
	store := newMemoryStore()
	svc := newTestService(t, store)

	updated, err := svc.Upsert(context.Background(), KeyConversionFactor, "0.5", "")
	require.NoError(t, err)
	require.Equal(t, "0.5", updated.Value)
	require.NotEmpty(t, updated.Description)
	require.InDelta(t, 0.5, svc.LedgerConfig(context.Background()).ConversionFactor, 1e-9)
	require.Equal(t, "0.5", store.values[KeyConversionFactor].Value)
}

func TestUpsertValidation(t *testing.T) {
	svc := newTestService(t, newMemoryStore())
	ctx := context.Background()

	cases := []struct {
		key   string
		value string
	}{
		{KeyDefaultTokensPerUser, "-1"},
		{KeyDefaultTokensPerUser, "lots"},
		{KeyConversionFactor, "0"},
		{KeyAlertThreshold80, "1.5"},
		{KeyAlertThreshold95, "0.5"},
		{"", "x"},
	}
	for _, tc := range cases {
		_, err := svc.Upsert(ctx, tc.key, tc.value, "")
		if !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("Upsert(%q, %q) error = %v, want ErrInvalidValue", tc.key, tc.value, err)
		}
	}

	_, err := svc.Upsert(ctx, "support_url", "https://example.com", "free-form")
	require.NoError(t, err)
	got, err := svc.Get("support_url")
	require.NoError(t, err)
	require.Equal(t, "free-form", got.Description)

	_, err = svc.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}
