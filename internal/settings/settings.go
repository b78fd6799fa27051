// Package settings holds the process-wide SystemConfig key/value pairs.
// Values are seeded from configuration, cached in memory and refreshed on
// every upsert.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ncecere/metering_gateway/internal/alerts"
	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/ledger"
)

const (
	KeyDefaultTokensPerUser = "default_tokens_per_user"
	KeyConversionFactor     = "conversion_factor"
	KeyAlertThreshold80     = "alert_threshold_80"
	KeyAlertThreshold95     = "alert_threshold_95"
	KeyCreditsEmail         = "credits_email"
	KeySystemName           = "system_name"
)

var (
	ErrNotFound     = errors.New("setting not found")
	ErrInvalidValue = errors.New("invalid setting value")
)

type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists settings.
type Store interface {
	ListSettings(ctx context.Context) ([]Setting, error)
	UpsertSetting(ctx context.Context, s Setting) (Setting, error)
	// InsertSettingIfAbsent leaves existing keys untouched.
	InsertSettingIfAbsent(ctx context.Context, s Setting) error
}

type validator func(string) error

var validators = map[string]validator{
	KeyDefaultTokensPerUser: func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidValue, KeyDefaultTokensPerUser)
		}
		return nil
	},
	KeyConversionFactor: positiveFloat(KeyConversionFactor, false),
	KeyAlertThreshold80: positiveFloat(KeyAlertThreshold80, true),
	KeyAlertThreshold95: positiveFloat(KeyAlertThreshold95, true),
}

func positiveFloat(key string, fraction bool) validator {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || (fraction && f > 1) {
			if fraction {
				return fmt.Errorf("%w: %s must be within (0, 1]", ErrInvalidValue, key)
			}
			return fmt.Errorf("%w: %s must be a positive number", ErrInvalidValue, key)
		}
		return nil
	}
}

// Service caches settings and exposes typed views to the ledger and the
// alert debouncer.
type Service struct {
	store    Store
	defaults []Setting

	mu     sync.RWMutex
	values map[string]Setting
}

func NewService(store Store, metering config.MeteringConfig, alertCfg config.AlertsConfig) *Service {
	defaults := []Setting{
		{Key: KeyDefaultTokensPerUser, Value: strconv.FormatInt(metering.DefaultTokensPerUser, 10), Description: "Tokens granted to new accounts"},
		{Key: KeyConversionFactor, Value: formatFloat(metering.ConversionFactor), Description: "Provider token to billed token conversion factor"},
		{Key: KeyAlertThreshold80, Value: formatFloat(metering.AlertThreshold80), Description: "Usage fraction for the first alert"},
		{Key: KeyAlertThreshold95, Value: formatFloat(metering.AlertThreshold95), Description: "Usage fraction for the second alert"},
		{Key: KeyCreditsEmail, Value: alertCfg.CreditsEmail, Description: "Contact for token requests"},
		{Key: KeySystemName, Value: alertCfg.SystemName, Description: "Name used in notifications"},
	}
	values := make(map[string]Setting, len(defaults))
	for _, d := range defaults {
		values[d.Key] = d
	}
	return &Service{store: store, defaults: defaults, values: values}
}

// Seed writes defaults for absent keys and loads the stored values.
func (s *Service) Seed(ctx context.Context) error {
	for _, d := range s.defaults {
		d.UpdatedAt = time.Now().UTC()
		if err := s.store.InsertSettingIfAbsent(ctx, d); err != nil {
			return fmt.Errorf("seed setting %s: %w", d.Key, err)
		}
	}
	return s.Refresh(ctx)
}

// Refresh reloads the cache from the store.
func (s *Service) Refresh(ctx context.Context) error {
	stored, err := s.store.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("list settings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, setting := range stored {
		s.values[setting.Key] = setting
	}
	return nil
}

// List returns every cached setting.
func (s *Service) List() []Setting {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Setting, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	return out
}

// Get returns one setting.
func (s *Service) Get(key string) (Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return Setting{}, ErrNotFound
	}
	return v, nil
}

// Upsert validates and stores a setting, then updates the cache.
func (s *Service) Upsert(ctx context.Context, key, value, description string) (Setting, error) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return Setting{}, fmt.Errorf("%w: key required", ErrInvalidValue)
	}
	if validate, ok := validators[key]; ok {
		if err := validate(value); err != nil {
			return Setting{}, err
		}
	}
	if err := s.checkThresholdOrder(key, value); err != nil {
		return Setting{}, err
	}

	if description == "" {
		if existing, err := s.Get(key); err == nil {
			description = existing.Description
		}
	}
	stored, err := s.store.UpsertSetting(ctx, Setting{
		Key:         key,
		Value:       value,
		Description: description,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return Setting{}, fmt.Errorf("upsert setting %s: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = stored
	s.mu.Unlock()
	return stored, nil
}

func (s *Service) checkThresholdOrder(key, value string) error {
	th := s.AlertThresholds(context.Background())
	f, _ := strconv.ParseFloat(value, 64)
	switch key {
	case KeyAlertThreshold80:
		th.Warning = f
	case KeyAlertThreshold95:
		th.Critical = f
	default:
		return nil
	}
	if th.Warning > th.Critical {
		return fmt.Errorf("%w: %s must not exceed %s", ErrInvalidValue, KeyAlertThreshold80, KeyAlertThreshold95)
	}
	return nil
}

// LedgerConfig implements ledger.ConfigSource.
func (s *Service) LedgerConfig(context.Context) ledger.Config {
	return ledger.Config{
		DefaultTokens:    s.int64Value(KeyDefaultTokensPerUser, ledger.DefaultTokensPerAccount),
		ConversionFactor: s.floatValue(KeyConversionFactor, ledger.DefaultConversionFactor),
	}
}

// AlertThresholds implements alerts.ThresholdSource.
func (s *Service) AlertThresholds(context.Context) alerts.Thresholds {
	return alerts.Thresholds{
		Warning:  s.floatValue(KeyAlertThreshold80, alerts.DefaultWarningThreshold),
		Critical: s.floatValue(KeyAlertThreshold95, alerts.DefaultCriticalThreshold),
	}
}

func (s *Service) CreditsEmail() string { return s.stringValue(KeyCreditsEmail) }

func (s *Service) SystemName() string { return s.stringValue(KeySystemName) }

func (s *Service) stringValue(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key].Value
}

func (s *Service) int64Value(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(s.stringValue(key), 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *Service) floatValue(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(s.stringValue(key), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
