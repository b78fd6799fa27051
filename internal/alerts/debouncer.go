package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/timeutil"
)

const (
	DefaultWarningThreshold  = 0.80
	DefaultCriticalThreshold = 0.95
)

// Thresholds are usage fractions in (0, 1].
type Thresholds struct {
	Warning  float64
	Critical float64
}

// ThresholdSource supplies the current thresholds.
type ThresholdSource interface {
	AlertThresholds(ctx context.Context) Thresholds
}

// StaticThresholds is a fixed ThresholdSource.
type StaticThresholds Thresholds

func (t StaticThresholds) AlertThresholds(context.Context) Thresholds { return Thresholds(t) }

// Recorder observes alert outcomes.
type Recorder interface {
	RecordAlert(kind string, sent bool)
}

type DebouncerOption func(*Debouncer)

func WithDebouncerClock(now func() time.Time) DebouncerOption {
	return func(d *Debouncer) {
		if now != nil {
			d.now = now
		}
	}
}

func WithDebouncerLogger(logger *slog.Logger) DebouncerOption {
	return func(d *Debouncer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithRecorder(r Recorder) DebouncerOption {
	return func(d *Debouncer) { d.recorder = r }
}

// Debouncer is the AlertDebouncer: threshold alerts fire at most once per
// account per UTC day, the blocked alert once per blocking episode.
type Debouncer struct {
	store      Store
	notifier   Notifier
	thresholds ThresholdSource
	now        func() time.Time
	logger     *slog.Logger
	recorder   Recorder
}

func NewDebouncer(store Store, notifier Notifier, thresholds ThresholdSource, opts ...DebouncerOption) *Debouncer {
	if thresholds == nil {
		thresholds = StaticThresholds{Warning: DefaultWarningThreshold, Critical: DefaultCriticalThreshold}
	}
	d := &Debouncer{
		store:      store,
		notifier:   notifier,
		thresholds: thresholds,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate checks acct after a settlement. wasBlocked is the account's
// blocked flag before that settlement. Failures are logged, never returned.
func (d *Debouncer) Evaluate(ctx context.Context, acct ledger.Account, wasBlocked bool) []Alert {
	if d == nil || d.store == nil {
		return nil
	}
	th := d.thresholds.AlertThresholds(ctx)
	now := d.now()
	since := timeutil.Today(now).Start()
	usage := acct.UsagePercent()

	var fired []Alert
	if usage >= th.Warning*100 {
		if alert, ok := d.fireOnce(ctx, acct, KindThreshold80, th, since, now); ok {
			fired = append(fired, alert)
		}
	}
	if usage >= th.Critical*100 {
		if alert, ok := d.fireOnce(ctx, acct, KindThreshold95, th, since, now); ok {
			fired = append(fired, alert)
		}
	}
	if acct.Remaining() == 0 && !wasBlocked {
		if alert, ok := d.fireBlocked(ctx, acct, now); ok {
			fired = append(fired, alert)
		}
	}
	return fired
}

func (d *Debouncer) fireOnce(ctx context.Context, acct ledger.Account, kind Kind, th Thresholds, since, now time.Time) (Alert, bool) {
	alert, created, err := d.store.CreateAlertOnce(ctx, Alert{
		AccountID: acct.ID,
		Kind:      kind,
		Message:   MessageFor(kind, acct, th),
		CreatedAt: now,
	}, since)
	if err != nil {
		d.logger.ErrorContext(ctx, "create alert failed",
			slog.String("account_id", acct.ID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return Alert{}, false
	}
	if !created {
		return Alert{}, false
	}
	return d.deliver(ctx, acct, alert), true
}

func (d *Debouncer) fireBlocked(ctx context.Context, acct ledger.Account, now time.Time) (Alert, bool) {
	alert, err := d.store.CreateAlert(ctx, Alert{
		AccountID: acct.ID,
		Kind:      KindBlocked,
		Message:   MessageFor(KindBlocked, acct, Thresholds{}),
		CreatedAt: now,
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "create alert failed",
			slog.String("account_id", acct.ID),
			slog.String("kind", string(KindBlocked)),
			slog.String("error", err.Error()),
		)
		return Alert{}, false
	}
	return d.deliver(ctx, acct, alert), true
}

func (d *Debouncer) deliver(ctx context.Context, acct ledger.Account, alert Alert) Alert {
	var sent bool
	if d.notifier != nil {
		switch alert.Kind {
		case KindThreshold80:
			sent = d.notifier.NotifyThreshold80(ctx, acct)
		case KindThreshold95:
			sent = d.notifier.NotifyThreshold95(ctx, acct)
		case KindBlocked:
			sent = d.notifier.NotifyBlocked(ctx, acct)
		}
	}
	return d.markDelivered(ctx, acct, alert, sent)
}

func (d *Debouncer) markDelivered(ctx context.Context, acct ledger.Account, alert Alert, sent bool) Alert {
	if d.recorder != nil {
		d.recorder.RecordAlert(string(alert.Kind), sent)
	}
	if !sent {
		d.logger.WarnContext(ctx, "alert not delivered",
			slog.String("account_id", acct.ID),
			slog.String("kind", string(alert.Kind)),
		)
		return alert
	}
	sentAt := d.now()
	if err := d.store.MarkAlertSent(ctx, alert.ID, sentAt); err != nil {
		d.logger.ErrorContext(ctx, "mark alert sent failed",
			slog.Int64("alert_id", alert.ID),
			slog.String("error", err.Error()),
		)
		return alert
	}
	alert.Sent = true
	alert.SentAt = &sentAt
	return alert
}

// ResolveBlocked closes open blocked alerts once the account has tokens again.
func (d *Debouncer) ResolveBlocked(ctx context.Context, acct ledger.Account) {
	if d == nil || d.store == nil || acct.Blocked {
		return
	}
	if _, err := d.store.ResolveAlerts(ctx, acct.ID, KindBlocked, d.now()); err != nil {
		d.logger.ErrorContext(ctx, "resolve alerts failed",
			slog.String("account_id", acct.ID),
			slog.String("error", err.Error()),
		)
	}
}

// CreditsAdded records and delivers a credits notification for a top-up and
// resolves any open blocked alert. Failures are logged.
func (d *Debouncer) CreditsAdded(ctx context.Context, acct ledger.Account, amount, transactionID int64) (Alert, bool) {
	if d == nil || d.store == nil {
		return Alert{}, false
	}
	d.ResolveBlocked(ctx, acct)

	alert, err := d.store.CreateAlert(ctx, Alert{
		AccountID: acct.ID,
		Kind:      KindCreditsAdded,
		Message:   fmt.Sprintf("%d tokens were added to your account.", amount),
		CreatedAt: d.now(),
	})
	if err != nil {
		d.logger.ErrorContext(ctx, "create alert failed",
			slog.String("account_id", acct.ID),
			slog.String("kind", string(KindCreditsAdded)),
			slog.String("error", err.Error()),
		)
		return Alert{}, false
	}
	var sent bool
	if d.notifier != nil {
		sent = d.notifier.NotifyCreditsAdded(ctx, acct, amount, transactionID)
	}
	return d.markDelivered(ctx, acct, alert, sent), true
}

// List returns the most recent alerts for an account.
func (d *Debouncer) List(ctx context.Context, accountID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	return d.store.ListAlerts(ctx, accountID, limit)
}
