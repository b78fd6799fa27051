package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

// MessageFor renders the alert text stored with each Alert. Threshold alerts
// quote the configured percentage.
func MessageFor(kind Kind, acct ledger.Account, th Thresholds) string {
	switch kind {
	case KindThreshold80:
		return fmt.Sprintf("You have consumed %s of your tokens. %d tokens remain.", percentLabel(th.Warning), acct.Remaining())
	case KindThreshold95:
		return fmt.Sprintf("You have consumed %s of your tokens. %d tokens remain.", percentLabel(th.Critical), acct.Remaining())
	case KindBlocked:
		return "Your account was blocked due to token exhaustion."
	default:
		return ""
	}
}

func subjectFor(kind Kind, system string, th Thresholds) string {
	switch kind {
	case KindThreshold80:
		return fmt.Sprintf("[%s] %s of your tokens used", system, percentLabel(th.Warning))
	case KindThreshold95:
		return fmt.Sprintf("[%s] %s of your tokens used", system, percentLabel(th.Critical))
	case KindBlocked:
		return fmt.Sprintf("[%s] Account blocked", system)
	case KindCreditsAdded:
		return fmt.Sprintf("[%s] Tokens added", system)
	default:
		return system
	}
}

// percentLabel renders a usage fraction such as 0.8 as "80%".
func percentLabel(fraction float64) string {
	return strconv.FormatFloat(math.Round(fraction*10000)/100, 'f', -1, 64) + "%"
}

const defaultSystemName = "Metering Gateway"

// Branding supplies the names rendered into notifications. The settings
// service implements it so edits apply to the next message.
type Branding interface {
	SystemName() string
	CreditsEmail() string
}

// StaticBranding is a fixed Branding.
type StaticBranding struct {
	Name    string
	Credits string
}

func (b StaticBranding) SystemName() string   { return b.Name }
func (b StaticBranding) CreditsEmail() string { return b.Credits }

// SinkNotifier renders notifications and hands them to a Sink.
type SinkNotifier struct {
	sink       Sink
	branding   Branding
	thresholds ThresholdSource
	logger     *slog.Logger
	now        func() time.Time
}

type NotifierOption func(*SinkNotifier)

// WithNotifierThresholds sets the thresholds quoted in threshold alerts.
func WithNotifierThresholds(src ThresholdSource) NotifierOption {
	return func(n *SinkNotifier) {
		if src != nil {
			n.thresholds = src
		}
	}
}

func NewSinkNotifier(sink Sink, branding Branding, logger *slog.Logger, opts ...NotifierOption) *SinkNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if branding == nil {
		branding = StaticBranding{}
	}
	n := &SinkNotifier{
		sink:       sink,
		branding:   branding,
		thresholds: StaticThresholds{Warning: DefaultWarningThreshold, Critical: DefaultCriticalThreshold},
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *SinkNotifier) systemName() string {
	if name := n.branding.SystemName(); name != "" {
		return name
	}
	return defaultSystemName
}

func (n *SinkNotifier) NotifyThreshold80(ctx context.Context, acct ledger.Account) bool {
	th := n.thresholds.AlertThresholds(ctx)
	return n.send(ctx, n.message(KindThreshold80, acct, th, MessageFor(KindThreshold80, acct, th)))
}

func (n *SinkNotifier) NotifyThreshold95(ctx context.Context, acct ledger.Account) bool {
	th := n.thresholds.AlertThresholds(ctx)
	return n.send(ctx, n.message(KindThreshold95, acct, th, MessageFor(KindThreshold95, acct, th)))
}

func (n *SinkNotifier) NotifyBlocked(ctx context.Context, acct ledger.Account) bool {
	body := MessageFor(KindBlocked, acct, Thresholds{})
	if email := n.branding.CreditsEmail(); email != "" {
		body += fmt.Sprintf(" To request more tokens contact %s.", email)
	}
	return n.send(ctx, n.message(KindBlocked, acct, Thresholds{}, body))
}

func (n *SinkNotifier) NotifyCreditsAdded(ctx context.Context, acct ledger.Account, amount int64, transactionID int64) bool {
	msg := n.message(KindCreditsAdded, acct, Thresholds{}, fmt.Sprintf("%d tokens were added to your account. %d tokens remain.", amount, acct.Remaining()))
	msg.Amount = amount
	msg.TransactionID = transactionID
	return n.send(ctx, msg)
}

func (n *SinkNotifier) message(kind Kind, acct ledger.Account, th Thresholds, body string) Message {
	return Message{
		Kind:         kind,
		AccountID:    acct.ID,
		Email:        acct.Email,
		Name:         acct.Name,
		Subject:      subjectFor(kind, n.systemName(), th),
		Body:         body,
		Remaining:    acct.Remaining(),
		UsagePercent: acct.UsagePercent(),
		Timestamp:    n.now(),
	}
}

func (n *SinkNotifier) send(ctx context.Context, msg Message) bool {
	if n == nil || n.sink == nil {
		return false
	}
	if err := n.sink.Notify(ctx, msg); err != nil {
		n.logger.ErrorContext(ctx, "notification delivery failed",
			slog.String("account_id", msg.AccountID),
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}
