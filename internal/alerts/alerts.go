// Package alerts decides when balance alerts are due and delivers them
// through notification sinks.
package alerts

import (
	"context"
	"time"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

type Kind string

const (
	KindThreshold80  Kind = "threshold_80"
	KindThreshold95  Kind = "threshold_95"
	KindBlocked      Kind = "blocked"
	KindCreditsAdded Kind = "credits_added"
)

// Alert records a threshold crossing for one account.
type Alert struct {
	ID         int64      `json:"id"`
	AccountID  string     `json:"account_id"`
	Kind       Kind       `json:"alert_type"`
	Message    string     `json:"message"`
	Sent       bool       `json:"is_sent"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	Resolved   bool       `json:"is_resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store persists alerts.
type Store interface {
	// CreateAlertOnce inserts alert unless an alert of the same kind exists
	// for the account with created_at >= since.
	CreateAlertOnce(ctx context.Context, alert Alert, since time.Time) (Alert, bool, error)
	CreateAlert(ctx context.Context, alert Alert) (Alert, error)
	MarkAlertSent(ctx context.Context, id int64, sentAt time.Time) error
	ResolveAlerts(ctx context.Context, accountID string, kind Kind, at time.Time) (int64, error)
	ListAlerts(ctx context.Context, accountID string, limit int) ([]Alert, error)
}

// Notifier delivers account notifications. Each call reports delivery
// success; failures are logged by the implementation and never returned.
type Notifier interface {
	NotifyThreshold80(ctx context.Context, acct ledger.Account) bool
	NotifyThreshold95(ctx context.Context, acct ledger.Account) bool
	NotifyBlocked(ctx context.Context, acct ledger.Account) bool
	NotifyCreditsAdded(ctx context.Context, acct ledger.Account, amount int64, transactionID int64) bool
}

// Message is the rendered notification handed to sinks.
type Message struct {
	Kind          Kind      `json:"kind"`
	AccountID     string    `json:"account_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	Remaining     int64     `json:"remaining_tokens"`
	UsagePercent  float64   `json:"usage_percentage"`
	Amount        int64     `json:"amount,omitempty"`
	TransactionID int64     `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink transports a rendered message.
type Sink interface {
	Notify(ctx context.Context, msg Message) error
}
