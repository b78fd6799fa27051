package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a metering identity and its balance state. Remaining and
// UsagePercent are derived on read and never stored.
type Account struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	TotalTokens    int64      `json:"total_tokens"`
	UsedTokens     int64      `json:"used_tokens"`
	ReservedTokens int64      `json:"reserved_tokens"`
	Active         bool       `json:"is_active"`
	Blocked        bool       `json:"is_blocked"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
}

// Remaining returns max(0, total-used).
func (a Account) Remaining() int64 {
	if rem := a.TotalTokens - a.UsedTokens; rem > 0 {
		return rem
	}
	return 0
}

// Available returns the remaining balance not held by in-flight reservations.
func (a Account) Available() int64 {
	if avail := a.Remaining() - a.ReservedTokens; avail > 0 {
		return avail
	}
	return 0
}

// UsagePercent returns used/total*100, or 100 when total is zero.
func (a Account) UsagePercent() float64 {
	if a.TotalTokens <= 0 {
		return 100
	}
	return float64(a.UsedTokens) / float64(a.TotalTokens) * 100
}

// CanConsume reports whether the account may spend n more tokens.
func (a Account) CanConsume(n int64) bool {
	return a.Active && !a.Blocked && a.Remaining() >= n
}

// TransactionKind separates consumption from the two kinds of negative entry.
type TransactionKind string

const (
	// KindDebit records consumption (positive delta).
	KindDebit TransactionKind = "debit"
	// KindCredit records a top-up that raised total tokens (negative delta).
	KindCredit TransactionKind = "credit"
	// KindRefund records a corrective credit that lowered used tokens (negative delta).
	KindRefund TransactionKind = "refund"
)

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID               int64           `json:"id"`
	AccountID        string          `json:"account_id"`
	Kind             TransactionKind `json:"kind"`
	Delta            int64           `json:"tokens_used"`
	Model            string          `json:"model_used"`
	RequestID        string          `json:"request_id"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	PromptTokens     *int64          `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64          `json:"completion_tokens,omitempty"`
	TotalTokens      *int64          `json:"total_tokens,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Stats aggregates ledger state across accounts.
type Stats struct {
	Users             UserStats  `json:"users"`
	Tokens            TokenStats `json:"tokens"`
	TransactionsToday int64      `json:"transactions_today"`
}

type UserStats struct {
	Total   int64 `json:"total"`
	Active  int64 `json:"active"`
	Blocked int64 `json:"blocked"`
}

type TokenStats struct {
	TotalDistributed int64 `json:"total_distributed"`
	TotalUsed        int64 `json:"total_used"`
	TotalRemaining   int64 `json:"total_remaining"`
}
