package httputil

import (
	"time"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

// AccountPayload is the wire shape of an account, including derived balances.
type AccountPayload struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	Name            string     `json:"name"`
	TotalTokens     int64      `json:"total_tokens"`
	UsedTokens      int64      `json:"used_tokens"`
	ReservedTokens  int64      `json:"reserved_tokens"`
	RemainingTokens int64      `json:"remaining_tokens"`
	UsagePercentage float64    `json:"usage_percentage"`
	Active          bool       `json:"is_active"`
	Blocked         bool       `json:"is_blocked"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastActivity    *time.Time `json:"last_activity,omitempty"`
}

func ToAccountPayload(a ledger.Account) AccountPayload {
	return AccountPayload{
		ID:              a.ID,
		Email:           a.Email,
		Name:            a.Name,
		TotalTokens:     a.TotalTokens,
		UsedTokens:      a.UsedTokens,
		ReservedTokens:  a.ReservedTokens,
		RemainingTokens: a.Remaining(),
		UsagePercentage: a.UsagePercent(),
		Active:          a.Active,
		Blocked:         a.Blocked,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		LastActivity:    a.LastActivity,
	}
}

func ToAccountPayloads(accounts []ledger.Account) []AccountPayload {
	out := make([]AccountPayload, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, ToAccountPayload(a))
	}
	return out
}

// Transactions never renders as null.
func Transactions(txns []ledger.Transaction) []ledger.Transaction {
	if txns == nil {
		return []ledger.Transaction{}
	}
	return txns
}
