package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ncecere/metering_gateway/internal/auth"
	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/requestctx"
)

// ResolveAccount loads or creates the account for id and builds the
// request context handlers read.
func (c *Container) ResolveAccount(ctx context.Context, id auth.Identity, requestID string) (*requestctx.Context, error) {
	if c == nil || c.Ledger == nil {
		return nil, errors.New("container required")
	}
	acct, err := c.Ledger.GetOrCreateAccount(ctx, id.AccountID, id.Email, id.Name)
	if err != nil {
		return nil, err
	}
	return &requestctx.Context{AccountID: acct.ID, RequestID: requestID, Account: acct}, nil
}

// CreditAccount adds tokens, then notifies the owner and resolves any open
// blocked alert. Notification failures do not fail the credit.
func (c *Container) CreditAccount(ctx context.Context, id string, amount int64, reason string) (ledger.Account, ledger.Transaction, error) {
	acct, txn, err := c.Ledger.Credit(ctx, id, amount, reason)
	if err != nil {
		return ledger.Account{}, ledger.Transaction{}, err
	}
	if _, ok := c.Alerts.CreditsAdded(ctx, acct, amount, txn.ID); !ok {
		c.Logger.WarnContext(ctx, "credits notification not recorded",
			slog.String("account_id", acct.ID),
			slog.Int64("tokens", amount),
		)
	}
	return acct, txn, nil
}

// RefundAccount lowers used tokens. An account unblocked by the refund has
// its blocked alerts resolved.
func (c *Container) RefundAccount(ctx context.Context, id string, amount int64, reason string) (ledger.Account, ledger.Transaction, error) {
	acct, txn, err := c.Ledger.Refund(ctx, id, amount, reason)
	if err != nil {
		return ledger.Account{}, ledger.Transaction{}, err
	}
	c.Alerts.ResolveBlocked(ctx, acct)
	return acct, txn, nil
}
