// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ncecere/metering_gateway/internal/alerts"
	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/settings"
)

// Store is the union of the persistence interfaces a backend provides.
type Store interface {
	ledger.Store
	alerts.Store
	settings.Store
}

// Run exercises a backend. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("CreateAccountIsIdempotent", func(t *testing.T) { testCreateAccount(t, open(t)) })
	t.Run("MutateAccountAppendsTransaction", func(t *testing.T) { testMutate(t, open(t)) })
	t.Run("MutateAccountRollsBack", func(t *testing.T) { testMutateRollback(t, open(t)) })
	t.Run("TransactionFilters", func(t *testing.T) { testTransactionFilters(t, open(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open(t)) })
	t.Run("AlertsOncePerWindow", func(t *testing.T) { testAlerts(t, open(t)) })
	t.Run("Settings", func(t *testing.T) { testSettings(t, open(t)) })
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, s Store, id string, total int64) ledger.Account {
	t.Helper()
	acct, created, err := s.CreateAccount(context.Background(), ledger.Account{
		ID:          id,
		Email:       id + "@example.com",
		Name:        "User " + id,
		TotalTokens: total,
		Active:      true,
		CreatedAt:   base,
		UpdatedAt:   base,
	})
	require.NoError(t, err)
	require.True(t, created)
	return acct
}

func debit(s Store, id string, n int64, at time.Time) (ledger.Account, *ledger.Transaction, error) {
	return s.MutateAccount(context.Background(), id, func(acct *ledger.Account) (*ledger.Transaction, error) {
		acct.UsedTokens += n
		acct.UpdatedAt = at
		acct.LastActivity = &at
		return &ledger.Transaction{
			Kind:      ledger.KindDebit,
			Delta:     n,
			Model:     "gpt-3.5-turbo",
			RequestID: "req",
			CostUSD:   decimal.RequireFromString("0.0015"),
			CreatedAt: at,
		}, nil
	})
}

func testCreateAccount(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)

	again, created, err := s.CreateAccount(ctx, ledger.Account{ID: "u1", Email: "other@example.com", TotalTokens: 5, CreatedAt: base, UpdatedAt: base})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(1000), again.TotalTokens)
	require.Equal(t, "u1@example.com", again.Email)
	require.True(t, again.Active)
	require.Nil(t, again.LastActivity)
	require.True(t, again.CreatedAt.Equal(base))

	_, err = s.GetAccount(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	n, err := s.CountAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func testMutate(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)

	acct, txn, err := debit(s, "u1", 376, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(376), acct.UsedTokens)
	require.NotNil(t, txn)
	require.NotZero(t, txn.ID)
	require.Equal(t, "u1", txn.AccountID)

	stored, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(376), stored.UsedTokens)
	require.NotNil(t, stored.LastActivity)
	require.True(t, stored.LastActivity.Equal(base.Add(time.Minute)))

	txns, err := s.ListTransactions(ctx, ledger.TransactionFilter{AccountID: "u1"})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.Equal(t, ledger.KindDebit, txns[0].Kind)
	require.True(t, txns[0].CostUSD.Equal(decimal.RequireFromString("0.0015")))

	_, _, err = s.MutateAccount(ctx, "missing", func(*ledger.Account) (*ledger.Transaction, error) { return nil, nil })
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func testMutateRollback(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)
	boom := errors.New("boom")

	_, _, err := s.MutateAccount(ctx, "u1", func(acct *ledger.Account) (*ledger.Transaction, error) {
		acct.UsedTokens = 999
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	stored, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	require.Zero(t, stored.UsedTokens)

	sum, err := s.SumTransactions(ctx, ledger.TransactionFilter{AccountID: "u1"})
	require.NoError(t, err)
	require.Zero(t, sum)
}

func testTransactionFilters(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)
	seedAccount(t, s, "u2", 1000)

	for i := 0; i < 3; i++ {
		_, _, err := debit(s, "u1", 10, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	_, _, err := debit(s, "u2", 50, base)
	require.NoError(t, err)
	_, _, err = s.MutateAccount(ctx, "u1", func(acct *ledger.Account) (*ledger.Transaction, error) {
		acct.UsedTokens -= 5
		return &ledger.Transaction{Kind: ledger.KindRefund, Delta: -5, Model: "refund", RequestID: "fix", CreatedAt: base.Add(3 * time.Hour)}, nil
	})
	require.NoError(t, err)

	sum, err := s.SumTransactions(ctx, ledger.TransactionFilter{AccountID: "u1", Kind: ledger.KindDebit})
	require.NoError(t, err)
	require.Equal(t, int64(30), sum)

	sum, err = s.SumTransactions(ctx, ledger.TransactionFilter{AccountID: "u1"})
	require.NoError(t, err)
	require.Equal(t, int64(25), sum)

	sum, err = s.SumTransactions(ctx, ledger.TransactionFilter{Since: base.Add(time.Hour), Until: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, int64(10), sum)

	txns, err := s.ListTransactions(ctx, ledger.TransactionFilter{AccountID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	require.Equal(t, ledger.KindRefund, txns[0].Kind, "newest first")

	txns, err = s.ListTransactions(ctx, ledger.TransactionFilter{AccountID: "u1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, txns, 2)

	all, err := s.ListTransactions(ctx, ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)
	seedAccount(t, s, "u2", 500)
	seedAccount(t, s, "u3", 100)

	_, _, err := debit(s, "u1", 200, base)
	require.NoError(t, err)
	_, _, err = s.MutateAccount(ctx, "u3", func(acct *ledger.Account) (*ledger.Transaction, error) {
		acct.UsedTokens = 150
		acct.Blocked = true
		return nil, nil
	})
	require.NoError(t, err)
	_, _, err = s.MutateAccount(ctx, "u2", func(acct *ledger.Account) (*ledger.Transaction, error) {
		acct.Active = false
		return nil, nil
	})
	require.NoError(t, err)

	stats, err := s.Stats(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Users.Total)
	require.Equal(t, int64(2), stats.Users.Active)
	require.Equal(t, int64(1), stats.Users.Blocked)
	require.Equal(t, int64(1600), stats.Tokens.TotalDistributed)
	require.Equal(t, int64(350), stats.Tokens.TotalUsed)
	require.Equal(t, int64(1300), stats.Tokens.TotalRemaining)
	require.Equal(t, int64(1), stats.TransactionsToday)

	later, err := s.Stats(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, later.TransactionsToday)

	page, err := s.ListAccounts(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func testAlerts(t *testing.T, s Store) {
	ctx := context.Background()
	seedAccount(t, s, "u1", 1000)
	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	first, created, err := s.CreateAlertOnce(ctx, alerts.Alert{AccountID: "u1", Kind: alerts.KindThreshold80, Message: "80", CreatedAt: base}, dayStart)
	require.NoError(t, err)
	require.True(t, created)
	require.NotZero(t, first.ID)

	_, created, err = s.CreateAlertOnce(ctx, alerts.Alert{AccountID: "u1", Kind: alerts.KindThreshold80, CreatedAt: base.Add(time.Hour)}, dayStart)
	require.NoError(t, err)
	require.False(t, created)

	_, created, err = s.CreateAlertOnce(ctx, alerts.Alert{AccountID: "u1", Kind: alerts.KindThreshold80, CreatedAt: base.Add(24 * time.Hour)}, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	require.True(t, created)

	blocked, err := s.CreateAlert(ctx, alerts.Alert{AccountID: "u1", Kind: alerts.KindBlocked, Message: "blocked", CreatedAt: base.Add(25 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, s.MarkAlertSent(ctx, blocked.ID, base.Add(25*time.Hour)))

	n, err := s.ResolveAlerts(ctx, "u1", alerts.KindBlocked, base.Add(26*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = s.ResolveAlerts(ctx, "u1", alerts.KindBlocked, base.Add(27*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	list, err := s.ListAlerts(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, alerts.KindBlocked, list[0].Kind)
	require.True(t, list[0].Sent)
	require.NotNil(t, list[0].SentAt)
	require.True(t, list[0].Resolved)

	_, err = s.CreateAlert(ctx, alerts.Alert{AccountID: "missing", Kind: alerts.KindBlocked, CreatedAt: base})
	require.Error(t, err)
}

func testSettings(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertSettingIfAbsent(ctx, settings.Setting{Key: "conversion_factor", Value: "0.376", UpdatedAt: base}))
	require.NoError(t, s.InsertSettingIfAbsent(ctx, settings.Setting{Key: "conversion_factor", Value: "9", UpdatedAt: base}))

	list, err := s.ListSettings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "0.376", list[0].Value)

	updated, err := s.UpsertSetting(ctx, settings.Setting{Key: "conversion_factor", Value: "0.5", Description: "factor", UpdatedAt: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, "0.5", updated.Value)

	list, err = s.ListSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "0.5", list[0].Value)
	require.Equal(t, "factor", list[0].Description)
}
