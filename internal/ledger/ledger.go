// Package ledger owns account balances and the append-only transaction log.
// Every balance mutation happens inside a single store unit of work while the
// account's lock is held; provider calls never run under that lock.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ncecere/metering_gateway/internal/models"
	"github.com/ncecere/metering_gateway/internal/timeutil"
)

const (
	DefaultTokensPerAccount = 1000
	DefaultConversionFactor = 0.376
	DefaultCreditReason     = "manual_addition"
	DefaultRefundReason     = "manual_refund"

	creditModel = "credit"
	refundModel = "refund"
)

var (
	ErrInvalidAccountID = errors.New("account id required")
	errRejected         = errors.New("authorization rejected")
)

// Config carries the tunables the ledger reads on every operation.
type Config struct {
	DefaultTokens    int64
	ConversionFactor float64
}

// ConfigSource supplies the current Config. The settings service implements
// it so admin updates apply without a restart.
type ConfigSource interface {
	LedgerConfig(ctx context.Context) Config
}

// StaticConfig is a fixed ConfigSource.
type StaticConfig Config

func (c StaticConfig) LedgerConfig(context.Context) Config { return Config(c) }

// Reason explains a rejected authorization.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInactive          Reason = "account_inactive"
	ReasonBlocked           Reason = "account_blocked"
	ReasonInsufficientFunds Reason = "insufficient_tokens"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Account Account
}

// Reservation is a hold on part of an account's balance for one in-flight request.
type Reservation struct {
	ID        string
	AccountID string
	Tokens    int64
}

// SettleDetails describes the provider call being charged.
type SettleDetails struct {
	Model       string
	RequestID   string
	CostUSD     decimal.Decimal
	Usage       *models.Usage
	Reservation *Reservation
}

// Settlement is the result of charging an account.
type Settlement struct {
	Account     Account
	Transaction Transaction
	Debited     int64
	// WasBlocked is the blocked flag before this settlement was applied.
	WasBlocked bool
}

// Page is one page of accounts.
type Page struct {
	Accounts []Account `json:"users"`
	Total    int64     `json:"total"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
	Pages    int       `json:"pages"`
}

// Reconciliation compares an account's counters against its transaction log.
type Reconciliation struct {
	AccountID  string `json:"account_id"`
	UsedTokens int64  `json:"used_tokens"`
	Debits     int64  `json:"debits"`
	Refunds    int64  `json:"refunds"`
	Credits    int64  `json:"credits"`
	Balanced   bool   `json:"balanced"`
}

type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Ledger is the AccountLedger.
type Ledger struct {
	store  Store
	cfg    ConfigSource
	locks  *keyedMutex
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store, cfg ConfigSource, opts ...Option) *Ledger {
	if cfg == nil {
		cfg = StaticConfig{DefaultTokens: DefaultTokensPerAccount, ConversionFactor: DefaultConversionFactor}
	}
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// Convert translates provider-reported tokens into billed tokens.
func Convert(providerTokens int64, factor float64) int64 {
	if providerTokens <= 0 {
		return 0
	}
	return int64(math.Round(float64(providerTokens) * factor))
}

// GetOrCreateAccount returns the account for id, creating it with the
// default balance on first sight. Safe to call repeatedly.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, id, email, name string) (Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, ErrInvalidAccountID
	}
	acct, err := l.store.GetAccount(ctx, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Account{}, fmt.Errorf("load account: %w", err)
	}

	cfg := l.cfg.LedgerConfig(ctx)
	now := l.now()
	if strings.TrimSpace(email) == "" {
		email = fmt.Sprintf("user_%s@gateway.local", id)
	}
	if strings.TrimSpace(name) == "" {
		name = "User " + truncate(id, 8)
	}
	stored, created, err := l.store.CreateAccount(ctx, Account{
		ID:          id,
		Email:       strings.TrimSpace(email),
		Name:        strings.TrimSpace(name),
		TotalTokens: cfg.DefaultTokens,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	if created {
		l.logger.InfoContext(ctx, "account created",
			slog.String("account_id", id),
			slog.Int64("total_tokens", stored.TotalTokens),
		)
	}
	return stored, nil
}

// Account loads an account by id.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Authorize checks whether the account may spend tokensNeeded. It fails
// closed and does not hold any balance; use Reserve on the request path.
func (l *Ledger) Authorize(ctx context.Context, id string, tokensNeeded int64) (Decision, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	return decide(acct, tokensNeeded), nil
}

// Reserve authorizes tokensNeeded and, when allowed, holds that amount
// against the balance in the same locked unit of work.
func (l *Ledger) Reserve(ctx context.Context, id string, tokensNeeded int64) (Reservation, Decision, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	var decision Decision
	_, _, err := l.store.MutateAccount(ctx, id, func(acct *Account) (*Transaction, error) {
		decision = decide(*acct, tokensNeeded)
		if !decision.Allowed {
			return nil, errRejected
		}
		acct.ReservedTokens += tokensNeeded
		acct.UpdatedAt = l.now()
		decision.Account = *acct
		return nil, nil
	})
	if errors.Is(err, errRejected) {
		return Reservation{}, decision, nil
	}
	if err != nil {
		return Reservation{}, Decision{}, fmt.Errorf("reserve tokens: %w", err)
	}
	return Reservation{ID: uuid.NewString(), AccountID: id, Tokens: tokensNeeded}, decision, nil
}

// Release returns a reservation's hold without charging anything.
func (l *Ledger) Release(ctx context.Context, res Reservation) error {
	unlock := l.locks.Lock(res.AccountID)
	defer unlock()

	_, _, err := l.store.MutateAccount(ctx, res.AccountID, func(acct *Account) (*Transaction, error) {
		acct.ReservedTokens -= res.Tokens
		if acct.ReservedTokens < 0 {
			acct.ReservedTokens = 0
		}
		acct.UpdatedAt = l.now()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// Settle charges round(actualTokensUsed*conversionFactor) to the account,
// consuming details.Reservation when present. The increment and the
// transaction append commit together or not at all.
func (l *Ledger) Settle(ctx context.Context, id string, actualTokensUsed int64, details SettleDetails) (Settlement, error) {
	factor := l.cfg.LedgerConfig(ctx).ConversionFactor
	debit := Convert(actualTokensUsed, factor)

	unlock := l.locks.Lock(id)
	defer unlock()

	var wasBlocked bool
	acct, txn, err := l.store.MutateAccount(ctx, id, func(acct *Account) (*Transaction, error) {
		wasBlocked = acct.Blocked
		if res := details.Reservation; res != nil {
			if acct.ReservedTokens < res.Tokens {
				return nil, ErrNoReservation
			}
			acct.ReservedTokens -= res.Tokens
			if !acct.Active {
				return nil, ErrCannotConsume
			}
		} else if !acct.Active || acct.Blocked {
			return nil, ErrCannotConsume
		}

		now := l.now()
		acct.UsedTokens += debit
		acct.UpdatedAt = now
		acct.LastActivity = &now
		if acct.Remaining() == 0 {
			acct.Blocked = true
		}

		txn := &Transaction{
			AccountID: id,
			Kind:      KindDebit,
			Delta:     debit,
			Model:     details.Model,
			RequestID: details.RequestID,
			CostUSD:   details.CostUSD,
			CreatedAt: now,
		}
		if u := details.Usage; u != nil {
			txn.PromptTokens = int64Ptr(u.PromptTokens)
			txn.CompletionTokens = int64Ptr(u.CompletionTokens)
			txn.TotalTokens = int64Ptr(u.TotalTokens)
		}
		return txn, nil
	})
	if err != nil {
		return Settlement{}, fmt.Errorf("settle account %s: %w", id, err)
	}
	return Settlement{Account: acct, Transaction: *txn, Debited: debit, WasBlocked: wasBlocked}, nil
}

// Credit raises the account's capacity and unblocks it once tokens remain.
func (l *Ledger) Credit(ctx context.Context, id string, amount int64, reason string) (Account, Transaction, error) {
	if amount <= 0 {
		return Account{}, Transaction{}, ErrInvalidAmount
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultCreditReason
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	acct, txn, err := l.store.MutateAccount(ctx, id, func(acct *Account) (*Transaction, error) {
		now := l.now()
		acct.TotalTokens += amount
		acct.UpdatedAt = now
		if acct.Blocked && acct.Remaining() > 0 {
			acct.Blocked = false
		}
		return &Transaction{
			AccountID: id,
			Kind:      KindCredit,
			Delta:     -amount,
			Model:     creditModel,
			RequestID: reason,
			CostUSD:   decimal.Zero,
			CreatedAt: now,
		}, nil
	})
	if err != nil {
		return Account{}, Transaction{}, fmt.Errorf("credit account %s: %w", id, err)
	}
	l.logger.InfoContext(ctx, "tokens credited",
		slog.String("account_id", id),
		slog.Int64("amount", amount),
		slog.String("reason", reason),
	)
	return acct, *txn, nil
}

// Refund reverses up to amount of prior consumption.
func (l *Ledger) Refund(ctx context.Context, id string, amount int64, reason string) (Account, Transaction, error) {
	if amount <= 0 {
		return Account{}, Transaction{}, ErrInvalidAmount
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultRefundReason
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	acct, txn, err := l.store.MutateAccount(ctx, id, func(acct *Account) (*Transaction, error) {
		refund := amount
		if refund > acct.UsedTokens {
			refund = acct.UsedTokens
		}
		if refund <= 0 {
			return nil, ErrInvalidAmount
		}
		now := l.now()
		acct.UsedTokens -= refund
		acct.UpdatedAt = now
		if acct.Blocked && acct.Remaining() > 0 {
			acct.Blocked = false
		}
		return &Transaction{
			AccountID: id,
			Kind:      KindRefund,
			Delta:     -refund,
			Model:     refundModel,
			RequestID: reason,
			CostUSD:   decimal.Zero,
			CreatedAt: now,
		}, nil
	})
	if err != nil {
		return Account{}, Transaction{}, fmt.Errorf("refund account %s: %w", id, err)
	}
	return acct, *txn, nil
}

// SetActive activates or deactivates an account.
func (l *Ledger) SetActive(ctx context.Context, id string, active bool) (Account, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	acct, _, err := l.store.MutateAccount(ctx, id, func(acct *Account) (*Transaction, error) {
		acct.Active = active
		acct.UpdatedAt = l.now()
		return nil, nil
	})
	return acct, err
}

// ListAccounts returns one page of accounts; page is 1-based.
func (l *Ledger) ListAccounts(ctx context.Context, page, perPage int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	total, err := l.store.CountAccounts(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("count accounts: %w", err)
	}
	accounts, err := l.store.ListAccounts(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return Page{}, fmt.Errorf("list accounts: %w", err)
	}
	pages := int((total + int64(perPage) - 1) / int64(perPage))
	return Page{Accounts: accounts, Total: total, Page: page, PerPage: perPage, Pages: pages}, nil
}

// Transactions lists ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return l.store.ListTransactions(ctx, filter)
}

// DailyUsage averages debits over the trailing window.
func (l *Ledger) DailyUsage(ctx context.Context, id string, window timeutil.Window) (float64, error) {
	sum, err := l.store.SumTransactions(ctx, TransactionFilter{
		AccountID: id,
		Kind:      KindDebit,
		Since:     window.Start(),
		Until:     window.End(),
	})
	if err != nil {
		return 0, err
	}
	return float64(sum) / float64(window.Days()), nil
}

// Stats aggregates across all accounts for the current UTC day.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	return l.store.Stats(ctx, timeutil.DayStart(l.now()))
}

// Reconcile checks used == Σdebits − Σrefunds for one account.
func (l *Ledger) Reconcile(ctx context.Context, id string) (Reconciliation, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	rec := Reconciliation{AccountID: id, UsedTokens: acct.UsedTokens}
	sums := []struct {
		kind TransactionKind
		dst  *int64
	}{
		{KindDebit, &rec.Debits},
		{KindRefund, &rec.Refunds},
		{KindCredit, &rec.Credits},
	}
	for _, s := range sums {
		total, err := l.store.SumTransactions(ctx, TransactionFilter{AccountID: id, Kind: s.kind})
		if err != nil {
			return Reconciliation{}, err
		}
		if total < 0 {
			total = -total
		}
		*s.dst = total
	}
	rec.Balanced = rec.UsedTokens == rec.Debits-rec.Refunds
	return rec, nil
}

// Ping checks the backing store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

func decide(acct Account, tokensNeeded int64) Decision {
	d := Decision{Account: acct}
	switch {
	case !acct.Active:
		d.Reason = ReasonInactive
	case acct.Blocked:
		d.Reason = ReasonBlocked
	case acct.Available() < tokensNeeded:
		d.Reason = ReasonInsufficientFunds
	default:
		d.Allowed = true
	}
	return d
}

func int64Ptr(v int64) *int64 { return &v }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
