package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrCannotConsume   = errors.New("account cannot consume tokens")
	ErrNoReservation   = errors.New("reservation not held")
)

// MutateFunc edits a locked account in place and optionally returns a
// transaction to append in the same unit of work. Returning an error rolls
// back both.
type MutateFunc func(acct *Account) (*Transaction, error)

// TransactionFilter narrows ListTransactions. Zero values are ignored.
type TransactionFilter struct {
	AccountID string
	Kind      TransactionKind
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Store persists accounts and the append-only transaction log.
type Store interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	// CreateAccount inserts acct unless the id exists, in which case the
	// stored account is returned with created=false.
	CreateAccount(ctx context.Context, acct Account) (stored Account, created bool, err error)
	ListAccounts(ctx context.Context, limit, offset int) ([]Account, error)
	CountAccounts(ctx context.Context) (int64, error)
	// MutateAccount runs fn against the row under an exclusive lock and
	// commits the account update together with the returned transaction.
	MutateAccount(ctx context.Context, id string, fn MutateFunc) (Account, *Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	SumTransactions(ctx context.Context, filter TransactionFilter) (int64, error)
	Stats(ctx context.Context, dayStart time.Time) (Stats, error)
	Ping(ctx context.Context) error
}
