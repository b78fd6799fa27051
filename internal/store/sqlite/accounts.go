package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

const accountColumns = `id, email, name, total_tokens, used_tokens, reserved_tokens, is_active, is_blocked, created_at, updated_at, last_activity`

const transactionColumns = `id, account_id, kind, tokens_used, model_used, request_id, cost_usd, prompt_tokens, completion_tokens, total_tokens, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acct                 ledger.Account
		active, blocked      int
		createdAt, updatedAt int64
		lastActivity         sql.NullInt64
	)
	err := row.Scan(&acct.ID, &acct.Email, &acct.Name, &acct.TotalTokens, &acct.UsedTokens, &acct.ReservedTokens,
		&active, &blocked, &createdAt, &updatedAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	acct.Active = active != 0
	acct.Blocked = blocked != 0
	acct.CreatedAt = fromUnix(createdAt)
	acct.UpdatedAt = fromUnix(updatedAt)
	acct.LastActivity = fromNullableUnix(lastActivity)
	return acct, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		txn                       ledger.Transaction
		kind, cost                string
		prompt, completion, total sql.NullInt64
		createdAt                 int64
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &kind, &txn.Delta, &txn.Model, &txn.RequestID, &cost,
		&prompt, &completion, &total, &createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := decimal.NewFromString(cost)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse cost %q: %w", cost, err)
	}
	txn.Kind = ledger.TransactionKind(kind)
	txn.CostUSD = amount
	txn.PromptTokens = fromNullableInt(prompt)
	txn.CompletionTokens = fromNullableInt(completion)
	txn.TotalTokens = fromNullableInt(total)
	txn.CreatedAt = fromUnix(createdAt)
	return txn, nil
}

func getAccount(ctx context.Context, q queryer, id string) (ledger.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		acct.ID, acct.Email, acct.Name, acct.TotalTokens, acct.UsedTokens, acct.ReservedTokens,
		boolInt(acct.Active), boolInt(acct.Blocked), toUnix(acct.CreatedAt), toUnix(acct.UpdatedAt), nullableUnix(acct.LastActivity),
	)
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("insert account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ledger.Account{}, false, err
	}
	stored, err := s.GetAccount(ctx, acct.ID)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return stored, n == 1, nil
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]ledger.Account, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *Store) MutateAccount(ctx context.Context, id string, fn ledger.MutateFunc) (ledger.Account, *ledger.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Account{}, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	acct, err := getAccount(ctx, tx, id)
	if err != nil {
		return ledger.Account{}, nil, err
	}
	txn, err := fn(&acct)
	if err != nil {
		return ledger.Account{}, nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET email = ?, name = ?, total_tokens = ?, used_tokens = ?, reserved_tokens = ?,
		 is_active = ?, is_blocked = ?, updated_at = ?, last_activity = ? WHERE id = ?`,
		acct.Email, acct.Name, acct.TotalTokens, acct.UsedTokens, acct.ReservedTokens,
		boolInt(acct.Active), boolInt(acct.Blocked), toUnix(acct.UpdatedAt), nullableUnix(acct.LastActivity), id,
	); err != nil {
		return ledger.Account{}, nil, fmt.Errorf("update account: %w", err)
	}

	if txn != nil {
		txn.AccountID = id
		res, err := tx.ExecContext(ctx,
			`INSERT INTO token_transactions (account_id, kind, tokens_used, model_used, request_id, cost_usd,
			 prompt_tokens, completion_tokens, total_tokens, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(txn.Kind), txn.Delta, txn.Model, txn.RequestID, txn.CostUSD.String(),
			nullableInt(txn.PromptTokens), nullableInt(txn.CompletionTokens), nullableInt(txn.TotalTokens), toUnix(txn.CreatedAt),
		)
		if err != nil {
			return ledger.Account{}, nil, fmt.Errorf("insert transaction: %w", err)
		}
		if txn.ID, err = res.LastInsertId(); err != nil {
			return ledger.Account{}, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Account{}, nil, fmt.Errorf("commit: %w", err)
	}
	return acct, txn, nil
}

func transactionWhere(filter ledger.TransactionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, toUnix(filter.Since))
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at < ?")
		args = append(args, toUnix(filter.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	where, args := transactionWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM token_transactions`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, filter ledger.TransactionFilter) (int64, error) {
	where, args := transactionWhere(filter)
	var sum int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(tokens_used), 0) FROM token_transactions`+where, args...).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) Stats(ctx context.Context, dayStart time.Time) (ledger.Stats, error) {
	var stats ledger.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(is_active), 0),
		       COALESCE(SUM(is_blocked), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(SUM(used_tokens), 0),
		       COALESCE(SUM(MAX(total_tokens - used_tokens, 0)), 0)
		FROM accounts`).Scan(
		&stats.Users.Total, &stats.Users.Active, &stats.Users.Blocked,
		&stats.Tokens.TotalDistributed, &stats.Tokens.TotalUsed, &stats.Tokens.TotalRemaining,
	)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("account stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM token_transactions WHERE created_at >= ?`, toUnix(dayStart)).Scan(&stats.TransactionsToday)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("transaction stats: %w", err)
	}
	return stats, nil
}
