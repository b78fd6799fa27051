package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

const accountColumns = `id, email, name, total_tokens, used_tokens, reserved_tokens, is_active, is_blocked, created_at, updated_at, last_activity`

const transactionColumns = `id, account_id, kind, tokens_used, model_used, request_id, cost_usd::text, prompt_tokens, completion_tokens, total_tokens, created_at`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var acct ledger.Account
	err := row.Scan(&acct.ID, &acct.Email, &acct.Name, &acct.TotalTokens, &acct.UsedTokens, &acct.ReservedTokens,
		&acct.Active, &acct.Blocked, &acct.CreatedAt, &acct.UpdatedAt, &acct.LastActivity)
	if err != nil {
		return ledger.Account{}, mapError(err)
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	if acct.LastActivity != nil {
		t := acct.LastActivity.UTC()
		acct.LastActivity = &t
	}
	return acct, nil
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		txn        ledger.Transaction
		kind, cost string
	)
	if err := row.Scan(&txn.ID, &txn.AccountID, &kind, &txn.Delta, &txn.Model, &txn.RequestID, &cost,
		&txn.PromptTokens, &txn.CompletionTokens, &txn.TotalTokens, &txn.CreatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	amount, err := decimal.NewFromString(cost)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("parse cost %q: %w", cost, err)
	}
	txn.Kind = ledger.TransactionKind(kind)
	txn.CostUSD = amount
	txn.CreatedAt = txn.CreatedAt.UTC()
	return txn, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) CreateAccount(ctx context.Context, acct ledger.Account) (ledger.Account, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		acct.ID, acct.Email, acct.Name, acct.TotalTokens, acct.UsedTokens, acct.ReservedTokens,
		acct.Active, acct.Blocked, acct.CreatedAt, acct.UpdatedAt, acct.LastActivity,
	)
	if err != nil {
		return ledger.Account{}, false, fmt.Errorf("insert account: %w", err)
	}
	stored, err := s.GetAccount(ctx, acct.ID)
	if err != nil {
		return ledger.Account{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limitArg(limit), offset)
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
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *Store) MutateAccount(ctx context.Context, id string, fn ledger.MutateFunc) (ledger.Account, *ledger.Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ledger.Account{}, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	acct, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return ledger.Account{}, nil, err
	}
	txn, err := fn(&acct)
	if err != nil {
		return ledger.Account{}, nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET email = $2, name = $3, total_tokens = $4, used_tokens = $5, reserved_tokens = $6,
		 is_active = $7, is_blocked = $8, updated_at = $9, last_activity = $10 WHERE id = $1`,
		id, acct.Email, acct.Name, acct.TotalTokens, acct.UsedTokens, acct.ReservedTokens,
		acct.Active, acct.Blocked, acct.UpdatedAt, acct.LastActivity,
	); err != nil {
		return ledger.Account{}, nil, fmt.Errorf("update account: %w", err)
	}

	if txn != nil {
		txn.AccountID = id
		err := tx.QueryRow(ctx,
			`INSERT INTO token_transactions (account_id, kind, tokens_used, model_used, request_id, cost_usd,
			 prompt_tokens, completion_tokens, total_tokens, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10) RETURNING id`,
			id, string(txn.Kind), txn.Delta, txn.Model, txn.RequestID, txn.CostUSD.String(),
			txn.PromptTokens, txn.CompletionTokens, txn.TotalTokens, txn.CreatedAt,
		).Scan(&txn.ID)
		if err != nil {
			return ledger.Account{}, nil, fmt.Errorf("insert transaction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.Account{}, nil, fmt.Errorf("commit: %w", err)
	}
	return acct, txn, nil
}

func transactionWhere(filter ledger.TransactionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.AccountID != "" {
		add("account_id = $%d", filter.AccountID)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	where, args := transactionWhere(filter)
	n := len(args)
	args = append(args, limitArg(filter.Limit), filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM token_transactions%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, n+1, n+2)
	rows, err := s.pool.Query(ctx, query, args...)
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
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(tokens_used), 0)::bigint FROM token_transactions`+where, args...).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (s *Store) Stats(ctx context.Context, dayStart time.Time) (ledger.Stats, error) {
	var stats ledger.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_active),
		       COUNT(*) FILTER (WHERE is_blocked),
		       COALESCE(SUM(total_tokens), 0)::bigint,
		       COALESCE(SUM(used_tokens), 0)::bigint,
		       COALESCE(SUM(GREATEST(total_tokens - used_tokens, 0)), 0)::bigint
		FROM accounts`).Scan(
		&stats.Users.Total, &stats.Users.Active, &stats.Users.Blocked,
		&stats.Tokens.TotalDistributed, &stats.Tokens.TotalUsed, &stats.Tokens.TotalRemaining,
	)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("account stats: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM token_transactions WHERE created_at >= $1`, dayStart).Scan(&stats.TransactionsToday)
	if err != nil {
		return ledger.Stats{}, fmt.Errorf("transaction stats: %w", err)
	}
	return stats, nil
}
