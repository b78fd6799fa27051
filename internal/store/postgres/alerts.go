package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ncecere/metering_gateway/internal/alerts"
)

const alertColumns = `id, account_id, alert_type, message, is_sent, sent_at, is_resolved, resolved_at, created_at`

func scanAlert(row pgx.Row) (alerts.Alert, error) {
	var (
		alert alerts.Alert
		kind  string
	)
	if err := row.Scan(&alert.ID, &alert.AccountID, &kind, &alert.Message, &alert.Sent, &alert.SentAt,
		&alert.Resolved, &alert.ResolvedAt, &alert.CreatedAt); err != nil {
		return alerts.Alert{}, err
	}
	alert.Kind = alerts.Kind(kind)
	alert.CreatedAt = alert.CreatedAt.UTC()
	return alert, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAlert(ctx context.Context, q querier, alert alerts.Alert) (alerts.Alert, error) {
	row := q.QueryRow(ctx,
		`INSERT INTO alerts (account_id, alert_type, message, is_sent, sent_at, is_resolved, resolved_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING `+alertColumns,
		alert.AccountID, string(alert.Kind), alert.Message, alert.Sent, alert.SentAt,
		alert.Resolved, alert.ResolvedAt, alert.CreatedAt,
	)
	stored, err := scanAlert(row)
	if err != nil {
		return alerts.Alert{}, fmt.Errorf("insert alert: %w", mapError(err))
	}
	return stored, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert alerts.Alert) (alerts.Alert, error) {
	return insertAlert(ctx, s.pool, alert)
}

// CreateAlertOnce serializes on a transaction-scoped advisory lock keyed by
// account and kind so concurrent settlements cannot both insert.
func (s *Store) CreateAlertOnce(ctx context.Context, alert alerts.Alert, since time.Time) (alerts.Alert, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return alerts.Alert{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		alert.AccountID+":"+string(alert.Kind)); err != nil {
		return alerts.Alert{}, false, fmt.Errorf("lock alert key: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts WHERE account_id = $1 AND alert_type = $2 AND created_at >= $3)`,
		alert.AccountID, string(alert.Kind), since).Scan(&exists)
	if err != nil {
		return alerts.Alert{}, false, fmt.Errorf("check alert: %w", err)
	}
	if exists {
		return alerts.Alert{}, false, nil
	}
	stored, err := insertAlert(ctx, tx, alert)
	if err != nil {
		return alerts.Alert{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return alerts.Alert{}, false, fmt.Errorf("commit: %w", err)
	}
	return stored, true, nil
}

func (s *Store) MarkAlertSent(ctx context.Context, id int64, sentAt time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE alerts SET is_sent = TRUE, sent_at = $2 WHERE id = $1`, id, sentAt); err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

func (s *Store) ResolveAlerts(ctx context.Context, accountID string, kind alerts.Kind, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET is_resolved = TRUE, resolved_at = $3 WHERE account_id = $1 AND alert_type = $2 AND NOT is_resolved`,
		accountID, string(kind), at)
	if err != nil {
		return 0, fmt.Errorf("resolve alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListAlerts(ctx context.Context, accountID string, limit int) ([]alerts.Alert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		accountID, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alert)
	}
	return out, rows.Err()
}
