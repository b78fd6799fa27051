package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ncecere/metering_gateway/internal/alerts"
)

const alertColumns = `id, account_id, alert_type, message, is_sent, sent_at, is_resolved, resolved_at, created_at`

func scanAlert(row rowScanner) (alerts.Alert, error) {
	var (
		alert            alerts.Alert
		kind             string
		sent, resolved   int
		sentAt, resolvAt sql.NullInt64
		createdAt        int64
	)
	if err := row.Scan(&alert.ID, &alert.AccountID, &kind, &alert.Message, &sent, &sentAt, &resolved, &resolvAt, &createdAt); err != nil {
		return alerts.Alert{}, err
	}
	alert.Kind = alerts.Kind(kind)
	alert.Sent = sent != 0
	alert.SentAt = fromNullableUnix(sentAt)
	alert.Resolved = resolved != 0
	alert.ResolvedAt = fromNullableUnix(resolvAt)
	alert.CreatedAt = fromUnix(createdAt)
	return alert, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAlert(ctx context.Context, db execer, alert alerts.Alert) (alerts.Alert, error) {
	res, err := db.ExecContext(ctx,
		`INSERT INTO alerts (account_id, alert_type, message, is_sent, sent_at, is_resolved, resolved_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.AccountID, string(alert.Kind), alert.Message, boolInt(alert.Sent), nullableUnix(alert.SentAt),
		boolInt(alert.Resolved), nullableUnix(alert.ResolvedAt), toUnix(alert.CreatedAt),
	)
	if err != nil {
		return alerts.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	if alert.ID, err = res.LastInsertId(); err != nil {
		return alerts.Alert{}, err
	}
	alert.CreatedAt = fromUnix(toUnix(alert.CreatedAt))
	return alert, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert alerts.Alert) (alerts.Alert, error) {
	return insertAlert(ctx, s.db, alert)
}

func (s *Store) CreateAlertOnce(ctx context.Context, alert alerts.Alert, since time.Time) (alerts.Alert, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return alerts.Alert{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alerts WHERE account_id = ? AND alert_type = ? AND created_at >= ?`,
		alert.AccountID, string(alert.Kind), toUnix(since)).Scan(&exists)
	if err != nil {
		return alerts.Alert{}, false, fmt.Errorf("check alert: %w", err)
	}
	if exists > 0 {
		return alerts.Alert{}, false, nil
	}
	stored, err := insertAlert(ctx, tx, alert)
	if err != nil {
		return alerts.Alert{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return alerts.Alert{}, false, fmt.Errorf("commit: %w", err)
	}
	return stored, true, nil
}

func (s *Store) MarkAlertSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alerts SET is_sent = 1, sent_at = ? WHERE id = ?`, toUnix(sentAt), id)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

func (s *Store) ResolveAlerts(ctx context.Context, accountID string, kind alerts.Kind, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET is_resolved = 1, resolved_at = ? WHERE account_id = ? AND alert_type = ? AND is_resolved = 0`,
		toUnix(at), accountID, string(kind))
	if err != nil {
		return 0, fmt.Errorf("resolve alerts: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ListAlerts(ctx context.Context, accountID string, limit int) ([]alerts.Alert, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit)
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
