package sqlite

import (
	"context"
	"fmt"

	"github.com/ncecere/metering_gateway/internal/settings"
)

func (s *Store) ListSettings(ctx context.Context) ([]settings.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, description, updated_at FROM system_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []settings.Setting
	for rows.Next() {
		var (
			setting   settings.Setting
			updatedAt int64
		)
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.Description, &updatedAt); err != nil {
			return nil, err
		}
		setting.UpdatedAt = fromUnix(updatedAt)
		out = append(out, setting)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSetting(ctx context.Context, setting settings.Setting) (settings.Setting, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, description, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, description = excluded.description, updated_at = excluded.updated_at`,
		setting.Key, setting.Value, setting.Description, toUnix(setting.UpdatedAt))
	if err != nil {
		return settings.Setting{}, fmt.Errorf("upsert setting: %w", err)
	}
	setting.UpdatedAt = fromUnix(toUnix(setting.UpdatedAt))
	return setting, nil
}

func (s *Store) InsertSettingIfAbsent(ctx context.Context, setting settings.Setting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, description, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		setting.Key, setting.Value, setting.Description, toUnix(setting.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert setting: %w", err)
	}
	return nil
}
