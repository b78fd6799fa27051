package postgres

import (
	"context"
	"fmt"

	"github.com/ncecere/metering_gateway/internal/settings"
)

func (s *Store) ListSettings(ctx context.Context) ([]settings.Setting, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value, description, updated_at FROM system_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []settings.Setting
	for rows.Next() {
		var setting settings.Setting
		if err := rows.Scan(&setting.Key, &setting.Value, &setting.Description, &setting.UpdatedAt); err != nil {
			return nil, err
		}
		setting.UpdatedAt = setting.UpdatedAt.UTC()
		out = append(out, setting)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSetting(ctx context.Context, setting settings.Setting) (settings.Setting, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO system_config (key, value, description, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at
		 RETURNING updated_at`,
		setting.Key, setting.Value, setting.Description, setting.UpdatedAt).Scan(&setting.UpdatedAt)
	if err != nil {
		return settings.Setting{}, fmt.Errorf("upsert setting: %w", err)
	}
	setting.UpdatedAt = setting.UpdatedAt.UTC()
	return setting, nil
}

func (s *Store) InsertSettingIfAbsent(ctx context.Context, setting settings.Setting) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_config (key, value, description, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING`,
		setting.Key, setting.Value, setting.Description, setting.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert setting: %w", err)
	}
	return nil
}
