package sqlstore

import (
	"context"
	"fmt"
)

const settingsKeyCatalogURL = "toolkit.catalog.url"

// SettingsBackend owns system_settings, the runtime-overridable key/value
// table. It implements catalog.SettingsOverride.
type SettingsBackend struct {
	db *DB
}

func NewSettingsBackend(db *DB) *SettingsBackend {
	return &SettingsBackend{db: db}
}

func (b *SettingsBackend) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.GetContext(ctx, &value, `SELECT value FROM system_settings WHERE key = $1`, key)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("sqlstore: get setting %s: %w", key, err)
	}
	return value, nil
}

func (b *SettingsBackend) Set(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("sqlstore: set setting %s: %w", key, err)
	}
	return nil
}

// CatalogURL implements catalog.SettingsOverride.
func (b *SettingsBackend) CatalogURL(ctx context.Context) (string, error) {
	return b.Get(ctx, settingsKeyCatalogURL)
}
