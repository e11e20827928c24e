package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sxmxc/opstoolbox/internal/toolkit"
)

// ToolkitBackend implements toolkit.SQLBackend against the toolkits table.
// The Record is stored as a single JSONB blob with slug broken out as a
// real column; removal tombstones live in the separate toolkit_removals
// table.
type ToolkitBackend struct {
	db *DB
}

func NewToolkitBackend(db *DB) *ToolkitBackend {
	return &ToolkitBackend{db: db}
}

func (b *ToolkitBackend) Upsert(ctx context.Context, rec *toolkit.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal toolkit record: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO toolkits (slug, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (slug) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`, rec.Slug, data)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert toolkit %s: %w", rec.Slug, err)
	}
	return nil
}

func (b *ToolkitBackend) Get(ctx context.Context, slug string) (*toolkit.Record, error) {
	var data []byte
	err := b.db.GetContext(ctx, &data, `SELECT data FROM toolkits WHERE slug = $1`, slug)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlstore: get toolkit %s: %w", slug, err)
	}
	var rec toolkit.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("sqlstore: decode toolkit %s: %w", slug, err)
	}
	return &rec, nil
}

func (b *ToolkitBackend) List(ctx context.Context) ([]*toolkit.Record, error) {
	var rows [][]byte
	if err := b.db.SelectContext(ctx, &rows, `SELECT data FROM toolkits ORDER BY slug`); err != nil {
		return nil, fmt.Errorf("sqlstore: list toolkits: %w", err)
	}
	out := make([]*toolkit.Record, 0, len(rows))
	for _, raw := range rows {
		var rec toolkit.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("sqlstore: decode toolkit row: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (b *ToolkitBackend) Delete(ctx context.Context, slug string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM toolkits WHERE slug = $1`, slug); err != nil {
		return fmt.Errorf("sqlstore: delete toolkit %s: %w", slug, err)
	}
	return nil
}

func (b *ToolkitBackend) MarkRemoved(ctx context.Context, slug string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO toolkit_removals (slug) VALUES ($1)
		ON CONFLICT (slug) DO NOTHING
	`, slug)
	if err != nil {
		return fmt.Errorf("sqlstore: mark toolkit %s removed: %w", slug, err)
	}
	return nil
}

func (b *ToolkitBackend) ClearRemoval(ctx context.Context, slug string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM toolkit_removals WHERE slug = $1`, slug); err != nil {
		return fmt.Errorf("sqlstore: clear removal for %s: %w", slug, err)
	}
	return nil
}

func (b *ToolkitBackend) IsRemoved(ctx context.Context, slug string) (bool, error) {
	var removed bool
	err := b.db.GetContext(ctx, &removed, `SELECT EXISTS (SELECT 1 FROM toolkit_removals WHERE slug = $1)`, slug)
	if err != nil {
		return false, fmt.Errorf("sqlstore: is removed %s: %w", slug, err)
	}
	return removed, nil
}
