package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sxmxc/opstoolbox/internal/auth"
)

// AuditBackend implements auth.AuditBackend against audit_log.
type AuditBackend struct {
	db *DB
}

func NewAuditBackend(db *DB) *AuditBackend {
	return &AuditBackend{db: db}
}

func (b *AuditBackend) Insert(ctx context.Context, rec *auth.Record) error {
	var payload sql.NullString
	if len(rec.Payload) > 0 {
		payload = sql.NullString{String: string(rec.Payload), Valid: true}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, name, severity, payload, source_ip, user_agent, target_type, target_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.Name, rec.Severity, payload, toNullString(rec.SourceIP), toNullString(rec.UserAgent),
		toNullString(rec.TargetType), toNullString(rec.TargetID), toNullString(rec.UserID), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlstore: insert audit event %s: %w", rec.Name, err)
	}
	return nil
}

func (b *AuditBackend) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge audit log rows affected: %w", err)
	}
	return n, nil
}

type auditRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	Severity   string         `db:"severity"`
	Payload    sql.NullString `db:"payload"`
	SourceIP   sql.NullString `db:"source_ip"`
	UserAgent  sql.NullString `db:"user_agent"`
	TargetType sql.NullString `db:"target_type"`
	TargetID   sql.NullString `db:"target_id"`
	UserID     sql.NullString `db:"user_id"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r auditRow) toRecord() *auth.Record {
	rec := &auth.Record{
		ID:         r.ID,
		Name:       r.Name,
		Severity:   auth.Severity(r.Severity),
		SourceIP:   fromNullString(r.SourceIP),
		UserAgent:  fromNullString(r.UserAgent),
		TargetType: fromNullString(r.TargetType),
		TargetID:   fromNullString(r.TargetID),
		UserID:     fromNullString(r.UserID),
		CreatedAt:  r.CreatedAt,
	}
	if r.Payload.Valid {
		rec.Payload = []byte(r.Payload.String)
	}
	return rec
}

func (b *AuditBackend) List(ctx context.Context, limit, offset int) ([]*auth.Record, int, error) {
	var total int
	if err := b.db.GetContext(ctx, &total, `SELECT count(*) FROM audit_log`); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: count audit log: %w", err)
	}

	var rows []auditRow
	err := b.db.SelectContext(ctx, &rows, `
		SELECT * FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlstore: list audit log: %w", err)
	}

	out := make([]*auth.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, total, nil
}
