// Package sqlstore is the durable pgx/sqlx-backed home for everything the
// in-memory backends in internal/toolkit and internal/auth stand in for in
// tests: installed toolkit metadata, users/roles, sessions, the audit log,
// auth provider configuration, and system settings. Every table is opened
// with CREATE TABLE IF NOT EXISTS rather than a migration framework --
// schema evolution for this deployment is additive columns, not a
// versioned migration chain.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

// DB wraps a *sqlx.DB opened against Postgres via the pgx stdlib adapter.
// It satisfies internal/health.DBPinger directly.
type DB struct {
	*sqlx.DB
	log logger.Logger
}

// Open connects to dsn and creates every table this package owns if it
// doesn't already exist.
func Open(ctx context.Context, dsn string, log logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Discard
	}
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	db := &DB{DB: sqlx.NewDb(sqlDB, "pgx"), log: log}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	if err := db.migrate(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS toolkits (
		slug TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS toolkit_removals (
		slug TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT,
		display_name TEXT,
		password_hash TEXT,
		external_id TEXT,
		provider_name TEXT,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		last_login_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS roles (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		refresh_token_hash TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		client_info TEXT,
		revoked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		severity TEXT NOT NULL,
		payload JSONB,
		source_ip TEXT,
		user_agent TEXT,
		target_type TEXT,
		target_id TEXT,
		user_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_log_created_at_idx ON audit_log (created_at)`,
	`CREATE TABLE IF NOT EXISTS auth_provider_configs (
		name TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		config JSONB NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
