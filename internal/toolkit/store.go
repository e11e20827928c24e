package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// SQLBackend is the authoritative durable side of the dual-store invariant
// ("the durable SQL table is authoritative; a KV hash mirrors
// it for hot reads"). A concrete pgx/sqlx-backed implementation lives in
// internal/sqlstore; tests use the in-memory backend below.
type SQLBackend interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, slug string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, slug string) error
	MarkRemoved(ctx context.Context, slug string) error
	ClearRemoval(ctx context.Context, slug string) error
	IsRemoved(ctx context.Context, slug string) (bool, error)
}

// Store is the toolkit registry contract over the SQL+KV dual store.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Get(ctx context.Context, slug string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, slug string) error
	IsRemoved(ctx context.Context, slug string) (bool, error)
	ClearRemoval(ctx context.Context, slug string) error
}

type dualStore struct {
	sql    SQLBackend
	kv     kv.Store
	prefix string
	log    logger.Logger
}

// New returns a Store backed by sql (authoritative) with kv as a hot-read
// mirror under the given key prefix.
func New(sql SQLBackend, kvStore kv.Store, prefix string, log logger.Logger) Store {
	if log == nil {
		log = logger.Discard
	}
	return &dualStore{sql: sql, kv: kvStore, prefix: prefix, log: log}
}

func (s *dualStore) hashKey() string { return s.prefix + ":toolkits" }

// Create rejects duplicate slugs
func (s *dualStore) Create(ctx context.Context, rec *Record) error {
	if !ValidSlug(rec.Slug) {
		return apperr.Validation("invalid toolkit slug")
	}
	existing, err := s.sql.Get(ctx, rec.Slug)
	if err != nil {
		return fmt.Errorf("toolkit: create: %w", err)
	}
	if existing != nil {
		return apperr.Conflict(fmt.Sprintf("toolkit %q already exists", rec.Slug))
	}
	if err := s.sql.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("toolkit: create: %w", err)
	}
	return s.mirror(ctx, rec)
}

func (s *dualStore) Update(ctx context.Context, rec *Record) error {
	if err := s.sql.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("toolkit: update: %w", err)
	}
	return s.mirror(ctx, rec)
}

func (s *dualStore) mirror(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("toolkit: mirror encode: %w", err)
	}
	if err := s.kv.HSet(ctx, s.hashKey(), rec.Slug, string(data)); err != nil {
		return fmt.Errorf("toolkit: mirror write: %w", err)
	}
	return nil
}

// Get reads from the KV mirror and rebuilds it from SQL on a miss, per the
// dual-store invariant: SQL is authoritative, the KV hash a rebuildable cache.
func (s *dualStore) Get(ctx context.Context, slug string) (*Record, error) {
	raw, ok, err := s.kv.HGet(ctx, s.hashKey(), slug)
	if err != nil {
		return nil, fmt.Errorf("toolkit: get: %w", err)
	}
	if ok {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			return &rec, nil
		}
		s.log.Warn("toolkit: discarding unreadable mirror entry for %s", slug)
	}

	rec, err := s.sql.Get(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("toolkit: get: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if err := s.mirror(ctx, rec); err != nil {
		s.log.Warn("toolkit: failed to rebuild mirror for %s: %v", slug, err)
	}
	return rec, nil
}

// List returns toolkits sorted by category then case-insensitive name.
func (s *dualStore) List(ctx context.Context) ([]*Record, error) {
	recs, err := s.sql.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("toolkit: list: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Category != recs[j].Category {
			return recs[i].Category < recs[j].Category
		}
		return strings.ToLower(recs[i].Name) < strings.ToLower(recs[j].Name)
	})
	return recs, nil
}

// Delete forbids removing builtin toolkits and tombstones bundled ones.
func (s *dualStore) Delete(ctx context.Context, slug string) error {
	rec, err := s.sql.Get(ctx, slug)
	if err != nil {
		return fmt.Errorf("toolkit: delete: %w", err)
	}
	if rec == nil {
		return apperr.NotFound(fmt.Sprintf("toolkit %q not found", slug))
	}
	if rec.Origin == OriginBuiltin {
		return apperr.Forbidden("builtin toolkits cannot be deleted")
	}
	if err := s.sql.Delete(ctx, slug); err != nil {
		return fmt.Errorf("toolkit: delete: %w", err)
	}
	if err := s.kv.HDel(ctx, s.hashKey(), slug); err != nil {
		s.log.Warn("toolkit: failed to evict mirror entry for %s: %v", slug, err)
	}
	if rec.Origin == OriginBundled {
		if err := s.sql.MarkRemoved(ctx, slug); err != nil {
			return fmt.Errorf("toolkit: tombstone: %w", err)
		}
	}
	return nil
}

func (s *dualStore) IsRemoved(ctx context.Context, slug string) (bool, error) {
	return s.sql.IsRemoved(ctx, slug)
}

func (s *dualStore) ClearRemoval(ctx context.Context, slug string) error {
	return s.sql.ClearRemoval(ctx, slug)
}

// MemorySQLBackend is an in-memory SQLBackend used by tests and by any
// deployment that hasn't wired a real database yet.
type MemorySQLBackend struct {
	mu      sync.Mutex
	records map[string]*Record
	removed map[string]bool
}

func NewMemorySQLBackend() *MemorySQLBackend {
	return &MemorySQLBackend{records: make(map[string]*Record), removed: make(map[string]bool)}
}

func (m *MemorySQLBackend) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Slug] = rec.Clone()
	return nil
}

func (m *MemorySQLBackend) Get(_ context.Context, slug string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[slug]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemorySQLBackend) List(_ context.Context) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *MemorySQLBackend) Delete(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, slug)
	return nil
}

func (m *MemorySQLBackend) MarkRemoved(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed[slug] = true
	return nil
}

func (m *MemorySQLBackend) ClearRemoval(_ context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.removed, slug)
	return nil
}

func (m *MemorySQLBackend) IsRemoved(_ context.Context, slug string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed[slug], nil
}
