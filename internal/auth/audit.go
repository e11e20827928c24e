package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Severity is the audit event severity, defaulted from the static event
// catalog below when a caller doesn't specify one.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// eventCatalog maps known event names to a default severity.
var eventCatalog = map[string]Severity{
	"auth.login.success":  SeverityInfo,
	"auth.login.failure":  SeverityWarning,
	"auth.login.lockout":  SeverityWarning,
	"auth.token.refresh":  SeverityInfo,
	"auth.logout":         SeverityInfo,
	"toolkit.install":     SeverityInfo,
	"toolkit.delete":      SeverityWarning,
}

func defaultSeverity(name string) Severity {
	if s, ok := eventCatalog[name]; ok {
		return s
	}
	return SeverityInfo
}

// Event is one audit log entry as callers describe it.
type Event struct {
	Name       string
	Severity   Severity
	Payload    map[string]any
	SourceIP   string
	UserAgent  string
	TargetType string
	TargetID   string
	UserID     string
}

// Record is the persisted form of an Event.
type Record struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Severity   Severity        `json:"severity"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SourceIP   string          `json:"source_ip,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	TargetType string          `json:"target_type,omitempty"`
	TargetID   string          `json:"target_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditBackend is the durable store audit rows are written to and purged
// from; a pgx/sqlx-backed implementation lives in internal/sqlstore.
type AuditBackend interface {
	Insert(ctx context.Context, rec *Record) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
}

// Service is the append-only audit log: event name, severity, optional
// payload, and retention enforced on every write plus on the health
// aggregator's periodic tick.
type Service struct {
	backend        AuditBackend
	retentionDays  int
	log            logger.Logger
}

func NewService(backend AuditBackend, retentionDays int, log logger.Logger) *Service {
	if log == nil {
		log = logger.Discard
	}
	return &Service{backend: backend, retentionDays: retentionDays, log: log}
}

// SetRetentionDays updates the retention window enforced by Sweep/Record,
// used when system_settings changes it at runtime.
func (s *Service) SetRetentionDays(days int) { s.retentionDays = days }

// Record appends one audit event, deriving severity from the static
// catalog when the caller left it unset, then runs the amortized retention
// sweep.
func (s *Service) Record(ctx context.Context, ev Event) {
	severity := ev.Severity
	if severity == "" {
		severity = defaultSeverity(ev.Name)
	}

	var payload json.RawMessage
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			s.log.Warn("auth: encode audit payload for %s: %v", ev.Name, err)
		} else {
			payload = data
		}
	}

	rec := &Record{
		ID:         uuid.NewString(),
		Name:       ev.Name,
		Severity:   severity,
		Payload:    payload,
		SourceIP:   ev.SourceIP,
		UserAgent:  ev.UserAgent,
		TargetType: ev.TargetType,
		TargetID:   ev.TargetID,
		UserID:     ev.UserID,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.backend.Insert(ctx, rec); err != nil {
		s.log.Error("auth: write audit event %s: %v", ev.Name, err)
		return
	}

	s.sweep(ctx)
}

// Sweep runs the retention purge on demand -- used by the health
// aggregator's periodic tick so retention is enforced even during
// audit-write lulls.
func (s *Service) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Service) sweep(ctx context.Context) {
	if s.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	if _, err := s.backend.PurgeOlderThan(ctx, cutoff); err != nil {
		s.log.Warn("auth: audit retention sweep: %v", err)
	}
}

// List returns paginated audit rows for the admin surface.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	recs, total, err := s.backend.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("auth: list audit logs: %w", err)
	}
	return recs, total, nil
}
