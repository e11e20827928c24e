// Package scheduler implements the periodic probe dispatch loop: an atomic
// reserve-and-advance protocol over probe templates, plus stale-queued-job
// resubmission to compensate for broker restarts.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sxmxc/opstoolbox/internal/kv"
)

// ProbeTemplate is the scheduler exemplar record
type ProbeTemplate struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	URL               string          `json:"url"`
	Method            string          `json:"method"`
	SLAMillis         int             `json:"sla_ms"`
	IntervalSeconds   int             `json:"interval_seconds"`
	NotificationRules json.RawMessage `json:"notification_rules,omitempty"`
	Tags              []string        `json:"tags,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (t *ProbeTemplate) due(now time.Time) bool {
	return t.NextRunAt == nil || !t.NextRunAt.After(now)
}

// TemplateStore is the KV-hash-backed home for probe templates, keyed by
// "{prefix}:probe_templates".
type TemplateStore struct {
	kv     kv.Store
	prefix string
}

func NewTemplateStore(store kv.Store, prefix string) *TemplateStore {
	return &TemplateStore{kv: store, prefix: prefix}
}

func (s *TemplateStore) hashKey() string { return s.prefix + ":probe_templates" }

func (s *TemplateStore) Get(ctx context.Context, id string) (*ProbeTemplate, error) {
	raw, ok, err := s.kv.HGet(ctx, s.hashKey(), id)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get template: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return decodeTemplate(raw)
}

func (s *TemplateStore) List(ctx context.Context) ([]*ProbeTemplate, error) {
	all, err := s.kv.HGetAll(ctx, s.hashKey())
	if err != nil {
		return nil, fmt.Errorf("scheduler: list templates: %w", err)
	}
	out := make([]*ProbeTemplate, 0, len(all))
	for _, raw := range all {
		t, err := decodeTemplate(raw)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *TemplateStore) Save(ctx context.Context, t *ProbeTemplate) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("scheduler: encode template: %w", err)
	}
	return s.kv.HSet(ctx, s.hashKey(), t.ID, string(data))
}

func decodeTemplate(raw string) (*ProbeTemplate, error) {
	var t ProbeTemplate
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("scheduler: decode template: %w", err)
	}
	return &t, nil
}

// Reserve atomically advances a due template's next_run_at using the KV
// store's CAS primitive, the Go rendering of Redis's WATCH/MULTI/EXEC
// protocol. ok is false if the template doesn't exist or is no longer due
// by the time the CAS runs (another scheduler won the race, or it simply
// isn't due yet).
func (s *TemplateStore) Reserve(ctx context.Context, id string, now time.Time) (*ProbeTemplate, bool, error) {
	var reserved *ProbeTemplate
	applied, err := s.kv.CASHashField(ctx, s.hashKey(), id, func(current string, exists bool) (string, bool, error) {
		if !exists {
			return "", false, nil
		}
		t, err := decodeTemplate(current)
		if err != nil {
			return "", false, err
		}
		if !t.due(now) {
			return "", false, nil
		}
		next := now.Add(time.Duration(t.IntervalSeconds) * time.Second)
		t.NextRunAt = &next
		t.UpdatedAt = now
		reserved = t
		data, err := json.Marshal(t)
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		return nil, false, nil
	}
	return reserved, true, nil
}
