package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sxmxc/opstoolbox/internal/kv"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

// Store is the job store contract
type Store interface {
	Create(ctx context.Context, toolkit, operation string, payload json.RawMessage) (*Job, error)
	Save(ctx context.Context, job *Job, updateTS bool) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f Filters, limit, offset int) ([]*Job, int, error)
	AppendLog(ctx context.Context, job *Job, msg string) error
	AttachBrokerTask(ctx context.Context, job *Job, taskID string) error
	MarkCancelling(ctx context.Context, job *Job, msg string) error
	MarkCancelled(ctx context.Context, job *Job, msg string) error
	Delete(ctx context.Context, id string) (bool, error)
}

// Filters narrows List to jobs matching every non-empty slice (AND-combined,
// resolution of the toolkit/module ambiguity); values within a
// slice are OR-combined and matched case-insensitively.
type Filters struct {
	Toolkits []string
	Modules  []string // matched against Job.Operation
	Statuses []string
}

type kvStore struct {
	kv     kv.Store
	prefix string
	log    logger.Logger
}

// New returns a Store backed by kv under the given key prefix, e.g. "opstoolbox".
func New(store kv.Store, prefix string, log logger.Logger) Store {
	if log == nil {
		log = logger.Discard
	}
	return &kvStore{kv: store, prefix: prefix, log: log}
}

func (s *kvStore) hashKey() string { return s.prefix + ":jobs" }

func (s *kvStore) Create(ctx context.Context, toolkit, operation string, payload json.RawMessage) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Toolkit:   toolkit,
		Operation: operation,
		Type:      jobType(toolkit, operation),
		Payload:   payload,
		Status:    StatusQueued,
		Progress:  0,
		Logs:      []LogEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(ctx, job); err != nil {
		return nil, fmt.Errorf("jobstore: create: %w", err)
	}
	return job, nil
}

func (s *kvStore) Save(ctx context.Context, job *Job, updateTS bool) error {
	if updateTS {
		job.UpdatedAt = time.Now().UTC()
	}
	if err := s.write(ctx, job); err != nil {
		return fmt.Errorf("jobstore: save: %w", err)
	}
	return nil
}

func (s *kvStore) write(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.kv.HSet(ctx, s.hashKey(), job.ID, string(data))
}

func (s *kvStore) Get(ctx context.Context, id string) (*Job, error) {
	raw, ok, err := s.kv.HGet(ctx, s.hashKey(), id)
	if err != nil {
		return nil, fmt.Errorf("jobstore: get: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return decodeJob(raw)
}

func decodeJob(raw string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("jobstore: decode: %w", err)
	}
	if job.Logs == nil {
		job.Logs = []LogEntry{}
	}
	return &job, nil
}

func (s *kvStore) List(ctx context.Context, f Filters, limit, offset int) ([]*Job, int, error) {
	all, err := s.kv.HGetAll(ctx, s.hashKey())
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore: list: %w", err)
	}

	jobs := make([]*Job, 0, len(all))
	for _, raw := range all {
		job, err := decodeJob(raw)
		if err != nil {
			s.log.Warn("jobstore: skipping unreadable job record: %v", err)
			continue
		}
		if matches(job, f) {
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	total := len(jobs)

	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*Job{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return jobs[offset:end], total, nil
}

func matches(job *Job, f Filters) bool {
	return matchesAny(job.Toolkit, f.Toolkits) &&
		matchesAny(job.Operation, f.Modules) &&
		matchesAny(string(job.Status), f.Statuses)
}

func matchesAny(value string, candidates []string) bool {
	if len(candidates) == 0 {
		return true
	}
	for _, c := range candidates {
		if strings.EqualFold(value, c) {
			return true
		}
	}
	return false
}

func (s *kvStore) AppendLog(ctx context.Context, job *Job, msg string) error {
	job.Logs = append(job.Logs, LogEntry{Timestamp: time.Now().UTC(), Message: msg})
	return s.Save(ctx, job, true)
}

func (s *kvStore) AttachBrokerTask(ctx context.Context, job *Job, taskID string) error {
	job.CeleryTaskID = taskID
	return s.Save(ctx, job, true)
}

func (s *kvStore) MarkCancelling(ctx context.Context, job *Job, msg string) error {
	if job.Status.Terminal() {
		return nil
	}
	job.Status = StatusCancelling
	if msg != "" {
		job.Logs = append(job.Logs, LogEntry{Timestamp: time.Now().UTC(), Message: msg})
	}
	return s.Save(ctx, job, true)
}

// MarkCancelled transitions job to cancelled. Progress is left at its
// current value (it may already be > 0 from an in-flight handler); it is
// never reset to 0 once progress has been made
func (s *kvStore) MarkCancelled(ctx context.Context, job *Job, msg string) error {
	if job.Status.Terminal() {
		return nil
	}
	job.Status = StatusCancelled
	if msg != "" {
		job.Logs = append(job.Logs, LogEntry{Timestamp: time.Now().UTC(), Message: msg})
	}
	return s.Save(ctx, job, true)
}

func (s *kvStore) Delete(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.kv.HGet(ctx, s.hashKey(), id)
	if err != nil {
		return false, fmt.Errorf("jobstore: delete: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.kv.HDel(ctx, s.hashKey(), id); err != nil {
		return false, fmt.Errorf("jobstore: delete: %w", err)
	}
	return true, nil
}
