// Package jobstore implements the durable job record substrate: a
// KV-backed hash of job records with filtered listing, incremental log
// append, and the handful of status transitions the dispatcher and worker
// runtime drive.
package jobstore

import (
	"encoding/json"
	"time"
)

// Status is one of the six states a Job can occupy. Terminal statuses are
// Succeeded, Failed, and Cancelled.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal statuses, after
// which Status, Result, and Error become immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LogEntry is one line appended to a job's log.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Message   string    `json:"message"`
}

// Job is the authoritative unit of asynchronous work.
type Job struct {
	ID            string          `json:"id"`
	Toolkit       string          `json:"toolkit"`
	Operation     string          `json:"operation"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Progress      int             `json:"progress"`
	Logs          []LogEntry      `json:"logs"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	CeleryTaskID  string          `json:"celery_task_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LogsAfter returns the log entries with index >= after, for incremental
// polling by operator UIs instead of re-reading the whole log every time.
func (j *Job) LogsAfter(after int) []LogEntry {
	if after < 0 {
		after = 0
	}
	if after >= len(j.Logs) {
		return nil
	}
	return j.Logs[after:]
}

// jobType computes the dispatcher-visible type from toolkit+operation.
func jobType(toolkit, operation string) string {
	return toolkit + "." + operation
}
