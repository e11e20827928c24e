package taskbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus used by dispatcher/scheduler/worker runtime
// tests. It has no separate Pop API; tests observe Send/Revoke calls
// directly via Sent/IsRevoked.
type MemoryBus struct {
	mu      sync.Mutex
	sent    []Envelope
	revoked map[string]bool
	workers []string

	// SendErr, when non-nil, makes Send fail -- used to exercise the
	// dispatcher's broker-send-failure path.
	SendErr error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{revoked: make(map[string]bool)}
}

func (b *MemoryBus) Send(_ context.Context, task string, args []string, queue string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return "", b.SendErr
	}
	env := Envelope{TaskID: uuid.NewString(), Task: task, Args: args}
	b.sent = append(b.sent, env)
	return env.TaskID, nil
}

func (b *MemoryBus) Revoke(_ context.Context, taskID string, terminate bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[taskID] = true
	return nil
}

func (b *MemoryBus) IsRevoked(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[taskID]
}

func (b *MemoryBus) Ping(_ context.Context, _ time.Duration) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.workers))
	copy(out, b.workers)
	return out, nil
}

func (b *MemoryBus) SetWorkers(names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers = names
}

func (b *MemoryBus) Sent() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Envelope, len(b.sent))
	copy(out, b.sent)
	return out
}
