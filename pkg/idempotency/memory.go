package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryInbox is an in-process Processor for single-instance deployments
// without Postgres, and for tests. Entries never expire.
type MemoryInbox struct {
	mu              sync.Mutex
	entries         map[string]*InboxEntry
	recoveryTimeout time.Duration
	now             func() time.Time
}

// NewMemoryInbox creates an empty inbox.
func NewMemoryInbox() *MemoryInbox {
	return &MemoryInbox{
		entries:         make(map[string]*InboxEntry),
		recoveryTimeout: DefaultInboxConfig().RecoveryTimeout,
		now:             time.Now,
	}
}

// Process follows the same state machine as Inbox.Process.
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	entry := m.entries[key]
	d, err := decide(entry, m.now(), m.recoveryTimeout)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if d == decideReplay {
		result := entry.Result
		m.mu.Unlock()
		return &ProcessResult{Result: result}, nil
	}

	recovered := entry != nil
	if !recovered {
		entry = &InboxEntry{IdempotencyKey: key, HandlerName: handlerName, Payload: payload, CreatedAt: m.now()}
		m.entries[key] = entry
	}
	entry.Status = StatusStarted
	entry.UpdatedAt = m.now()
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UpdatedAt = m.now()
	if err != nil {
		entry.Status = failureStatus(err)
		entry.Result = errorResult(err)
		return nil, err
	}
	entry.Status = StatusFinished
	entry.Result = result
	return &ProcessResult{IsNew: !recovered, WasRecovered: recovered, Result: result}, nil
}

// Status returns the status recorded for key.
func (m *MemoryInbox) Status(key string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.Status, true
	}
	return "", false
}
