package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is an in-process Processor for tests and single-node setups
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]*Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(ttl time.Duration) *MemoryInbox {
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &MemoryInbox{entries: make(map[string]*Entry), ttl: ttl, now: time.Now}
}

// Process implements Processor. Concurrent callers with the same key
// see ErrMessageInProgress.
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	now := m.now()
	entry, exists := m.entries[key]
	if exists && entry.ExpiresAt != nil && now.After(*entry.ExpiresAt) {
		delete(m.entries, key)
		exists = false
	}
	if exists {
		switch entry.Status {
		case StatusFinished:
			m.mu.Unlock()
			return &ProcessResult{IsNew: false, Result: entry.Result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			m.mu.Unlock()
			return nil, ErrMessageInProgress
		}
	}
	expires := now.Add(m.ttl)
	m.entries[key] = &Entry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.UpdatedAt = m.now()
	if err != nil {
		e.Status = StatusRecoverable
		if IsPermanent(err) {
			e.Status = StatusFailed
		}
		return nil, err
	}
	e.Status = StatusFinished
	e.Result = result
	return &ProcessResult{IsNew: !exists, WasRecovered: exists, Result: result}, nil
}

// Len returns the number of stored entries
func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
