package store

import (
	"context"
	"sync"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Compile-time interface check.
var _ RecordStore = (*MemoryStore)(nil)

type recordKey struct {
	rule     string
	resource string
}

// MemoryStore is an in-memory RecordStore.
// It is safe for concurrent use. Records are lost on process restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]models.NotificationRecord
	closed  bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]models.NotificationRecord)}
}

// Get implements RecordStore.
func (m *MemoryStore) Get(_ context.Context, ruleName, resourceID string) (models.NotificationRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.NotificationRecord{}, false, ErrClosed
	}
	rec, ok := m.records[recordKey{ruleName, resourceID}]
	return rec, ok, nil
}

// Put implements RecordStore.
func (m *MemoryStore) Put(_ context.Context, rec models.NotificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records[recordKey{rec.RuleName, rec.ResourceID}] = rec
	return nil
}

// Delete implements RecordStore.
func (m *MemoryStore) Delete(_ context.Context, ruleName, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.records, recordKey{ruleName, resourceID})
	return nil
}

// DeleteRule implements RecordStore.
func (m *MemoryStore) DeleteRule(_ context.Context, ruleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for k := range m.records {
		if k.rule == ruleName {
			delete(m.records, k)
		}
	}
	return nil
}

// List implements RecordStore.
func (m *MemoryStore) List(_ context.Context) ([]models.NotificationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]models.NotificationRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

// Ping implements RecordStore.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements RecordStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
