// Package idempotency implements the durable record of which logical
// submissions have already been admitted. The conditional insert here is
// the sole serialization point for duplicate detection.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record maps one compound key to the order it created. Records are
// created exactly once and never mutated or deleted.
type Record struct {
	CompoundKey string    `json:"compoundKey"`
	OrderID     uuid.UUID `json:"orderId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the durable key-value table behind the intake gatekeeper.
type Store interface {
	// PutIfAbsent inserts rec under its compound key unless a record
	// already exists. It returns the record now stored and whether this
	// call inserted it. The existing record wins on a lost race.
	PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error)

	// Get returns the record for the compound key, if any.
	Get(ctx context.Context, compoundKey string) (Record, bool, error)
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.CompoundKey]; ok {
		return existing, false, nil
	}
	s.records[rec.CompoundKey] = rec
	return rec, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, compoundKey string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[compoundKey]
	return rec, ok, nil
}
