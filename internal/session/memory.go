package session

import (
	"context"
	"sync"
)

// MemoryStore keeps worker records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.WorkerID]; ok {
		return ErrExists
	}
	s.records[rec.WorkerID] = rec
	return nil
}

func (s *MemoryStore) Find(_ context.Context, workerID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) CompareAndSwapSession(_ context.Context, workerID string, old, next Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[workerID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Session.ID != old.ID || !rec.Session.CreatedAt.Equal(old.CreatedAt) {
		return false, nil
	}
	rec.Session = next
	s.records[workerID] = rec
	return true, nil
}

func (s *MemoryStore) SaveStatus(_ context.Context, workerID string, status []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[workerID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = append([]byte(nil), status...)
	s.records[workerID] = rec
	return nil
}

// Len returns the number of known workers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	return nil
}
