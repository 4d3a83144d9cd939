package assign

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]*Task
	contexts map[int64]string
	seeded   map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[int64]*Task),
		contexts: make(map[int64]string),
		seeded:   make(map[string]int64),
	}
}

func (s *MemoryStore) FindNextEligible(_ context.Context, _ string, verifiedOnly bool) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Task
	for _, t := range s.tasks {
		if t.Assigned() || t.Completed {
			continue
		}
		if verifiedOnly && !t.FunctionSigned {
			continue
		}
		if state, ok := s.contexts[t.ExecContextID]; ok && state != ExecContextStarted {
			continue
		}
		if best == nil || t.CreatedAt.Before(best.CreatedAt) ||
			(t.CreatedAt.Equal(best.CreatedAt) && t.ID < best.ID) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) MarkAssigned(_ context.Context, taskID int64, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Assigned() {
		return ErrAlreadyAssigned
	}
	t.WorkerID = workerID
	t.AssignedAt = now
	return nil
}

func (s *MemoryStore) MarkResultReceived(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.ResultReceived = true
	return nil
}

func (s *MemoryStore) Find(_ context.Context, taskID int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListByWorker(_ context.Context, workerID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, t := range s.tasks {
		if t.WorkerID == workerID && !t.ResultReceived {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) StoreResult(_ context.Context, workerID string, r Result, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[r.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.WorkerID != workerID {
		return ErrTaskWasReset
	}
	t.Completed = true
	t.CompletedAt = now
	t.ExecState = r.State
	t.Console = r.Console
	return nil
}

func (s *MemoryStore) Reset(_ context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.WorkerID = ""
	t.AssignedAt = time.Time{}
	t.Completed = false
	t.CompletedAt = time.Time{}
	t.ResultReceived = false
	t.ExecState = ""
	t.Console = ""
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, t Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.seeded[t.SeedKey]; ok && t.SeedKey != "" {
		return id, nil
	}
	s.nextID++
	t.ID = s.nextID
	if t.SeedKey != "" {
		s.seeded[t.SeedKey] = t.ID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tasks[t.ID] = &t
	if _, ok := s.contexts[t.ExecContextID]; !ok {
		s.contexts[t.ExecContextID] = ExecContextStarted
	}
	return t.ID, nil
}

func (s *MemoryStore) SetExecContextState(_ context.Context, execContextID int64, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[execContextID] = state
	return nil
}

func (s *MemoryStore) ExecContextStates(_ context.Context, ids []int64) ([]ExecContextState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ExecContextState, 0, len(ids))
	for _, id := range ids {
		state, ok := s.contexts[id]
		if !ok {
			state = ExecContextUnknown
		}
		out = append(out, ExecContextState{ExecContextID: id, State: state})
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
