package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. Used for one-shot CLI runs and
// tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}, now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, spec Spec) (string, error) {
	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id] = newJob(id, spec, m.now().UTC())
	return id, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	next := j.clone()
	if err := next.apply(u, m.now().UTC()); err != nil {
		return err
	}
	m.jobs[id] = next
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}
