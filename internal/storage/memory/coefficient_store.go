package memory

import (
	"context"
	"sync"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

var (
	_ storage.CoefficientStore = (*CoefficientStore)(nil)
	_ storage.AdvisoryLocker   = (*Locker)(nil)
)

// CoefficientStore is an in-memory implementation of storage.CoefficientStore.
type CoefficientStore struct {
	mu    sync.RWMutex
	state *domain.CoefficientState

	// FailSave, when non-nil, is returned by every SaveCoefficients call.
	FailSave error
}

// NewCoefficientStore creates an empty coefficient store.
func NewCoefficientStore() *CoefficientStore {
	return &CoefficientStore{}
}

// LoadCoefficients returns a copy of the saved state or ErrNotFound.
func (s *CoefficientStore) LoadCoefficients(_ context.Context) (*domain.CoefficientState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, storage.ErrNotFound
	}
	return s.state.Clone(), nil
}

// SaveCoefficients stores a copy of state.
func (s *CoefficientStore) SaveCoefficients(_ context.Context, state *domain.CoefficientState) error {
	if state == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSave != nil {
		return s.FailSave
	}
	s.state = state.Clone()
	return nil
}

// Locker is a process-local stand-in for the postgres advisory lock.
type Locker struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{held: make(map[int64]bool)}
}

// TryAdvisoryLock acquires key if it is free.
func (l *Locker) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}
