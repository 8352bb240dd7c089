package memory

import (
	"context"
	"sort"
	"sync"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

var _ storage.OverrideStore = (*OverrideStore)(nil)

// OverrideStore is an in-memory implementation of storage.OverrideStore.
type OverrideStore struct {
	mu   sync.RWMutex
	data map[domain.LessonKey]domain.Override
}

// NewOverrideStore creates a new in-memory override store.
func NewOverrideStore() *OverrideStore {
	return &OverrideStore{data: make(map[domain.LessonKey]domain.Override)}
}

// UpsertOverride inserts or replaces an override.
func (s *OverrideStore) UpsertOverride(_ context.Context, override domain.Override) error {
	if override.PatternKey == "" || override.Action == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	override.Subset = override.Subset.Clone()
	s.data[override.Key()] = override
	return nil
}

// DeleteOverridesExcept removes overrides whose key is not in keep.
func (s *OverrideStore) DeleteOverridesExcept(_ context.Context, keep []domain.LessonKey) (int64, error) {
	retain := make(map[domain.LessonKey]struct{}, len(keep))
	for _, k := range keep {
		retain[k] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.data {
		if _, ok := retain[key]; ok {
			continue
		}
		delete(s.data, key)
		deleted++
	}
	return deleted, nil
}

// ListOverrides returns copies of matching overrides ordered by key.
func (s *OverrideStore) ListOverrides(_ context.Context, filter storage.OverrideFilter) ([]domain.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Override, 0)
	for key, o := range s.data {
		if filter.PatternKey != "" && key.PatternKey != filter.PatternKey {
			continue
		}
		if filter.Action != "" && key.Action != filter.Action {
			continue
		}
		oCopy := o
		oCopy.Subset = o.Subset.Clone()
		result = append(result, oCopy)
	}
	sort.Slice(result, func(i, j int) bool { return lessThan(result[i].Key(), result[j].Key()) })
	return result, nil
}
