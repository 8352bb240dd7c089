package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

var _ storage.LessonStore = (*LessonStore)(nil)

// LessonStore is an in-memory implementation of storage.LessonStore.
type LessonStore struct {
	mu   sync.RWMutex
	data map[domain.LessonKey]domain.Lesson

	// FailUpsert, when set, is consulted before every upsert and its error returned.
	FailUpsert func(domain.Lesson) error
}

// NewLessonStore creates a new in-memory lesson store.
func NewLessonStore() *LessonStore {
	return &LessonStore{data: make(map[domain.LessonKey]domain.Lesson)}
}

// UpsertLesson inserts or replaces a lesson.
func (s *LessonStore) UpsertLesson(_ context.Context, lesson domain.Lesson) error {
	if lesson.PatternKey == "" || lesson.Action == "" {
		return storage.ErrInvalidInput
	}
	if s.FailUpsert != nil {
		if err := s.FailUpsert(lesson); err != nil {
			return err
		}
	}
	if lesson.Status == "" {
		lesson.Status = domain.LessonActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lesson.Subset = lesson.Subset.Clone()
	s.data[lesson.Key()] = copyLesson(lesson)
	return nil
}

// RetireGroupLessons retires active lessons of group not written by keepRunID.
func (s *LessonStore) RetireGroupLessons(_ context.Context, group domain.GroupKey, keepRunID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retired int64
	now := time.Now().UTC()
	for key, lesson := range s.data {
		if key.Group() != group || lesson.Status != domain.LessonActive || lesson.RunID == keepRunID {
			continue
		}
		lesson.Status = domain.LessonRetired
		lesson.UpdatedAt = now
		s.data[key] = lesson
		retired++
	}
	return retired, nil
}

// ListLessons returns copies of matching lessons ordered by key.
func (s *LessonStore) ListLessons(_ context.Context, filter storage.LessonFilter) ([]domain.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Lesson, 0)
	for key, lesson := range s.data {
		if filter.PatternKey != "" && key.PatternKey != filter.PatternKey {
			continue
		}
		if filter.Action != "" && key.Action != filter.Action {
			continue
		}
		if filter.Status != "" && lesson.Status != filter.Status {
			continue
		}
		if filter.ScopeKey != "" && key.ScopeKey != filter.ScopeKey {
			continue
		}
		result = append(result, copyLesson(lesson))
	}

	sort.Slice(result, func(i, j int) bool { return lessThan(result[i].Key(), result[j].Key()) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListLessonGroups returns populations with at least one active lesson.
func (s *LessonStore) ListLessonGroups(_ context.Context) ([]domain.GroupKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[domain.GroupKey]struct{})
	for key, lesson := range s.data {
		if lesson.Status == domain.LessonActive {
			set[key.Group()] = struct{}{}
		}
	}
	return sortedGroups(set), nil
}

func copyLesson(l domain.Lesson) domain.Lesson {
	out := l
	out.Subset = l.Subset.Clone()
	if l.Stats.Decay.HalfLifeHours != nil {
		hl := *l.Stats.Decay.HalfLifeHours
		out.Stats.Decay.HalfLifeHours = &hl
	}
	return out
}

func lessThan(a, b domain.LessonKey) bool {
	if a.PatternKey != b.PatternKey {
		return a.PatternKey < b.PatternKey
	}
	if a.Action != b.Action {
		return a.Action < b.Action
	}
	return a.ScopeKey < b.ScopeKey
}
