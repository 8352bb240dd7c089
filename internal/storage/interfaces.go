package storage

import (
	"context"
	"time"

	"pattern-edge-learner/internal/domain"
)

// TradeEventStore is the append-only fact table of realized action outcomes.
type TradeEventStore interface {
	// AppendEvent stores ev and returns it with its assigned ID.
	// Returns ErrDuplicateEvent if the (trade_id, pattern_key, action_category) already exists.
	AppendEvent(ctx context.Context, ev domain.TradeEvent) (domain.TradeEvent, error)

	// ListGroups returns every population with at least one event at or after since.
	ListGroups(ctx context.Context, since time.Time) ([]domain.GroupKey, error)

	// ListGroupEvents returns a population's events at or after since, ordered by (timestamp, id).
	ListGroupEvents(ctx context.Context, group domain.GroupKey, since time.Time) ([]domain.TradeEvent, error)

	// CountEvents returns the number of stored events.
	CountEvents(ctx context.Context) (int64, error)
}

// LessonFilter narrows ListLessons. Zero values match everything.
type LessonFilter struct {
	PatternKey string
	Action     domain.ActionCategory
	Status     domain.LessonStatus
	ScopeKey   string
	Limit      int
}

// LessonStore persists mined lessons keyed by (pattern_key, action_category, scope_key).
type LessonStore interface {
	// UpsertLesson inserts or replaces the lesson with the same key.
	UpsertLesson(ctx context.Context, lesson domain.Lesson) error

	// RetireGroupLessons marks active lessons of group not stamped with keepRunID as retired.
	RetireGroupLessons(ctx context.Context, group domain.GroupKey, keepRunID string) (int64, error)

	// ListLessons returns lessons matching filter ordered by key.
	ListLessons(ctx context.Context, filter LessonFilter) ([]domain.Lesson, error)

	// ListLessonGroups returns every population that still has active lessons.
	ListLessonGroups(ctx context.Context) ([]domain.GroupKey, error)
}

// OverrideFilter narrows ListOverrides. Zero values match everything.
type OverrideFilter struct {
	PatternKey string
	Action     domain.ActionCategory
}

// OverrideStore persists runtime overrides consumed by the execution engine.
type OverrideStore interface {
	// UpsertOverride inserts or replaces the override with the same key.
	UpsertOverride(ctx context.Context, override domain.Override) error

	// DeleteOverridesExcept removes every override whose key is not in keep.
	DeleteOverridesExcept(ctx context.Context, keep []domain.LessonKey) (int64, error)

	// ListOverrides returns overrides matching filter ordered by key.
	ListOverrides(ctx context.Context, filter OverrideFilter) ([]domain.Override, error)
}

// CoefficientStore persists the running baselines between restarts.
type CoefficientStore interface {
	// LoadCoefficients returns ErrNotFound if nothing was saved yet.
	LoadCoefficients(ctx context.Context) (*domain.CoefficientState, error)
	SaveCoefficients(ctx context.Context, state *domain.CoefficientState) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
