// Package override maps active lessons to bounded runtime sizing multipliers and
// resolves the override that applies to a live scope.
package override

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

// Options configure the materializer.
type Options struct {
	SignificanceFloor float64
	MultiplierMin     float64
	MultiplierMax     float64
}

// DefaultOptions returns the stock floor and clamp range.
func DefaultOptions() Options {
	return Options{SignificanceFloor: 0.05, MultiplierMin: 0.3, MultiplierMax: 3.0}
}

// Multiplier maps an edge to clamp(1 + edge, min, max). Non-finite edges are neutral.
func Multiplier(edgeRaw, min, max float64) float64 {
	if math.IsNaN(edgeRaw) {
		return domain.Clamp(1.0, min, max)
	}
	return domain.Clamp(1.0+edgeRaw, min, max)
}

// Report summarises one materializer run.
type Report struct {
	Considered int
	Written    int
	Failed     int
	Removed    int64
}

// Materializer writes one override per significant active lesson and removes the rest.
type Materializer struct {
	lessons   storage.LessonStore
	overrides storage.OverrideStore
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

// NewMaterializer constructs a Materializer.
func NewMaterializer(lessons storage.LessonStore, overrides storage.OverrideStore, opts Options, logger zerolog.Logger) *Materializer {
	def := DefaultOptions()
	if opts.MultiplierMin <= 0 || opts.MultiplierMin > 1 {
		opts.MultiplierMin = def.MultiplierMin
	}
	if opts.MultiplierMax < 1 {
		opts.MultiplierMax = def.MultiplierMax
	}
	if opts.SignificanceFloor < 0 {
		opts.SignificanceFloor = def.SignificanceFloor
	}
	return &Materializer{
		lessons:   lessons,
		overrides: overrides,
		opts:      opts,
		logger:    logger.With().Str("component", "override_materializer").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Build derives the override for lesson. ok is false when the lesson is retired or
// its edge does not clear the significance floor.
func (m *Materializer) Build(lesson domain.Lesson) (domain.Override, bool) {
	if lesson.Status != domain.LessonActive || !lesson.Significant(m.opts.SignificanceFloor) {
		return domain.Override{}, false
	}
	decayMult := lesson.Stats.Decay.Multiplier
	if decayMult <= 0 || math.IsNaN(decayMult) {
		decayMult = 1.0
	}
	return domain.Override{
		PatternKey:      lesson.PatternKey,
		Action:          lesson.Action,
		Subset:          lesson.Subset.Clone(),
		Multiplier:      Multiplier(lesson.Stats.EdgeRaw, m.opts.MultiplierMin, m.opts.MultiplierMax),
		DecayMultiplier: decayMult,
		Support:         lesson.N,
		SourceLesson:    lesson.Key().String(),
		UpdatedAt:       m.now(),
	}, true
}

// Materialize recomputes every override from the current active lessons. Overrides whose
// lesson is retired or no longer significant are deleted. An override whose upsert failed
// keeps its previous value until the next run.
func (m *Materializer) Materialize(ctx context.Context) (Report, error) {
	var report Report

	active, err := m.lessons.ListLessons(ctx, storage.LessonFilter{Status: domain.LessonActive})
	if err != nil {
		return report, fmt.Errorf("list active lessons: %w", err)
	}
	report.Considered = len(active)

	keep := make([]domain.LessonKey, 0, len(active))
	for _, lesson := range active {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		override, ok := m.Build(lesson)
		if !ok {
			continue
		}
		keep = append(keep, override.Key())
		if err := m.overrides.UpsertOverride(ctx, override); err != nil {
			report.Failed++
			m.logger.Error().Err(err).Str("override", override.Key().String()).Msg("override upsert failed")
			continue
		}
		report.Written++
	}

	removed, err := m.overrides.DeleteOverridesExcept(ctx, keep)
	if err != nil {
		return report, fmt.Errorf("remove stale overrides: %w", err)
	}
	report.Removed = removed

	m.logger.Info().
		Int("considered", report.Considered).
		Int("written", report.Written).
		Int("failed", report.Failed).
		Int64("removed", report.Removed).
		Msg("overrides materialized")
	return report, nil
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	Multiplier      float64
	DecayMultiplier float64
	Matched         bool
	Override        domain.Override
}

// Neutral is returned when nothing matches.
func Neutral() Resolution {
	return Resolution{Multiplier: 1.0, DecayMultiplier: 1.0}
}

// Resolve picks the most specific override of (pattern, action) whose subset is contained
// in live: largest subset first, then highest support, then smallest scope key.
func Resolve(overrides []domain.Override, pattern string, action domain.ActionCategory, live domain.Scope) Resolution {
	candidates := make([]domain.Override, 0, len(overrides))
	for _, o := range overrides {
		if o.PatternKey != pattern || o.Action != action {
			continue
		}
		if !o.Subset.Matches(live) {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return Neutral()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.Subset) != len(b.Subset) {
			return len(a.Subset) > len(b.Subset)
		}
		if a.Support != b.Support {
			return a.Support > b.Support
		}
		return a.Subset.Key() < b.Subset.Key()
	})

	best := candidates[0]
	decayMult := best.DecayMultiplier
	if decayMult <= 0 {
		decayMult = 1.0
	}
	return Resolution{
		Multiplier:      best.Multiplier,
		DecayMultiplier: decayMult,
		Matched:         true,
		Override:        best,
	}
}

// Lookup loads the overrides of (pattern, action) and resolves live against them.
func Lookup(ctx context.Context, store storage.OverrideStore, pattern string, action domain.ActionCategory, live domain.Scope) (Resolution, error) {
	overrides, err := store.ListOverrides(ctx, storage.OverrideFilter{PatternKey: pattern, Action: action})
	if err != nil {
		return Neutral(), fmt.Errorf("list overrides: %w", err)
	}
	return Resolve(overrides, pattern, action, live), nil
}
