// Package lessons turns mined slices into persisted lessons.
package lessons

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pattern-edge-learner/internal/decay"
	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/miner"
	"pattern-edge-learner/internal/storage"
)

// Options configure the writer.
type Options struct {
	// HistoryWindow is the trailing window, in events, used to smooth the edge history.
	HistoryWindow int
	Decay         decay.Options
}

// Writer upserts one lesson per slice and retires lessons a run no longer supports.
type Writer struct {
	store     storage.LessonStore
	estimator *decay.Estimator
	window    int
	logger    zerolog.Logger
	now       func() time.Time
}

// NewWriter constructs a Writer.
func NewWriter(store storage.LessonStore, opts Options, logger zerolog.Logger) *Writer {
	window := opts.HistoryWindow
	if window <= 0 {
		window = 1
	}
	return &Writer{
		store:     store,
		estimator: decay.New(opts.Decay),
		window:    window,
		logger:    logger.With().Str("component", "lesson_writer").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GroupReport summarises the persistence of one group.
type GroupReport struct {
	Group   domain.GroupKey
	Written int
	Failed  int
	Retired int64
}

// Build assembles the lesson for a slice. Stats depend only on the slice.
func (w *Writer) Build(slice miner.Slice, runID string) domain.Lesson {
	history := EdgeHistory(slice, w.window)
	meta := w.estimator.Meta(history)

	return domain.Lesson{
		PatternKey: slice.Group.PatternKey,
		Action:     slice.Group.Action,
		Subset:     slice.Subset.Clone(),
		N:          slice.N,
		Stats: domain.LessonStats{
			AvgRR:         slice.AvgRR,
			DeltaRR:       slice.DeltaRR,
			EdgeRaw:       slice.DeltaRR,
			GlobalDeltaRR: slice.GlobalDeltaRR,
			Decay:         meta,
		},
		Status:    domain.LessonActive,
		RunID:     runID,
		UpdatedAt: w.now(),
	}
}

// WriteGroup persists every slice of res. Individual upsert failures are logged and
// counted; the group is only reconciled (stale lessons retired) when all writes succeeded.
func (w *Writer) WriteGroup(ctx context.Context, res miner.Result, runID string) (GroupReport, error) {
	report := GroupReport{Group: res.Group}
	var errs []error

	for _, slice := range res.Slices {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		lesson := w.Build(slice, runID)
		if err := w.store.UpsertLesson(ctx, lesson); err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("upsert lesson %s: %w", lesson.Key(), err))
			w.logger.Error().Err(err).Str("lesson", lesson.Key().String()).Msg("lesson upsert failed")
			continue
		}
		report.Written++
	}

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}

	retired, err := w.store.RetireGroupLessons(ctx, res.Group, runID)
	if err != nil {
		return report, fmt.Errorf("retire stale lessons for %s: %w", res.Group, err)
	}
	report.Retired = retired
	if retired > 0 {
		w.logger.Info().Str("group", res.Group.String()).Int64("retired", retired).Msg("stale lessons retired")
	}
	return report, nil
}

// EdgeHistory derives the decay input for a slice: the trailing mean of rr over window
// events minus the slice's reference level, one point per event once the window is full.
func EdgeHistory(slice miner.Slice, window int) []decay.Point {
	if window <= 0 {
		window = 1
	}
	if len(slice.Events) < window {
		return nil
	}

	reference := slice.AvgRR - slice.DeltaRR
	points := make([]decay.Point, 0, len(slice.Events)-window+1)
	sum := 0.0
	for i, ev := range slice.Events {
		sum += ev.RR
		if i >= window {
			sum -= slice.Events[i-window].RR
		}
		if i+1 < window {
			continue
		}
		points = append(points, decay.Point{At: ev.Timestamp, Value: sum/float64(window) - reference})
	}
	return points
}
