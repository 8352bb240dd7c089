package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pattern-edge-learner/internal/alerting"
	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/miner"
	"pattern-edge-learner/internal/observability"
	"pattern-edge-learner/internal/override"
	"pattern-edge-learner/internal/storage"
	"pattern-edge-learner/internal/storage/memory"
)

var (
	start    = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	breakout = domain.GroupKey{PatternKey: "breakout", Action: domain.ActionEntry}
)

type fixture struct {
	events    *memory.EventStore
	lessons   *memory.LessonStore
	overrides *memory.OverrideStore
	locker    *memory.Locker
	metrics   *observability.Metrics
	notifier  *captureNotifier
}

type captureNotifier struct {
	mu      sync.Mutex
	digests []alerting.Digest
}

func (c *captureNotifier) Notify(_ context.Context, d alerting.Digest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.digests = append(c.digests, d)
	return nil
}

type fixedBaseline float64

func (f fixedBaseline) GlobalBaseline() (float64, bool) { return float64(f), true }

func newFixture() *fixture {
	return &fixture{
		events:    memory.NewEventStore(),
		lessons:   memory.NewLessonStore(),
		overrides: memory.NewOverrideStore(),
		locker:    memory.NewLocker(),
		metrics:   observability.NewMetrics(),
		notifier:  &captureNotifier{},
	}
}

func (f *fixture) learner(opts LearnerOptions, baseline BaselineSource) *Learner {
	if opts.Miner.MinSlice == 0 {
		opts.Miner = miner.Options{MinSlice: 33}
	}
	if opts.Override == (override.Options{}) {
		opts.Override = override.DefaultOptions()
	}
	return NewLearner(LearnerDeps{
		Events:    f.events,
		Lessons:   f.lessons,
		Overrides: f.overrides,
		Locker:    f.locker,
		Baseline:  baseline,
		Notifier:  f.notifier,
		Metrics:   f.metrics,
	}, opts, zerolog.Nop())
}

func (f *fixture) seed(t *testing.T, group domain.GroupKey, chain string, n int, rr float64, offset time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.events.AppendEvent(context.Background(), domain.TradeEvent{
			PatternKey: group.PatternKey,
			Action:     group.Action,
			Scope:      domain.Scope{domain.DimChain: chain},
			RR:         rr,
			TradeID:    chain + "-" + time.Duration(i).String() + offset.String(),
			Timestamp:  start.Add(offset + time.Duration(i)*time.Hour),
		})
		require.NoError(t, err)
	}
}

func overrideByScope(t *testing.T, list []domain.Override, key string) domain.Override {
	t.Helper()
	for _, o := range list {
		if o.Subset.Key() == key {
			return o
		}
	}
	t.Fatalf("override %q not found", key)
	return domain.Override{}
}

func TestRunOnceEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, breakout, "solana", 60, 2.0, 0)
	f.seed(t, breakout, "base", 60, -1.0, 0)

	report, err := f.learner(LearnerOptions{Workers: 4}, nil).RunOnce(ctx, start.Add(200*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, 3, report.Groups[0].Report.Written)

	active, err := f.lessons.ListLessons(ctx, storage.LessonFilter{Status: domain.LessonActive})
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, l := range active {
		assert.Equal(t, report.RunID, l.RunID)
	}

	overrides, err := f.overrides.ListOverrides(ctx, storage.OverrideFilter{})
	require.NoError(t, err)
	require.Len(t, overrides, 2, "the unconditioned slice has no edge against itself")
	assert.InDelta(t, 2.5, overrideByScope(t, overrides, "chain=solana").Multiplier, 1e-12)
	assert.InDelta(t, 0.3, overrideByScope(t, overrides, "chain=base").Multiplier, 1e-12)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchRuns.WithLabelValues(StatusSuccess)))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.LessonsWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.OverridesActive))

	require.Len(t, f.notifier.digests, 1)
	assert.Equal(t, report.RunID, f.notifier.digests[0].RunID)
	assert.Len(t, f.notifier.digests[0].Overrides, 2)
}

func TestRunOnceRootSliceNeverOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, breakout, "solana", 40, 1.0, 0)

	report, err := f.learner(LearnerOptions{}, fixedBaseline(0.25)).RunOnce(ctx, start)
	require.NoError(t, err)

	root, err := f.lessons.ListLessons(ctx, storage.LessonFilter{ScopeKey: "*"})
	require.NoError(t, err)
	require.Len(t, root, 1)
	assert.InDelta(t, 0.0, root[0].Stats.EdgeRaw, 1e-12)
	assert.InDelta(t, 0.75, root[0].Stats.GlobalDeltaRR, 1e-12)

	assert.Zero(t, report.Overrides.Written)
	res, err := override.Lookup(ctx, f.overrides, breakout.PatternKey, breakout.Action, domain.Scope{domain.DimChain: "base"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, 1.0, res.Multiplier)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, breakout, "solana", 50, 1.5, 0)
	f.seed(t, breakout, "base", 50, 0.2, 0)
	learner := f.learner(LearnerOptions{Workers: 2}, nil)

	_, err := learner.RunOnce(ctx, start)
	require.NoError(t, err)
	first, _ := f.lessons.ListLessons(ctx, storage.LessonFilter{})

	second, err := learner.RunOnce(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, second.Status)
	again, _ := f.lessons.ListLessons(ctx, storage.LessonFilter{})

	require.Len(t, again, len(first))
	for i := range first {
		assert.Equal(t, first[i].Stats, again[i].Stats)
		assert.Equal(t, domain.LessonActive, again[i].Status)
	}
}

func TestRunOnceRetiresLessonsAndOverridesOfQuietGroups(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, breakout, "solana", 40, 2.0, 0)
	f.seed(t, breakout, "base", 40, -1.0, 0)
	learner := f.learner(LearnerOptions{Lookback: 7 * 24 * time.Hour}, nil)

	_, err := learner.RunOnce(ctx, start.Add(80*time.Hour))
	require.NoError(t, err)
	overrides, _ := f.overrides.ListOverrides(ctx, storage.OverrideFilter{})
	require.NotEmpty(t, overrides)

	// a month later nothing is inside the lookback window
	report, err := learner.RunOnce(ctx, start.Add(30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, int64(3), report.Groups[0].Report.Retired)

	active, _ := f.lessons.ListLessons(ctx, storage.LessonFilter{Status: domain.LessonActive})
	assert.Empty(t, active)
	overrides, _ = f.overrides.ListOverrides(ctx, storage.OverrideFilter{})
	assert.Empty(t, overrides)
}

func TestRunOncePartialFailureSkipsReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	fade := domain.GroupKey{PatternKey: "fade", Action: domain.ActionExit}
	f.seed(t, breakout, "solana", 40, 1.0, 0)
	f.seed(t, fade, "solana", 40, -1.0, 0)

	f.lessons.FailUpsert = func(l domain.Lesson) error {
		if l.PatternKey == "fade" {
			return errors.New("write timeout")
		}
		return nil
	}

	report, err := f.learner(LearnerOptions{Workers: 2}, nil).RunOnce(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status)
	assert.Equal(t, 1, report.Failed())

	written, _ := f.lessons.ListLessons(ctx, storage.LessonFilter{PatternKey: "breakout"})
	assert.Len(t, written, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchRuns.WithLabelValues(StatusPartial)))
}

func TestRunOnceSkipsWhenAdvisoryLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.seed(t, breakout, "solana", 40, 1.0, 0)

	unlock, ok, err := f.locker.TryAdvisoryLock(ctx, 99)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	report, err := f.learner(LearnerOptions{LockKey: 99}, nil).RunOnce(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Status)
	assert.Empty(t, report.RunID)

	count, _ := f.lessons.ListLessons(ctx, storage.LessonFilter{})
	assert.Empty(t, count)
	assert.Empty(t, f.notifier.digests)
}

func TestRunOnceCancelledContext(t *testing.T) {
	f := newFixture()
	f.seed(t, breakout, "solana", 40, 1.0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.learner(LearnerOptions{}, nil).RunOnce(ctx, start)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, report.Status)
}
