package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"pattern-edge-learner/internal/domain"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("edgelearn"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	store := NewStore(pool)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, store.Migrate(ctx))
	return store
}

func sampleEvent(tradeID string, at time.Time) domain.TradeEvent {
	return domain.TradeEvent{
		PatternKey: "breakout",
		Action:     domain.ActionEntry,
		Scope:      domain.Scope{domain.DimChain: "solana", domain.DimTimeframe: "1h"},
		RR:         1.25,
		PnLUSD:     decimal.RequireFromString("42.5"),
		TradeID:    tradeID,
		Timestamp:  at,
	}
}

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	_, err := s.AppendEvent(context.Background(), sampleEvent("t1", time.Now()))
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, _, err = NewStore(nil).TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestPostgresTradeEvents(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.AppendEvent(ctx, sampleEvent("t1", at))
	require.NoError(t, err)
	assert.Positive(t, first.ID)

	_, err = store.AppendEvent(ctx, sampleEvent("t1", at))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	_, err = store.AppendEvent(ctx, sampleEvent("t2", at.Add(time.Hour)))
	require.NoError(t, err)

	count, err := store.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	groups, err := store.ListGroups(ctx, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupKey{{PatternKey: "breakout", Action: domain.ActionEntry}}, groups)

	events, err := store.ListGroupEvents(ctx, groups[0], at.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "t2", events[0].TradeID)
	assert.Equal(t, "chain=solana|timeframe=1h", events[0].Scope.Key())
	assert.True(t, events[0].PnLUSD.Equal(decimal.RequireFromString("42.5")))
}

func TestPostgresLessonLifecycle(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	group := domain.GroupKey{PatternKey: "breakout", Action: domain.ActionEntry}
	hl := 36.0

	root := domain.Lesson{
		PatternKey: group.PatternKey,
		Action:     group.Action,
		Subset:     domain.Scope{},
		N:          80,
		Stats:      domain.LessonStats{AvgRR: 0.9, GlobalDeltaRR: 0.65, Decay: domain.NeutralDecay()},
		Status:     domain.LessonActive,
		RunID:      "run-b",
	}
	require.NoError(t, store.UpsertLesson(ctx, root))

	lesson := domain.Lesson{
		PatternKey: group.PatternKey,
		Action:     group.Action,
		Subset:     domain.Scope{domain.DimChain: "solana"},
		N:          40,
		Stats: domain.LessonStats{
			AvgRR: 1.1, DeltaRR: 0.4, EdgeRaw: 0.4,
			Decay: domain.DecayMeta{State: domain.DecayDecaying, HalfLifeHours: &hl, Multiplier: 0.8},
		},
		Status: domain.LessonActive,
		RunID:  "run-a",
	}
	require.NoError(t, store.UpsertLesson(ctx, lesson))

	stale := lesson
	stale.Subset = domain.Scope{domain.DimChain: "base"}
	require.NoError(t, store.UpsertLesson(ctx, stale))

	lesson.RunID = "run-b"
	require.NoError(t, store.UpsertLesson(ctx, lesson))

	retired, err := store.RetireGroupLessons(ctx, group, "run-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), retired)

	active, err := store.ListLessons(ctx, LessonFilter{Status: domain.LessonActive, ScopeKey: "chain=solana"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].Stats.Decay.HalfLifeHours)
	assert.InDelta(t, 36.0, *active[0].Stats.Decay.HalfLifeHours, 1e-9)

	stored, err := store.ListLessons(ctx, LessonFilter{ScopeKey: "*"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 0.0, stored[0].Stats.DeltaRR)
	assert.InDelta(t, 0.65, stored[0].Stats.GlobalDeltaRR, 1e-12)

	groups, err := store.ListLessonGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupKey{group}, groups)
}

func TestPostgresOverridesAndCoefficients(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	keep := domain.Override{
		PatternKey: "breakout", Action: domain.ActionEntry,
		Subset:     domain.Scope{domain.DimChain: "solana"},
		Multiplier: 1.4, DecayMultiplier: 1, Support: 40, SourceLesson: "breakout/entry/chain=solana",
	}
	drop := keep
	drop.Subset = domain.Scope{}
	require.NoError(t, store.UpsertOverride(ctx, keep))
	require.NoError(t, store.UpsertOverride(ctx, drop))

	deleted, err := store.DeleteOverridesExcept(ctx, []domain.LessonKey{keep.Key()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	overrides, err := store.ListOverrides(ctx, OverrideFilter{PatternKey: "breakout"})
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, 1.4, overrides[0].Multiplier)

	_, err = store.LoadCoefficients(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	state := domain.NewCoefficientState()
	state.GlobalRRLong = 0.3
	state.TimeframeWeight["1h"] = 1.2
	state.Samples = 5
	require.NoError(t, store.SaveCoefficients(ctx, state))

	loaded, err := store.LoadCoefficients(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.3, loaded.GlobalRRLong)
	assert.Equal(t, 1.2, loaded.Weight("1h"))
	assert.Equal(t, int64(5), loaded.Samples)
}

func TestPostgresAdvisoryLock(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)

	_, again, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, again)

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}

type recordingSession struct {
	execErr error
	calls   []string
}

func (r *recordingSession) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	r.calls = append(r.calls, "exec")
	return pgconn.CommandTag{}, r.execErr
}

func (r *recordingSession) Close(context.Context) error {
	r.calls = append(r.calls, "close")
	return nil
}

func (r *recordingSession) Release() {
	r.calls = append(r.calls, "release")
}

func TestReleaseAdvisoryLock(t *testing.T) {
	ok := &recordingSession{}
	releaseAdvisoryLock(context.Background(), ok, 7)
	assert.Equal(t, []string{"exec", "release"}, ok.calls)

	failed := &recordingSession{execErr: errors.New("connection reset")}
	releaseAdvisoryLock(context.Background(), failed, 7)
	assert.Equal(t, []string{"exec", "close", "release"}, failed.calls)
}
