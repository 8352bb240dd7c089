package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Options{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{Cron: "not a cron"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(Options{Cron: "*/15 * * * *"}, zerolog.Nop())
	assert.NoError(t, err)
}

func TestNextTickAligned(t *testing.T) {
	s, err := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), s.bucketStart(time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)))

	exact := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	assert.Equal(t, exact.Add(15*time.Minute), s.nextTick(exact))
}

func TestNextTickUnaligned(t *testing.T) {
	s, err := New(Options{Interval: time.Minute}, zerolog.Nop())
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, now.Add(time.Minute), s.nextTick(now))
	assert.Equal(t, now, s.bucketStart(now))
}

func TestRunIntervalKeepsGoingAfterErrors(t *testing.T) {
	s, err := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if calls.Add(1) >= 3 {
				cancel()
			}
			return errors.New("boom")
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRunHonoursCancelledStartupDelay(t *testing.T) {
	s, err := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunCronStopsOnCancel(t *testing.T) {
	s, err := New(Options{Cron: "0 0 1 1 *"}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = s.Run(ctx, func(context.Context, time.Time) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
