package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every scheduled run.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour. When Cron is set it takes precedence over Interval.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Cron is a standard five-field expression evaluated in UTC.
	Cron string
}

// Scheduler drives the batch learning cadence.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Cron != "" {
		if _, err := cron.ParseStandard(opts.Cron); err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", opts.Cron, err)
		}
	} else if opts.Interval <= 0 {
		return nil, fmt.Errorf("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}, nil
}

// Run blocks, invoking tick on schedule until ctx is cancelled. Runs never overlap:
// the interval loop is sequential and cron mode skips a firing while one is in flight.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.Cron != "" {
		return s.runCron(ctx, tick)
	}
	return s.runInterval(ctx, tick)
}

func (s *Scheduler) runInterval(ctx context.Context, tick TickFunc) error {
	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		at := s.bucketStart(next)
		s.execute(ctx, tick, at)

		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) runCron(ctx context.Context, tick TickFunc) error {
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.opts.Cron, func() {
		s.execute(ctx, tick, time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("register cron job: %w", err)
	}

	s.logger.Info().Str("cron", s.opts.Cron).Msg("cron scheduler started")
	c.Start()
	<-ctx.Done()

	// wait for an in-flight run to observe cancellation
	<-c.Stop().Done()
	return ctx.Err()
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info().Time("at", at).Msg("executing scheduled run")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("scheduled run failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
