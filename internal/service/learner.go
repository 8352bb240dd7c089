package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pattern-edge-learner/internal/alerting"
	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/lessons"
	"pattern-edge-learner/internal/miner"
	"pattern-edge-learner/internal/observability"
	"pattern-edge-learner/internal/override"
	"pattern-edge-learner/internal/storage"
)

// Run outcomes used as the batch_runs_total status label.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// BaselineSource supplies the global long-run rr the unconditioned slice is measured against.
type BaselineSource interface {
	GlobalBaseline() (float64, bool)
}

// LearnerDeps are the collaborators of a Learner. Locker, Baseline and Notifier are optional.
type LearnerDeps struct {
	Events    storage.TradeEventStore
	Lessons   storage.LessonStore
	Overrides storage.OverrideStore
	Locker    storage.AdvisoryLocker
	Baseline  BaselineSource
	Notifier  alerting.Notifier
	Metrics   *observability.Metrics
}

// LearnerOptions tune a batch run.
type LearnerOptions struct {
	Miner    miner.Options
	Writer   lessons.Options
	Override override.Options
	// Lookback bounds the events read per run; zero reads everything.
	Lookback time.Duration
	Workers  int
	LockKey  int64
}

// GroupOutcome is the per-population result of a run.
type GroupOutcome struct {
	Group   domain.GroupKey
	Total   int
	Skipped map[string]int
	Report  lessons.GroupReport
	Err     error
}

// RunReport summarises one batch run.
type RunReport struct {
	RunID     string
	StartedAt time.Time
	Duration  time.Duration
	Status    string
	Groups    []GroupOutcome
	Overrides override.Report
}

// Failed returns the number of groups whose processing failed.
func (r RunReport) Failed() int {
	n := 0
	for _, g := range r.Groups {
		if g.Err != nil {
			n++
		}
	}
	return n
}

func (r RunReport) Totals() (written int, retired int64, skipped int) {
	for _, g := range r.Groups {
		written += g.Report.Written
		retired += g.Report.Retired
		for _, c := range g.Skipped {
			skipped += c
		}
	}
	return written, retired, skipped
}

// Learner runs the batch path: mine every population, persist lessons, reconcile,
// then materialize overrides.
type Learner struct {
	deps   LearnerDeps
	opts   LearnerOptions
	miner  *miner.Miner
	writer *lessons.Writer
	mat    *override.Materializer
	logger zerolog.Logger
	now    func() time.Time

	running sync.Mutex
}

// NewLearner wires a Learner.
func NewLearner(deps LearnerDeps, opts LearnerOptions, logger zerolog.Logger) *Learner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	return &Learner{
		deps:   deps,
		opts:   opts,
		miner:  miner.New(opts.Miner),
		writer: lessons.NewWriter(deps.Lessons, opts.Writer, logger),
		mat:    override.NewMaterializer(deps.Lessons, deps.Overrides, opts.Override, logger),
		logger: logger.With().Str("component", "learner").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Tick adapts RunOnce to the scheduler.
func (l *Learner) Tick(ctx context.Context, at time.Time) error {
	_, err := l.RunOnce(ctx, at)
	return err
}

// RunOnce executes one batch run. A run that cannot take the in-process or advisory
// lock is skipped and reports StatusSkipped with a nil error.
func (l *Learner) RunOnce(ctx context.Context, at time.Time) (RunReport, error) {
	report := RunReport{StartedAt: l.now(), Status: StatusSkipped}

	if !l.running.TryLock() {
		l.logger.Debug().Msg("skip run because another run is in progress")
		l.deps.Metrics.BatchRuns.WithLabelValues(StatusSkipped).Inc()
		return report, nil
	}
	defer l.running.Unlock()

	unlock, proceed, err := l.acquireLock(ctx)
	if err != nil {
		l.deps.Metrics.BatchRuns.WithLabelValues(StatusFailed).Inc()
		report.Status = StatusFailed
		return report, err
	}
	if !proceed {
		l.logger.Debug().Msg("skip run because advisory lock held elsewhere")
		l.deps.Metrics.BatchRuns.WithLabelValues(StatusSkipped).Inc()
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	report.RunID = uuid.NewString()
	logger := l.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().Time("at", at).Msg("batch run started")

	err = l.execute(ctx, at, &report, logger)
	report.Duration = l.now().Sub(report.StartedAt)

	switch {
	case err != nil:
		report.Status = StatusFailed
	case report.Failed() > 0:
		report.Status = StatusPartial
	default:
		report.Status = StatusSuccess
	}
	l.record(report)

	written, retired, skipped := report.Totals()
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.ErrorLevel
	}
	logger.WithLevel(level).Err(err).
		Str("status", report.Status).
		Int("groups", len(report.Groups)).
		Int("groups_failed", report.Failed()).
		Int("lessons_written", written).
		Int64("lessons_retired", retired).
		Int("events_skipped", skipped).
		Int("overrides_written", report.Overrides.Written).
		Int64("overrides_removed", report.Overrides.Removed).
		Dur("duration", report.Duration).
		Msg("batch run finished")

	if err == nil {
		l.notify(ctx, report, logger)
	}
	return report, err
}

func (l *Learner) execute(ctx context.Context, at time.Time, report *RunReport, logger zerolog.Logger) error {
	var since time.Time
	if l.opts.Lookback > 0 {
		since = at.Add(-l.opts.Lookback)
	}

	groups, err := l.collectGroups(ctx, since)
	if err != nil {
		return err
	}

	var baseline *float64
	if l.deps.Baseline != nil {
		if v, ok := l.deps.Baseline.GlobalBaseline(); ok {
			baseline = &v
		}
	}

	outcomes := make([]GroupOutcome, len(groups))
	g := new(errgroup.Group)
	g.SetLimit(l.opts.Workers)
	for i, group := range groups {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcomes[i] = l.processGroup(ctx, group, since, baseline, report.RunID)
			if outcomes[i].Err != nil {
				logger.Error().Err(outcomes[i].Err).Str("group", group.String()).Msg("group processing failed")
			}
			return nil
		})
	}
	waitErr := g.Wait()
	report.Groups = outcomes
	if waitErr != nil {
		return fmt.Errorf("run aborted: %w", waitErr)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run aborted: %w", err)
	}

	matReport, err := l.mat.Materialize(ctx)
	report.Overrides = matReport
	if err != nil {
		return fmt.Errorf("materialize overrides: %w", err)
	}
	return nil
}

// collectGroups unions populations with events in the window and populations that still
// own active lessons, so lessons of a population that went quiet are reconciled too.
func (l *Learner) collectGroups(ctx context.Context, since time.Time) ([]domain.GroupKey, error) {
	withEvents, err := l.deps.Events.ListGroups(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list event groups: %w", err)
	}
	withLessons, err := l.deps.Lessons.ListLessonGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list lesson groups: %w", err)
	}

	set := make(map[domain.GroupKey]struct{}, len(withEvents)+len(withLessons))
	for _, g := range withEvents {
		set[g] = struct{}{}
	}
	for _, g := range withLessons {
		set[g] = struct{}{}
	}

	groups := make([]domain.GroupKey, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].String() < groups[j].String() })
	return groups, nil
}

func (l *Learner) processGroup(ctx context.Context, group domain.GroupKey, since time.Time, baseline *float64, runID string) GroupOutcome {
	outcome := GroupOutcome{Group: group}

	events, err := l.deps.Events.ListGroupEvents(ctx, group, since)
	if err != nil {
		outcome.Err = fmt.Errorf("list events for %s: %w", group, err)
		return outcome
	}

	res := l.miner.Mine(miner.Input{Group: group, Events: events, GlobalBaseline: baseline})
	outcome.Total = res.Total
	outcome.Skipped = res.Skipped

	rep, err := l.writer.WriteGroup(ctx, res, runID)
	outcome.Report = rep
	if err != nil {
		outcome.Err = err
	}
	return outcome
}

func (l *Learner) acquireLock(ctx context.Context) (func(), bool, error) {
	if l.opts.LockKey == 0 || l.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := l.deps.Locker.TryAdvisoryLock(ctx, l.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (l *Learner) record(report RunReport) {
	m := l.deps.Metrics
	m.BatchRuns.WithLabelValues(report.Status).Inc()
	m.BatchDuration.Observe(report.Duration.Seconds())

	for _, g := range report.Groups {
		for reason, n := range g.Skipped {
			m.EventsSkipped.WithLabelValues(reason).Add(float64(n))
		}
		m.LessonsWritten.Add(float64(g.Report.Written))
		m.LessonsRetired.Add(float64(g.Report.Retired))
		m.LessonFailures.Add(float64(g.Report.Failed))
	}
	if report.Status == StatusSuccess || report.Status == StatusPartial {
		m.OverridesActive.Set(float64(report.Overrides.Written))
		m.LastSuccessfulRun.Set(float64(report.StartedAt.Unix()))
	}
}

func (l *Learner) notify(ctx context.Context, report RunReport, logger zerolog.Logger) {
	if l.deps.Notifier == nil {
		return
	}

	overrides, err := l.deps.Overrides.ListOverrides(ctx, storage.OverrideFilter{})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list overrides for digest")
	}

	written, retired, skipped := report.Totals()
	digest := alerting.Digest{
		RunID:            report.RunID,
		StartedAt:        report.StartedAt,
		Duration:         report.Duration,
		Groups:           len(report.Groups),
		GroupsFailed:     report.Failed(),
		EventsSkipped:    skipped,
		LessonsWritten:   written,
		LessonsRetired:   retired,
		OverridesWritten: report.Overrides.Written,
		OverridesRemoved: report.Overrides.Removed,
		Overrides:        overrides,
	}
	if err := l.deps.Notifier.Notify(ctx, digest); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("failed to dispatch run digest")
	}
}
