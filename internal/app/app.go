package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pattern-edge-learner/internal/alerting"
	"pattern-edge-learner/internal/coefficients"
	"pattern-edge-learner/internal/config"
	"pattern-edge-learner/internal/decay"
	"pattern-edge-learner/internal/lessons"
	"pattern-edge-learner/internal/miner"
	"pattern-edge-learner/internal/observability"
	"pattern-edge-learner/internal/override"
	"pattern-edge-learner/internal/scheduler"
	"pattern-edge-learner/internal/server"
	"pattern-edge-learner/internal/service"
	"pattern-edge-learner/internal/storage"
	chstore "pattern-edge-learner/internal/storage/clickhouse"
	"pattern-edge-learner/internal/storage/memory"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// stores bundles the persistence backends selected by configuration.
type stores struct {
	events    storage.TradeEventStore
	lessons   storage.LessonStore
	overrides storage.OverrideStore
	coeffs    storage.CoefficientStore
	locker    storage.AdvisoryLocker
	persisted bool
	closers   []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores opens Postgres when database.dsn is set and falls back to a JSON-lines event
// journal, a JSON coefficient file and in-memory lessons otherwise. ClickHouse replaces the
// event store when enabled.
func (a *App) openStores(ctx context.Context) (*stores, error) {
	st := &stores{}

	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; lessons and overrides are kept in memory")
		if a.Config.ClickHouse.EventsEnabled {
			st.events = memory.NewEventStore()
		} else {
			journal, err := memory.OpenEventJournal(a.Config.Database.EventsFile)
			if err != nil {
				return nil, err
			}
			st.closers = append(st.closers, func() { _ = journal.Close() })
			st.events = journal
			a.Logger.Info().Str("path", a.Config.Database.EventsFile).Int("events", journal.Len()).Msg("trade event journal loaded")
		}
		st.lessons = memory.NewLessonStore()
		st.overrides = memory.NewOverrideStore()
		st.coeffs = coefficients.NewFileStore(a.Config.Coefficients.StateFile)
		st.locker = memory.NewLocker()
	} else {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		pg := storage.NewStore(pool)
		st.closers = append(st.closers, pg.Close)

		if a.Config.Database.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				st.Close()
				return nil, err
			}
		}
		st.events, st.lessons, st.overrides, st.coeffs, st.locker = pg, pg, pg, pg, pg
		st.persisted = true
	}

	if a.Config.ClickHouse.EventsEnabled {
		conn, err := chstore.NewConn(ctx, a.Config.ClickHouse.DSN)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = conn.Close() })
		if err := conn.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		st.events = chstore.NewEventStore(conn)
		a.Logger.Info().Msg("trade events stored in clickhouse")
	}

	return st, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.RequestTimeout, a.Logger)
}

func (a *App) coefficientOptions() coefficients.Options {
	c := a.Config.Coefficients
	return coefficients.Options{
		ShortHalfLife: c.ShortHalfLife,
		LongHalfLife:  c.LongHalfLife,
		WeightMin:     c.WeightMin,
		WeightMax:     c.WeightMax,
		MinStep:       c.MinStep,
	}
}

func (a *App) minerOptions() miner.Options {
	return miner.Options{MinSlice: a.Config.Learning.NMinSlice, MaxDepth: a.Config.Learning.MaxScopeDepth}
}

func (a *App) decayOptions() decay.Options {
	d := a.Config.Decay
	return decay.Options{
		MinPoints:        d.MinPoints,
		MinSegmentPoints: d.MinSegmentPoints,
		ShortHalfLife:    d.ShortHalfLife,
		MultiplierMin:    d.MultiplierMin,
		MultiplierMax:    d.MultiplierMax,
		FlatEpsilon:      d.FlatEpsilon,
	}
}

func (a *App) learnerOptions() service.LearnerOptions {
	o := a.Config.Override
	return service.LearnerOptions{
		Miner:  a.minerOptions(),
		Writer: lessons.Options{HistoryWindow: a.Config.Learning.HistoryWindow, Decay: a.decayOptions()},
		Override: override.Options{
			SignificanceFloor: o.SignificanceFloor,
			MultiplierMin:     o.MultiplierMin,
			MultiplierMax:     o.MultiplierMax,
		},
		Lookback: a.Config.Learning.Lookback,
		Workers:  a.Config.Learning.Workers,
		LockKey:  a.Config.Scheduler.AdvisoryLockKey,
	}
}

func (a *App) loadCoefficients(ctx context.Context, store storage.CoefficientStore) (*coefficients.Updater, error) {
	updater := coefficients.NewUpdater(store, a.coefficientOptions(), a.Logger)
	if err := updater.Load(ctx); err != nil {
		return nil, err
	}
	return updater, nil
}

// Run executes the long-running learner: scheduled batch runs plus the HTTP ingestion
// and metrics listener.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	updater, err := a.loadCoefficients(ctx, st.coeffs)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	learner := service.NewLearner(service.LearnerDeps{
		Events:    st.events,
		Lessons:   st.lessons,
		Overrides: st.overrides,
		Locker:    st.locker,
		Baseline:  updater,
		Notifier:  a.newNotifier(),
		Metrics:   metrics,
	}, a.learnerOptions(), a.Logger)
	recorder := service.NewRecorder(st.events, updater, a.Config.Learning.RRBound, metrics, a.Logger)

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Cron:         a.Config.Scheduler.Cron,
	}, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx, learner.Tick)
	})
	if a.Config.Server.Listen != "" {
		srv := server.New(server.Options{
			Addr:         a.Config.Server.Listen,
			ReadTimeout:  a.Config.Server.ReadTimeout,
			WriteTimeout: a.Config.Server.WriteTimeout,
		}, recorder, st.overrides, metrics.Handler(), a.Logger)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	} else {
		a.Logger.Warn().Msg("server.listen not configured; trade closes are only accepted through ingest")
	}

	a.Logger.Info().Bool("persisted", st.persisted).Msg("starting pattern learner")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("learner terminated with error")
		return err
	}

	a.Logger.Info().Msg("pattern learner stopped")
	return nil
}

// Migrate applies the Postgres schema and, when enabled, the ClickHouse schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" && !a.Config.ClickHouse.EventsEnabled {
		return errors.New("neither database.dsn nor clickhouse.events_enabled is configured; nothing to migrate")
	}

	if a.Config.Database.DSN != "" {
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return err
		}
		store := storage.NewStore(pool)
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.Logger.Info().Msg("postgres schema up to date")
	}

	if a.Config.ClickHouse.EventsEnabled {
		conn, err := chstore.NewConn(ctx, a.Config.ClickHouse.DSN)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := conn.Migrate(ctx); err != nil {
			return err
		}
		a.Logger.Info().Msg("clickhouse schema up to date")
	}
	return nil
}

// MineOptions configure a one-shot batch run.
type MineOptions struct {
	At     time.Time
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit     int
	Pattern   string
	Action    string
	Status    string
	Overrides bool
}

// LookupOptions configure an override lookup.
type LookupOptions struct {
	Pattern string
	Action  string
	Scope   map[string]string
}

// IngestOptions configure trade-close ingestion from JSON lines.
type IngestOptions struct {
	// Path is a file of JSON lines; empty or "-" reads stdin.
	Path string
}

// ExportOptions hold parameters for exporting lessons and an edge history.
type ExportOptions struct {
	PNGPath   string
	CSVPath   string
	Pattern   string
	Action    string
	Scope     map[string]string
	MaxPoints int
}
