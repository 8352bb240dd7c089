// Package coefficients maintains the exponentially weighted running baselines that are
// updated on every trade close.
package coefficients

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

// Options configure the EWMA time constants and the weight clamp.
type Options struct {
	ShortHalfLife time.Duration
	LongHalfLife  time.Duration
	WeightMin     float64
	WeightMax     float64
	// MinStep is the smallest elapsed time credited to an update, so bursts and
	// out-of-order events still move the baseline.
	MinStep time.Duration
}

// DefaultOptions returns 14 and 90 day half-lives and a [0.5, 2.0] weight band.
func DefaultOptions() Options {
	return Options{
		ShortHalfLife: 14 * 24 * time.Hour,
		LongHalfLife:  90 * 24 * time.Hour,
		WeightMin:     0.5,
		WeightMax:     2.0,
		MinStep:       time.Hour,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.ShortHalfLife <= 0 {
		o.ShortHalfLife = def.ShortHalfLife
	}
	if o.LongHalfLife <= 0 {
		o.LongHalfLife = def.LongHalfLife
	}
	if o.WeightMin <= 0 || o.WeightMin > 1 {
		o.WeightMin = def.WeightMin
	}
	if o.WeightMax < 1 {
		o.WeightMax = def.WeightMax
	}
	if o.MinStep <= 0 {
		o.MinStep = def.MinStep
	}
	return o
}

// globalEpsilon is the |global_rr_short| below which a timeframe weight is undefined.
const globalEpsilon = 1e-9

// Alpha is the EWMA smoothing factor for an elapsed time under a half-life:
// 1 - exp(-ln2 * max(dt, minStep) / halfLife).
func Alpha(dt, minStep, halfLife time.Duration) float64 {
	if dt < minStep {
		dt = minStep
	}
	return 1 - math.Exp(-math.Ln2*dt.Hours()/halfLife.Hours())
}

// Apply returns a new state with ev folded in. prev is never modified.
func Apply(prev *domain.CoefficientState, ev domain.TradeEvent, opts Options) *domain.CoefficientState {
	opts = opts.normalized()
	next := prev.Clone()
	at := ev.Timestamp.UTC()

	if next.Samples == 0 {
		next.GlobalRRShort = ev.RR
		next.GlobalRRLong = ev.RR
	} else {
		dt := at.Sub(next.UpdatedAt)
		next.GlobalRRShort += Alpha(dt, opts.MinStep, opts.ShortHalfLife) * (ev.RR - next.GlobalRRShort)
		next.GlobalRRLong += Alpha(dt, opts.MinStep, opts.LongHalfLife) * (ev.RR - next.GlobalRRLong)
	}

	if tf, ok := ev.Scope[domain.DimTimeframe]; ok && tf != "" {
		last, seen := next.TimeframeUpdatedAt[tf]
		if !seen {
			next.TimeframeShortRR[tf] = ev.RR
		} else {
			alpha := Alpha(at.Sub(last), opts.MinStep, opts.ShortHalfLife)
			next.TimeframeShortRR[tf] += alpha * (ev.RR - next.TimeframeShortRR[tf])
		}
		if at.After(last) {
			next.TimeframeUpdatedAt[tf] = at
		}
	}

	// every weight moves with the global short baseline
	for tf, local := range next.TimeframeShortRR {
		next.TimeframeWeight[tf] = weight(local, next.GlobalRRShort, opts)
	}

	next.Samples++
	if at.After(next.UpdatedAt) {
		next.UpdatedAt = at
	}
	return next
}

func weight(local, global float64, opts Options) float64 {
	if math.Abs(global) < globalEpsilon {
		return 1.0
	}
	ratio := local / global
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 1.0
	}
	return domain.Clamp(ratio, opts.WeightMin, opts.WeightMax)
}

// Updater owns the current coefficient state. Updates run one at a time, are computed
// on a copy, persisted, and only then become visible.
type Updater struct {
	mu     sync.Mutex
	state  *domain.CoefficientState
	store  storage.CoefficientStore
	opts   Options
	logger zerolog.Logger
}

// NewUpdater constructs an Updater with an empty state. Call Load to restore a saved one.
func NewUpdater(store storage.CoefficientStore, opts Options, logger zerolog.Logger) *Updater {
	return &Updater{
		state:  domain.NewCoefficientState(),
		store:  store,
		opts:   opts.normalized(),
		logger: logger.With().Str("component", "coefficient_updater").Logger(),
	}
}

// Load restores the persisted state. A missing state leaves the empty one in place.
func (u *Updater) Load(ctx context.Context) error {
	state, err := u.store.LoadCoefficients(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		u.logger.Info().Msg("no persisted coefficients, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load coefficients: %w", err)
	}

	u.mu.Lock()
	u.state = state
	u.mu.Unlock()

	u.logger.Info().Int64("samples", state.Samples).Float64("global_rr_long", state.GlobalRRLong).Msg("coefficients restored")
	return nil
}

// Update folds ev into the state. On any failure the previous state stays current.
func (u *Updater) Update(ctx context.Context, ev domain.TradeEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("update coefficients: %w", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	next := Apply(u.state, ev, u.opts)
	if err := u.store.SaveCoefficients(ctx, next); err != nil {
		return fmt.Errorf("persist coefficients: %w", err)
	}
	u.state = next

	u.logger.Debug().
		Str("timeframe", ev.Scope[domain.DimTimeframe]).
		Float64("rr", ev.RR).
		Float64("global_rr_short", next.GlobalRRShort).
		Float64("global_rr_long", next.GlobalRRLong).
		Msg("coefficients updated")
	return nil
}

// Snapshot returns a copy of the current state.
func (u *Updater) Snapshot() *domain.CoefficientState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.Clone()
}

// GlobalBaseline returns global_rr_long once at least one sample was seen.
func (u *Updater) GlobalBaseline() (float64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Samples == 0 {
		return 0, false
	}
	return u.state.GlobalRRLong, true
}
