// Package decay fits a sign-preserving exponential model to an edge history and
// classifies whether the edge is decaying, improving or stable.
package decay

import (
	"math"
	"sort"
	"time"

	"pattern-edge-learner/internal/domain"
)

// Point is one observation of an edge value.
type Point struct {
	At    time.Time
	Value float64
}

// Kind tags the outcome of Estimate.
type Kind uint8

const (
	// Insufficient means too few usable points, or every value was zero.
	Insufficient Kind = iota
	// Degenerate means the chosen segment has no time variance or produced non-finite terms.
	Degenerate
	// Fitted means Result.Fit holds a regression.
	Fitted
)

func (k Kind) String() string {
	switch k {
	case Fitted:
		return "fitted"
	case Degenerate:
		return "degenerate"
	default:
		return "insufficient"
	}
}

// Segment identifies which part of the series was fitted.
type Segment uint8

const (
	SegmentWhole Segment = iota
	SegmentPostCrossing
	SegmentPreCrossing
)

// Fit is the log-linear regression ln|y| = Intercept - Lambda*t with t in hours from Start.
type Fit struct {
	Lambda    float64
	Intercept float64
	Sign      int
	Points    int
	Segment   Segment
	Start     time.Time
}

// HalfLifeHours is defined only while the magnitude is shrinking.
func (f Fit) HalfLifeHours() (float64, bool) {
	if f.Lambda <= 0 {
		return 0, false
	}
	return math.Ln2 / f.Lambda, true
}

// Predict evaluates the fitted curve, sign restored.
func (f Fit) Predict(at time.Time) float64 {
	t := at.Sub(f.Start).Hours()
	return float64(f.Sign) * math.Exp(f.Intercept-f.Lambda*t)
}

// Result is the tagged outcome of an estimate. Fit is meaningful only when Kind == Fitted.
type Result struct {
	Kind      Kind
	Fit       Fit
	Crossings int
}

// Options tune estimation and classification.
type Options struct {
	MinPoints        int
	MinSegmentPoints int
	ShortHalfLife    time.Duration
	MultiplierMin    float64
	MultiplierMax    float64
	// FlatEpsilon is the |lambda| per hour below which the trend counts as flat.
	FlatEpsilon float64
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		MinPoints:        3,
		MinSegmentPoints: 2,
		ShortHalfLife:    7 * 24 * time.Hour,
		MultiplierMin:    0.5,
		MultiplierMax:    1.5,
		FlatEpsilon:      1e-4,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MinPoints <= 0 {
		o.MinPoints = def.MinPoints
	}
	if o.MinSegmentPoints < 2 {
		o.MinSegmentPoints = def.MinSegmentPoints
	}
	if o.ShortHalfLife <= 0 {
		o.ShortHalfLife = def.ShortHalfLife
	}
	if o.MultiplierMin <= 0 || o.MultiplierMin > 1 {
		o.MultiplierMin = def.MultiplierMin
	}
	if o.MultiplierMax < 1 {
		o.MultiplierMax = def.MultiplierMax
	}
	if o.FlatEpsilon < 0 {
		o.FlatEpsilon = def.FlatEpsilon
	}
	return o
}

// Estimator bundles options for repeated use.
type Estimator struct {
	opts Options
}

// New constructs an Estimator.
func New(opts Options) *Estimator {
	return &Estimator{opts: opts.normalized()}
}

// Estimate runs the fit.
func (e *Estimator) Estimate(points []Point) Result {
	return estimate(points, e.opts)
}

// Meta estimates and classifies in one step.
func (e *Estimator) Meta(points []Point) domain.DecayMeta {
	return Classify(e.Estimate(points), e.opts)
}

// Estimate fits the decay model on points with opts.
func Estimate(points []Point, opts Options) Result {
	return estimate(points, opts.normalized())
}

func estimate(points []Point, opts Options) Result {
	if len(points) < opts.MinPoints {
		return Result{Kind: Insufficient}
	}

	ordered := make([]Point, len(points))
	copy(ordered, points)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].At.Before(ordered[j].At) })

	runs := signRuns(ordered)
	if len(runs) == 0 {
		return Result{Kind: Insufficient}
	}
	res := Result{Crossings: len(runs) - 1}

	var chosen []Point
	segment := SegmentWhole
	switch {
	case len(runs) == 1:
		chosen = runs[0]
	case len(runs[len(runs)-1]) >= opts.MinSegmentPoints:
		chosen = runs[len(runs)-1]
		segment = SegmentPostCrossing
	default:
		chosen = runs[len(runs)-2]
		segment = SegmentPreCrossing
	}
	if len(chosen) < opts.MinSegmentPoints {
		res.Kind = Insufficient
		return res
	}

	fit, ok := fitLogLinear(chosen)
	if !ok {
		res.Kind = Degenerate
		return res
	}
	fit.Segment = segment
	res.Kind = Fitted
	res.Fit = fit
	return res
}

// signRuns splits the series into maximal runs of the same sign. Exact zeros belong to no
// run; they mark crossings but cannot enter the logarithm.
func signRuns(points []Point) [][]Point {
	var runs [][]Point
	lastSign := 0
	for _, p := range points {
		s := sign(p.Value)
		if s == 0 || math.IsNaN(p.Value) {
			continue
		}
		if s != lastSign {
			runs = append(runs, nil)
			lastSign = s
		}
		runs[len(runs)-1] = append(runs[len(runs)-1], p)
	}
	return runs
}

// fitLogLinear runs OLS of ln|y| on elapsed hours. Sign is taken from the segment and is
// never part of the regression.
func fitLogLinear(points []Point) (Fit, bool) {
	start := points[0].At
	n := float64(len(points))

	var sumX, sumY float64
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.At.Sub(start).Hours()
		ys[i] = math.Log(math.Abs(p.Value))
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy float64
	for i := range xs {
		dx := xs[i] - meanX
		sxx += dx * dx
		sxy += dx * (ys[i] - meanY)
	}
	if sxx == 0 {
		return Fit{}, false
	}

	slope := sxy / sxx
	intercept := meanY - slope*meanX
	if math.IsNaN(slope) || math.IsInf(slope, 0) || math.IsNaN(intercept) || math.IsInf(intercept, 0) {
		return Fit{}, false
	}

	return Fit{
		Lambda:    -slope,
		Intercept: intercept,
		Sign:      sign(points[0].Value),
		Points:    len(points),
		Start:     start,
	}, true
}

// Classify maps a Result to persisted decay metadata and a bounded multiplier.
func Classify(res Result, opts Options) domain.DecayMeta {
	opts = opts.normalized()
	if res.Kind != Fitted {
		return domain.NeutralDecay()
	}

	short := opts.ShortHalfLife.Hours()
	lambda := res.Fit.Lambda
	meta := domain.DecayMeta{State: domain.DecayStable, Multiplier: 1.0}

	if hl, ok := res.Fit.HalfLifeHours(); ok {
		value := hl
		meta.HalfLifeHours = &value
	}

	switch {
	case lambda > opts.FlatEpsilon:
		hl := math.Ln2 / lambda
		if hl < short {
			meta.State = domain.DecayDecaying
			meta.Multiplier = 1 - (1-opts.MultiplierMin)*strength(hl, short)
		}
	case lambda < -opts.FlatEpsilon:
		doubling := math.Ln2 / -lambda
		meta.State = domain.DecayImproving
		meta.Multiplier = 1 + (opts.MultiplierMax-1)*strength(doubling, short)
	}

	meta.Multiplier = domain.Clamp(meta.Multiplier, opts.MultiplierMin, opts.MultiplierMax)
	return meta
}

// strength is 1 for an instantaneous change and 0 at or beyond the short horizon.
func strength(hours, short float64) float64 {
	return 1 - math.Min(hours, short)/short
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
