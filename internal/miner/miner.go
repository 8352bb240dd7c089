// Package miner enumerates scope subsets of a (pattern_key, action_category) population
// and reports the slices that carry enough samples to be turned into lessons.
package miner

import (
	"errors"
	"sort"
	"strings"

	"pattern-edge-learner/internal/domain"
)

// DefaultMinSlice is the minimum sample count a slice needs to be emitted.
const DefaultMinSlice = 33

// Skip reasons reported in Result.Skipped.
const (
	SkipMissingPattern   = "missing_pattern"
	SkipInvalidAction    = "invalid_action"
	SkipMissingRR        = "missing_rr"
	SkipMissingScope     = "missing_scope"
	SkipMissingTimestamp = "missing_timestamp"
	SkipForeignGroup     = "foreign_group"
)

// Options tune the enumeration.
type Options struct {
	MinSlice int
	// MaxDepth caps the subset size; zero means every recognized dimension.
	MaxDepth int
}

// Input is one population to mine.
type Input struct {
	Group  domain.GroupKey
	Events []domain.TradeEvent
	// GlobalBaseline, when set, is compared against the unconditioned slice's average.
	GlobalBaseline *float64
}

// Slice is one surviving subset+value combination.
type Slice struct {
	Group   domain.GroupKey
	Subset  domain.Scope
	N       int
	AvgRR   float64
	DeltaRR float64
	// GlobalDeltaRR is AvgRR minus the global baseline. Only the unconditioned slice carries it.
	GlobalDeltaRR float64
	// Events are the contributing events ordered by (timestamp, id).
	Events []domain.TradeEvent
}

// Key returns the lesson key the slice materializes into.
func (s Slice) Key() domain.LessonKey {
	return domain.LessonKey{PatternKey: s.Group.PatternKey, Action: s.Group.Action, ScopeKey: s.Subset.Key()}
}

// Result is the outcome of mining one population.
type Result struct {
	Group    domain.GroupKey
	Total    int
	Baseline float64
	Skipped  map[string]int
	Slices   []Slice
}

// SkippedTotal sums all skip counters.
func (r Result) SkippedTotal() int {
	total := 0
	for _, n := range r.Skipped {
		total += n
	}
	return total
}

// Miner runs the subset enumeration. It holds no state between calls.
type Miner struct {
	opts Options
}

// New constructs a Miner.
func New(opts Options) *Miner {
	if opts.MinSlice <= 0 {
		opts.MinSlice = DefaultMinSlice
	}
	if opts.MaxDepth <= 0 || opts.MaxDepth > len(domain.Dimensions) {
		opts.MaxDepth = len(domain.Dimensions)
	}
	return &Miner{opts: opts}
}

// Mine enumerates every supported slice of in.Group.
func (m *Miner) Mine(in Input) Result {
	res := Result{Group: in.Group, Skipped: map[string]int{}}

	events := make([]domain.TradeEvent, 0, len(in.Events))
	for _, ev := range in.Events {
		if err := ev.Validate(); err != nil {
			res.Skipped[skipReason(err)]++
			continue
		}
		if ev.Group() != in.Group {
			res.Skipped[SkipForeignGroup]++
			continue
		}
		events = append(events, ev)
	}
	sortEvents(events)

	res.Total = len(events)
	if res.Total < m.opts.MinSlice {
		return res
	}

	res.Baseline = mean(events)

	root := m.slice(in.Group, domain.Scope{}, events, res.Baseline)
	if in.GlobalBaseline != nil {
		root.GlobalDeltaRR = root.AvgRR - *in.GlobalBaseline
	}
	res.Slices = append(res.Slices, root)

	present := presentDimensions(events)
	survived := map[string]map[string]struct{}{
		dimSet(nil).key(): {domain.Scope{}.Key(): {}},
	}

	level := make([]dimSet, 0, len(present))
	for _, d := range present {
		level = append(level, dimSet{d})
	}

	for depth := 1; depth <= m.opts.MaxDepth && len(level) > 0; depth++ {
		var kept []dimSet
		for _, dims := range level {
			combos := m.evaluate(in.Group, dims, events, res.Baseline, survived)
			if len(combos) == 0 {
				continue
			}
			alive := make(map[string]struct{}, len(combos))
			for _, s := range combos {
				alive[s.Subset.Key()] = struct{}{}
			}
			survived[dims.key()] = alive
			res.Slices = append(res.Slices, combos...)
			kept = append(kept, dims)
		}
		level = nextLevel(kept, survived)
	}

	sort.SliceStable(res.Slices, func(i, j int) bool {
		a, b := res.Slices[i], res.Slices[j]
		if len(a.Subset) != len(b.Subset) {
			return len(a.Subset) < len(b.Subset)
		}
		return a.Subset.Key() < b.Subset.Key()
	})
	return res
}

// evaluate buckets events by their values on dims and keeps every combination with enough
// samples whose immediate parents all survived the previous level.
func (m *Miner) evaluate(group domain.GroupKey, dims dimSet, events []domain.TradeEvent, baseline float64, survived map[string]map[string]struct{}) []Slice {
	buckets := make(map[string][]domain.TradeEvent)
	subsets := make(map[string]domain.Scope)
	for _, ev := range events {
		subset, ok := ev.Scope.Project(dims)
		if !ok {
			continue
		}
		key := subset.Key()
		buckets[key] = append(buckets[key], ev)
		if _, seen := subsets[key]; !seen {
			subsets[key] = subset
		}
	}

	keys := make([]string, 0, len(buckets))
	for k, members := range buckets {
		if len(members) >= m.opts.MinSlice {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Slice, 0, len(keys))
	for _, k := range keys {
		subset := subsets[k]
		if !parentsSurvived(dims, subset, survived) {
			continue
		}
		out = append(out, m.slice(group, subset, buckets[k], baseline))
	}
	return out
}

func (m *Miner) slice(group domain.GroupKey, subset domain.Scope, events []domain.TradeEvent, baseline float64) Slice {
	avg := mean(events)
	return Slice{
		Group:   group,
		Subset:  subset,
		N:       len(events),
		AvgRR:   avg,
		DeltaRR: avg - baseline,
		Events:  events,
	}
}

func parentsSurvived(dims dimSet, subset domain.Scope, survived map[string]map[string]struct{}) bool {
	for i := range dims {
		parent := dims.without(i)
		alive, ok := survived[parent.key()]
		if !ok {
			return false
		}
		projected, _ := subset.Project(parent)
		if _, ok := alive[projected.Key()]; !ok {
			return false
		}
	}
	return true
}

// nextLevel joins surviving sets of size k into candidates of size k+1 whose every
// size-k subset survived.
func nextLevel(kept []dimSet, survived map[string]map[string]struct{}) []dimSet {
	visited := make(map[string]struct{})
	var next []dimSet
	for i := 0; i < len(kept); i++ {
		for j := i + 1; j < len(kept); j++ {
			cand, ok := kept[i].join(kept[j])
			if !ok {
				continue
			}
			key := cand.key()
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}

			complete := true
			for p := range cand {
				if _, ok := survived[cand.without(p).key()]; !ok {
					complete = false
					break
				}
			}
			if complete {
				next = append(next, cand)
			}
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].key() < next[j].key() })
	return next
}

func presentDimensions(events []domain.TradeEvent) []domain.Dimension {
	seen := make(map[domain.Dimension]struct{})
	for _, ev := range events {
		for d := range ev.Scope {
			seen[d] = struct{}{}
		}
	}
	out := make([]domain.Dimension, 0, len(seen))
	for _, d := range domain.Dimensions {
		if _, ok := seen[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

func sortEvents(events []domain.TradeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.TradeID < b.TradeID
	})
}

func mean(events []domain.TradeEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	sum := 0.0
	for _, ev := range events {
		sum += ev.RR
	}
	return sum / float64(len(events))
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingPatternKey):
		return SkipMissingPattern
	case errors.Is(err, domain.ErrInvalidAction):
		return SkipInvalidAction
	case errors.Is(err, domain.ErrMissingRR):
		return SkipMissingRR
	case errors.Is(err, domain.ErrMissingScope):
		return SkipMissingScope
	case errors.Is(err, domain.ErrMissingTimestamp):
		return SkipMissingTimestamp
	default:
		return strings.ReplaceAll(err.Error(), " ", "_")
	}
}

// dimSet is a set of dimensions kept in canonical order.
type dimSet []domain.Dimension

func (d dimSet) key() string {
	parts := make([]string, len(d))
	for i, dim := range d {
		parts[i] = string(dim)
	}
	return strings.Join(parts, ",")
}

func (d dimSet) without(i int) dimSet {
	out := make(dimSet, 0, len(d)-1)
	out = append(out, d[:i]...)
	return append(out, d[i+1:]...)
}

// join merges two sets of equal size that share all but their last element.
func (d dimSet) join(o dimSet) (dimSet, bool) {
	if len(d) != len(o) || len(d) == 0 {
		return nil, false
	}
	n := len(d)
	for i := 0; i < n-1; i++ {
		if d[i] != o[i] {
			return nil, false
		}
	}
	a, b := d[n-1], o[n-1]
	if a == b {
		return nil, false
	}
	if a.Index() > b.Index() {
		a, b = b, a
	}
	out := make(dimSet, 0, n+1)
	out = append(out, d[:n-1]...)
	return append(out, a, b), true
}
