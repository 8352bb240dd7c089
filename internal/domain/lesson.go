package domain

import (
	"math"
	"time"
)

// DecayState classifies the trend of a pattern's edge.
type DecayState string

const (
	DecayUnknown   DecayState = "unknown"
	DecayDecaying  DecayState = "decaying"
	DecayImproving DecayState = "improving"
	DecayStable    DecayState = "stable"
)

// DecayMeta is the persisted summary of a decay fit.
type DecayMeta struct {
	State         DecayState `json:"state"`
	HalfLifeHours *float64   `json:"half_life_hours"`
	Multiplier    float64    `json:"multiplier"`
}

// NeutralDecay is the outcome for insufficient or degenerate histories.
func NeutralDecay() DecayMeta {
	return DecayMeta{State: DecayUnknown, Multiplier: 1.0}
}

// LessonStats combines mined slice statistics with decay metadata.
type LessonStats struct {
	AvgRR   float64   `json:"avg_rr"`
	DeltaRR float64   `json:"delta_rr"`
	EdgeRaw float64   `json:"edge_raw"`
	// GlobalDeltaRR compares the unconditioned slice against global_rr_long.
	GlobalDeltaRR float64   `json:"global_delta_rr,omitempty"`
	Decay         DecayMeta `json:"decay_meta"`
}

// LessonStatus is the lifecycle state of a lesson.
type LessonStatus string

const (
	LessonActive  LessonStatus = "active"
	LessonRetired LessonStatus = "retired"
)

// LessonKey is the unique identity shared by a lesson and its override.
type LessonKey struct {
	PatternKey string
	Action     ActionCategory
	ScopeKey   string
}

func (k LessonKey) String() string {
	return k.PatternKey + "/" + string(k.Action) + "/" + k.ScopeKey
}

// Group returns the population the key belongs to.
func (k LessonKey) Group() GroupKey {
	return GroupKey{PatternKey: k.PatternKey, Action: k.Action}
}

// Lesson is a persisted mined pattern.
type Lesson struct {
	PatternKey string
	Action     ActionCategory
	Subset     Scope
	N          int
	Stats      LessonStats
	Status     LessonStatus
	RunID      string
	UpdatedAt  time.Time
}

// Key returns the lesson identity.
func (l Lesson) Key() LessonKey {
	return LessonKey{PatternKey: l.PatternKey, Action: l.Action, ScopeKey: l.Subset.Key()}
}

// Significant reports whether |edge_raw| exceeds floor.
func (l Lesson) Significant(floor float64) bool {
	return math.Abs(l.Stats.EdgeRaw) > floor
}

// Override is the runtime sizing adjustment derived from a lesson.
type Override struct {
	PatternKey      string
	Action          ActionCategory
	Subset          Scope
	Multiplier      float64
	DecayMultiplier float64
	Support         int
	SourceLesson    string
	UpdatedAt       time.Time
}

// Key returns the override identity, equal to its source lesson's key.
func (o Override) Key() LessonKey {
	return LessonKey{PatternKey: o.PatternKey, Action: o.Action, ScopeKey: o.Subset.Key()}
}
