package domain

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRRBound is the symmetric clamp applied to every stored rr.
const DefaultRRBound = 33.0

var (
	ErrMissingPatternKey = errors.New("trade event: pattern_key is required")
	ErrInvalidAction     = errors.New("trade event: unknown action_category")
	ErrMissingRR         = errors.New("trade event: rr is missing or not finite")
	ErrMissingScope      = errors.New("trade event: scope is missing")
	ErrMissingTimestamp  = errors.New("trade event: timestamp is required")
	ErrInvalidScopeKey   = errors.New("scope key is malformed")
)

// ActionCategory classifies the realized action.
type ActionCategory string

const (
	ActionEntry ActionCategory = "entry"
	ActionAdd   ActionCategory = "add"
	ActionExit  ActionCategory = "exit"
	ActionTrim  ActionCategory = "trim"
	ActionSkip  ActionCategory = "skip"
)

// ParseAction validates a raw action category.
func ParseAction(raw string) (ActionCategory, error) {
	a := ActionCategory(strings.ToLower(strings.TrimSpace(raw)))
	switch a {
	case ActionEntry, ActionAdd, ActionExit, ActionTrim, ActionSkip:
		return a, nil
	}
	return "", ErrInvalidAction
}

// GroupKey identifies one (pattern_key, action_category) population.
type GroupKey struct {
	PatternKey string
	Action     ActionCategory
}

func (g GroupKey) String() string {
	return g.PatternKey + "/" + string(g.Action)
}

// TradeEvent is one realized action outcome. Events are append-only.
type TradeEvent struct {
	ID         int64
	PatternKey string
	Action     ActionCategory
	Scope      Scope
	RR         float64
	PnLUSD     decimal.Decimal
	TradeID    string
	Timestamp  time.Time
}

// Group returns the event's population key.
func (e TradeEvent) Group() GroupKey {
	return GroupKey{PatternKey: e.PatternKey, Action: e.Action}
}

// Validate reports the first structural problem that makes the event unusable for mining.
func (e TradeEvent) Validate() error {
	if strings.TrimSpace(e.PatternKey) == "" {
		return ErrMissingPatternKey
	}
	if _, err := ParseAction(string(e.Action)); err != nil {
		return err
	}
	if math.IsNaN(e.RR) || math.IsInf(e.RR, 0) {
		return ErrMissingRR
	}
	if e.Scope == nil {
		return ErrMissingScope
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// ClampRR bounds rr to [-bound, bound]. A non-positive bound falls back to DefaultRRBound.
func ClampRR(rr, bound float64) float64 {
	if bound <= 0 {
		bound = DefaultRRBound
	}
	return Clamp(rr, -bound, bound)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TradeClose is the notification payload emitted by the execution collaborator.
// RR is a pointer so a missing value is distinguishable from zero.
type TradeClose struct {
	PatternKey string            `json:"pattern_key"`
	Action     string            `json:"action_category"`
	Scope      map[string]string `json:"scope"`
	RR         *float64          `json:"rr"`
	PnLUSD     decimal.Decimal   `json:"pnl_usd"`
	TradeID    string            `json:"trade_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// ToEvent validates the payload and converts it into a clamped, normalized TradeEvent.
// dropped counts scope keys that are not recognized dimensions.
func (c TradeClose) ToEvent(rrBound float64) (ev TradeEvent, dropped int, err error) {
	if strings.TrimSpace(c.PatternKey) == "" {
		return TradeEvent{}, 0, ErrMissingPatternKey
	}
	action, err := ParseAction(c.Action)
	if err != nil {
		return TradeEvent{}, 0, err
	}
	if c.RR == nil || math.IsNaN(*c.RR) || math.IsInf(*c.RR, 0) {
		return TradeEvent{}, 0, ErrMissingRR
	}
	if c.Scope == nil {
		return TradeEvent{}, 0, ErrMissingScope
	}
	if c.Timestamp.IsZero() {
		return TradeEvent{}, 0, ErrMissingTimestamp
	}

	scope, dropped := NormalizeScope(c.Scope)
	return TradeEvent{
		PatternKey: strings.TrimSpace(c.PatternKey),
		Action:     action,
		Scope:      scope,
		RR:         ClampRR(*c.RR, rrBound),
		PnLUSD:     c.PnLUSD,
		TradeID:    c.TradeID,
		Timestamp:  c.Timestamp.UTC(),
	}, dropped, nil
}
