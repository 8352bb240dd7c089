package domain

import "time"

// CoefficientState holds the running baselines updated on every trade close.
// It is passed explicitly and persisted after each update; there is no process-wide instance.
type CoefficientState struct {
	TimeframeWeight    map[string]float64   `json:"timeframe_weight"`
	TimeframeShortRR   map[string]float64   `json:"timeframe_short_rr"`
	TimeframeUpdatedAt map[string]time.Time `json:"timeframe_updated_at"`
	GlobalRRShort      float64              `json:"global_rr_short"`
	GlobalRRLong       float64              `json:"global_rr_long"`
	Samples            int64                `json:"samples"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// NewCoefficientState returns an empty state with initialized maps.
func NewCoefficientState() *CoefficientState {
	return &CoefficientState{
		TimeframeWeight:    map[string]float64{},
		TimeframeShortRR:   map[string]float64{},
		TimeframeUpdatedAt: map[string]time.Time{},
	}
}

// Clone deep-copies the state so updates can be computed without touching the original.
func (s *CoefficientState) Clone() *CoefficientState {
	if s == nil {
		return NewCoefficientState()
	}
	out := *s
	out.TimeframeWeight = make(map[string]float64, len(s.TimeframeWeight))
	for k, v := range s.TimeframeWeight {
		out.TimeframeWeight[k] = v
	}
	out.TimeframeShortRR = make(map[string]float64, len(s.TimeframeShortRR))
	for k, v := range s.TimeframeShortRR {
		out.TimeframeShortRR[k] = v
	}
	out.TimeframeUpdatedAt = make(map[string]time.Time, len(s.TimeframeUpdatedAt))
	for k, v := range s.TimeframeUpdatedAt {
		out.TimeframeUpdatedAt[k] = v
	}
	return &out
}

// Weight returns the timeframe weight, 1.0 when the timeframe has not been seen.
func (s *CoefficientState) Weight(tf string) float64 {
	if s == nil {
		return 1.0
	}
	if w, ok := s.TimeframeWeight[tf]; ok {
		return w
	}
	return 1.0
}
