package domain

import (
	"sort"
	"strings"
)

// Dimension names one recognized scope attribute.
type Dimension string

const (
	DimChain      Dimension = "chain"
	DimTimeframe  Dimension = "timeframe"
	DimMcapBucket Dimension = "mcap_bucket"
	DimRegime     Dimension = "regime"
	DimDex        Dimension = "dex"
)

// OtherValue is the bucket for values outside a dimension's recognized set.
const OtherValue = "other"

// Dimensions lists every recognized dimension in canonical order.
var Dimensions = []Dimension{DimChain, DimTimeframe, DimMcapBucket, DimRegime, DimDex}

var dimensionValues = map[Dimension]map[string]struct{}{
	DimChain:      set("solana", "ethereum", "base", "bsc", "arbitrum"),
	DimTimeframe:  set("1m", "5m", "15m", "30m", "1h", "4h", "1d"),
	DimMcapBucket: set("nano", "micro", "small", "mid", "large"),
	DimRegime:     set("bull", "bear", "chop", "volatile", "quiet"),
	DimDex:        set("raydium", "orca", "meteora", "pumpfun", "jupiter", "uniswap", "aerodrome", "pancakeswap"),
}

func set(values ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// ParseDimension resolves a raw attribute name.
func ParseDimension(raw string) (Dimension, bool) {
	d := Dimension(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := dimensionValues[d]
	return d, ok
}

// Index returns the canonical position of d, or -1.
func (d Dimension) Index() int {
	for i, known := range Dimensions {
		if known == d {
			return i
		}
	}
	return -1
}

// NormalizeValue lower-cases a value and buckets it into OtherValue when unrecognized.
// An empty result means the attribute is absent.
func NormalizeValue(d Dimension, raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return ""
	}
	if _, ok := dimensionValues[d][v]; ok {
		return v
	}
	return OtherValue
}

// Scope maps recognized dimensions to normalized values. A Scope is also used as a
// scope subset of a lesson, where the empty Scope is the unconditioned slice.
type Scope map[Dimension]string

// NormalizeScope converts a raw attribute map into a Scope, returning the number of
// attribute keys that were dropped because they are not recognized dimensions.
func NormalizeScope(raw map[string]string) (Scope, int) {
	scope := make(Scope, len(raw))
	dropped := 0
	for k, v := range raw {
		d, ok := ParseDimension(k)
		if !ok {
			dropped++
			continue
		}
		if nv := NormalizeValue(d, v); nv != "" {
			scope[d] = nv
		}
	}
	return scope, dropped
}

// Dims returns the dimensions present in s in canonical order.
func (s Scope) Dims() []Dimension {
	dims := make([]Dimension, 0, len(s))
	for d := range s {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i].Index() < dims[j].Index() })
	return dims
}

// Key is the canonical identity of the scope, "*" when empty.
func (s Scope) Key() string {
	if len(s) == 0 {
		return "*"
	}
	var b strings.Builder
	for i, d := range s.Dims() {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(string(d))
		b.WriteByte('=')
		b.WriteString(s[d])
	}
	return b.String()
}

// ParseScopeKey is the inverse of Key.
func ParseScopeKey(key string) (Scope, error) {
	scope := Scope{}
	key = strings.TrimSpace(key)
	if key == "" || key == "*" {
		return scope, nil
	}
	for _, part := range strings.Split(key, "|") {
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, ErrInvalidScopeKey
		}
		d, known := ParseDimension(name)
		if !known {
			return nil, ErrInvalidScopeKey
		}
		if nv := NormalizeValue(d, value); nv != "" {
			scope[d] = nv
		}
	}
	return scope, nil
}

// Matches reports whether every attribute of s is present with the same value in live.
func (s Scope) Matches(live Scope) bool {
	for d, v := range s {
		if live[d] != v {
			return false
		}
	}
	return true
}

// Project restricts s to dims. ok is false when s lacks any of them.
func (s Scope) Project(dims []Dimension) (Scope, bool) {
	out := make(Scope, len(dims))
	for _, d := range dims {
		v, present := s[d]
		if !present {
			return nil, false
		}
		out[d] = v
	}
	return out, true
}

// Clone returns an independent copy.
func (s Scope) Clone() Scope {
	out := make(Scope, len(s))
	for d, v := range s {
		out[d] = v
	}
	return out
}

// StringMap renders s with plain string keys, used for JSON columns.
func (s Scope) StringMap() map[string]string {
	out := make(map[string]string, len(s))
	for d, v := range s {
		out[string(d)] = v
	}
	return out
}
