package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeScope(t *testing.T) {
	scope, dropped := NormalizeScope(map[string]string{
		"Chain":     " Solana ",
		"timeframe": "2h",
		"regime":    "",
		"wallet":    "abc",
	})

	assert.Equal(t, 1, dropped)
	assert.Equal(t, Scope{DimChain: "solana", DimTimeframe: OtherValue}, scope)
}

func TestScopeKeyRoundTrip(t *testing.T) {
	scope := Scope{DimDex: "raydium", DimChain: "solana", DimMcapBucket: "micro"}
	assert.Equal(t, "chain=solana|mcap_bucket=micro|dex=raydium", scope.Key())

	parsed, err := ParseScopeKey(scope.Key())
	require.NoError(t, err)
	assert.Equal(t, scope, parsed)

	empty, err := ParseScopeKey("*")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, "*", Scope{}.Key())

	_, err = ParseScopeKey("chain")
	assert.ErrorIs(t, err, ErrInvalidScopeKey)
	_, err = ParseScopeKey("wallet=x")
	assert.ErrorIs(t, err, ErrInvalidScopeKey)
}

func TestScopeMatchesAndProject(t *testing.T) {
	live := Scope{DimChain: "solana", DimTimeframe: "1h", DimRegime: "bull"}

	assert.True(t, Scope{}.Matches(live))
	assert.True(t, Scope{DimChain: "solana", DimRegime: "bull"}.Matches(live))
	assert.False(t, Scope{DimChain: "base"}.Matches(live))
	assert.False(t, Scope{DimDex: "orca"}.Matches(live))

	proj, ok := live.Project([]Dimension{DimChain, DimTimeframe})
	require.True(t, ok)
	assert.Equal(t, Scope{DimChain: "solana", DimTimeframe: "1h"}, proj)

	_, ok = live.Project([]Dimension{DimDex})
	assert.False(t, ok)
}

func TestTradeCloseToEventClampsRR(t *testing.T) {
	rr := 120.0
	payload := TradeClose{
		PatternKey: "breakout",
		Action:     "ENTRY",
		Scope:      map[string]string{"chain": "solana"},
		RR:         &rr,
		TradeID:    "t-1",
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	ev, dropped, err := payload.ToEvent(33)
	require.NoError(t, err)
	assert.Zero(t, dropped)
	assert.Equal(t, 33.0, ev.RR)
	assert.Equal(t, ActionEntry, ev.Action)
	require.NoError(t, ev.Validate())

	neg := -1e9
	payload.RR = &neg
	ev, _, err = payload.ToEvent(33)
	require.NoError(t, err)
	assert.Equal(t, -33.0, ev.RR)
}

func TestTradeCloseToEventRejectsMalformed(t *testing.T) {
	rr := 1.0
	base := TradeClose{PatternKey: "p", Action: "exit", Scope: map[string]string{}, RR: &rr, Timestamp: time.Now()}

	cases := []struct {
		name   string
		mutate func(c *TradeClose)
		want   error
	}{
		{"missing pattern", func(c *TradeClose) { c.PatternKey = " " }, ErrMissingPatternKey},
		{"bad action", func(c *TradeClose) { c.Action = "hold" }, ErrInvalidAction},
		{"missing rr", func(c *TradeClose) { c.RR = nil }, ErrMissingRR},
		{"missing scope", func(c *TradeClose) { c.Scope = nil }, ErrMissingScope},
		{"missing timestamp", func(c *TradeClose) { c.Timestamp = time.Time{} }, ErrMissingTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			_, _, err := c.ToEvent(33)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
