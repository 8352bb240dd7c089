package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

func TestEventJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "events.jsonl")
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	store, err := OpenEventJournal(path)
	require.NoError(t, err)
	ev := event("t1", at)
	ev.PnLUSD = decimal.RequireFromString("12.50")
	_, err = store.AppendEvent(ctx, ev)
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, event("t2", at.Add(time.Hour)))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenEventJournal(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Len())

	_, err = reopened.AppendEvent(ctx, event("t1", at))
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)

	next, err := reopened.AppendEvent(ctx, event("t3", at.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.ID)

	events, err := reopened.ListGroupEvents(ctx, group, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "t1", events[0].TradeID)
	assert.True(t, decimal.RequireFromString("12.5").Equal(events[0].PnLUSD))
	assert.Equal(t, "solana", events[0].Scope[domain.DimChain])
}

func TestEventJournalRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o600))

	_, err := OpenEventJournal(path)
	assert.ErrorContains(t, err, "line 1")
}
