package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

// setupTestConn starts a ClickHouse container and returns a migrated connection.
func setupTestConn(t *testing.T) *Conn {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.1-alpine",
			ExposedPorts: []string{"9000/tcp", "8123/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Application: Ready for connections").
					WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
			Env: map[string]string{
				"CLICKHOUSE_DB":       "edgelearn",
				"CLICKHOUSE_USER":     "default",
				"CLICKHOUSE_PASSWORD": "",
			},
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start clickhouse container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	conn, err := NewConn(ctx, fmt.Sprintf("clickhouse://default:@%s:%s/edgelearn", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.Migrate(ctx))
	// migrations are idempotent
	require.NoError(t, conn.Migrate(ctx))
	return conn
}

func tradeEvent(tradeID string, chain string, at time.Time) domain.TradeEvent {
	return domain.TradeEvent{
		PatternKey: "breakout",
		Action:     domain.ActionEntry,
		Scope:      domain.Scope{domain.DimChain: chain, domain.DimTimeframe: "1h"},
		RR:         1.25,
		PnLUSD:     decimal.RequireFromString("42.5"),
		TradeID:    tradeID,
		Timestamp:  at,
	}
}

func TestClickHouseTradeEvents(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()
	store := NewEventStore(conn)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.AppendEvent(ctx, tradeEvent("t1", "solana", at.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ID)

	second, err := store.AppendEvent(ctx, tradeEvent("t2", "base", at))
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)

	_, err = store.AppendEvent(ctx, tradeEvent("t1", "solana", at))
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)

	_, err = store.AppendEvent(ctx, domain.TradeEvent{TradeID: "bad"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	// the same trade id under another action is a distinct event
	exit := tradeEvent("t1", "solana", at)
	exit.Action = domain.ActionExit
	_, err = store.AppendEvent(ctx, exit)
	require.NoError(t, err)

	count, err := store.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	groups, err := store.ListGroups(ctx, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupKey{
		{PatternKey: "breakout", Action: domain.ActionEntry},
		{PatternKey: "breakout", Action: domain.ActionExit},
	}, groups)

	events, err := store.ListGroupEvents(ctx, domain.GroupKey{PatternKey: "breakout", Action: domain.ActionEntry}, at.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "t2", events[0].TradeID)
	assert.Equal(t, "t1", events[1].TradeID)
	assert.Equal(t, "solana", events[1].Scope[domain.DimChain])
	assert.True(t, decimal.RequireFromString("42.5").Equal(events[1].PnLUSD))
	assert.True(t, at.Add(time.Hour).Equal(events[1].Timestamp))

	later, err := store.ListGroupEvents(ctx, domain.GroupKey{PatternKey: "breakout", Action: domain.ActionEntry}, at.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "t1", later[0].TradeID)
}

func TestClickHouseEventIDsContinueAcrossStores(t *testing.T) {
	conn := setupTestConn(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := NewEventStore(conn).AppendEvent(ctx, tradeEvent("t1", "solana", at))
	require.NoError(t, err)

	reopened := NewEventStore(conn)
	_, err = reopened.AppendEvent(ctx, tradeEvent("t1", "solana", at))
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)

	next, err := reopened.AppendEvent(ctx, tradeEvent("t2", "solana", at))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.ID)
}
