package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

var _ storage.TradeEventStore = (*EventStore)(nil)

// EventStore implements storage.TradeEventStore on a ReplacingMergeTree table.
// MergeTree does not enforce uniqueness, so appends check identity first and
// are serialized within the process.
type EventStore struct {
	conn *Conn

	mu     sync.Mutex
	nextID uint64
	loaded bool
}

// NewEventStore creates an EventStore.
func NewEventStore(conn *Conn) *EventStore {
	return &EventStore{conn: conn}
}

// AppendEvent inserts ev unless an event with the same identity exists.
func (s *EventStore) AppendEvent(ctx context.Context, ev domain.TradeEvent) (domain.TradeEvent, error) {
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.exists(ctx, ev)
	if err != nil {
		return ev, fmt.Errorf("check trade event: %w", err)
	}
	if exists {
		return ev, storage.ErrDuplicateEvent
	}

	if !s.loaded {
		var maxID uint64
		if err := s.conn.QueryRow(ctx, `SELECT max(id) FROM trade_events`).Scan(&maxID); err != nil {
			return ev, fmt.Errorf("load max event id: %w", err)
		}
		s.nextID = maxID
		s.loaded = true
	}
	id := s.nextID + 1

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trade_events (
			id, pattern_key, action_category, scope, rr, pnl_usd, trade_id, event_ts
		)
	`)
	if err != nil {
		return ev, fmt.Errorf("prepare batch: %w", err)
	}
	if err := batch.Append(
		id,
		ev.PatternKey,
		string(ev.Action),
		ev.Scope.StringMap(),
		ev.RR,
		ev.PnLUSD,
		ev.TradeID,
		ev.Timestamp.UTC(),
	); err != nil {
		return ev, fmt.Errorf("append to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return ev, fmt.Errorf("send batch: %w", err)
	}

	s.nextID = id
	ev.ID = int64(id)
	return ev, nil
}

// ListGroups returns populations with events at or after since.
func (s *EventStore) ListGroups(ctx context.Context, since time.Time) ([]domain.GroupKey, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT DISTINCT pattern_key, action_category
		FROM trade_events FINAL
		WHERE event_ts >= ?
		ORDER BY pattern_key, action_category
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	groups := make([]domain.GroupKey, 0)
	for rows.Next() {
		var pattern, action string
		if err := rows.Scan(&pattern, &action); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, domain.GroupKey{PatternKey: pattern, Action: domain.ActionCategory(action)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// ListGroupEvents returns a population's events ordered by (timestamp, id).
func (s *EventStore) ListGroupEvents(ctx context.Context, group domain.GroupKey, since time.Time) ([]domain.TradeEvent, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, pattern_key, action_category, scope, rr, pnl_usd, trade_id, event_ts
		FROM trade_events FINAL
		WHERE pattern_key = ? AND action_category = ? AND event_ts >= ?
		ORDER BY event_ts ASC, id ASC
	`, group.PatternKey, string(group.Action), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query group events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TradeEvent, 0)
	for rows.Next() {
		var (
			id      uint64
			ev      domain.TradeEvent
			action  string
			scope   map[string]string
			pnl     decimal.Decimal
			eventTS time.Time
		)
		if err := rows.Scan(&id, &ev.PatternKey, &action, &scope, &ev.RR, &pnl, &ev.TradeID, &eventTS); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		ev.ID = int64(id)
		ev.Action = domain.ActionCategory(action)
		ev.Scope, _ = domain.NormalizeScope(scope)
		ev.PnLUSD = pnl
		ev.Timestamp = eventTS.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of distinct stored events.
func (s *EventStore) CountEvents(ctx context.Context) (int64, error) {
	var count uint64
	if err := s.conn.QueryRow(ctx, `SELECT count() FROM trade_events FINAL`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count trade events: %w", err)
	}
	return int64(count), nil
}

func (s *EventStore) exists(ctx context.Context, ev domain.TradeEvent) (bool, error) {
	var count uint64
	err := s.conn.QueryRow(ctx, `
		SELECT count() FROM trade_events
		WHERE pattern_key = ? AND action_category = ? AND trade_id = ?
	`, ev.PatternKey, string(ev.Action), ev.TradeID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
