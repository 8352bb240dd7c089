package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"pattern-edge-learner/internal/domain"
)

const (
	insertTradeEventSQL = `INSERT INTO trade_events (
        pattern_key,
        action_category,
        scope,
        rr,
        pnl_usd,
        trade_id,
        event_ts
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (trade_id, pattern_key, action_category) DO NOTHING
    RETURNING id;`

	listGroupsSQL = `SELECT DISTINCT pattern_key, action_category
    FROM trade_events
    WHERE event_ts >= $1
    ORDER BY pattern_key, action_category;`

	listGroupEventsSQL = `SELECT
        id,
        pattern_key,
        action_category,
        scope,
        rr,
        pnl_usd::text,
        trade_id,
        event_ts
    FROM trade_events
    WHERE pattern_key = $1
      AND action_category = $2
      AND event_ts >= $3
    ORDER BY event_ts, id;`

	countEventsSQL = `SELECT COUNT(*) FROM trade_events;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	uniqueViolationCode = "23505"
)

var (
	_ TradeEventStore  = (*Store)(nil)
	_ LessonStore      = (*Store)(nil)
	_ OverrideStore    = (*Store)(nil)
	_ CoefficientStore = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

// Store is the PostgreSQL implementation of every store interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock is session scoped, so the connection is held until unlock runs.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseAdvisoryLock(ctxUnlock, pooledSession{conn: conn}, key)
	}
	return unlock, true, nil
}

// lockSession is the connection holding a session-scoped advisory lock.
type lockSession interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
	Release()
}

type pooledSession struct {
	conn *pgxpool.Conn
}

func (p pooledSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.conn.Exec(ctx, sql, args...)
}

func (p pooledSession) Close(ctx context.Context) error {
	return p.conn.Conn().Close(ctx)
}

func (p pooledSession) Release() {
	p.conn.Release()
}

// releaseAdvisoryLock unlocks key and returns the session to the pool. A session whose
// unlock failed is closed before release so the pool never reuses it with the lock held.
func releaseAdvisoryLock(ctx context.Context, session lockSession, key int64) {
	if _, err := session.Exec(ctx, advisoryUnlockSQL, key); err != nil {
		_ = session.Close(ctx)
	}
	session.Release()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendEvent inserts a trade event. A repeated (trade_id, pattern_key, action_category)
// leaves the table untouched and returns ErrDuplicateEvent.
func (s *Store) AppendEvent(ctx context.Context, ev domain.TradeEvent) (domain.TradeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return ev, err
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	scope, err := json.Marshal(ev.Scope.StringMap())
	if err != nil {
		return ev, fmt.Errorf("encode scope: %w", err)
	}

	var id int64
	err = pool.QueryRow(ctx, insertTradeEventSQL,
		ev.PatternKey,
		string(ev.Action),
		scope,
		ev.RR,
		ev.PnLUSD.String(),
		ev.TradeID,
		ev.Timestamp.UTC(),
	).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ev, ErrDuplicateEvent
	case isUniqueViolation(err):
		return ev, ErrDuplicateEvent
	case err != nil:
		return ev, fmt.Errorf("insert trade event: %w", err)
	}

	ev.ID = id
	return ev, nil
}

// ListGroups lists populations with events since the given time.
func (s *Store) ListGroups(ctx context.Context, since time.Time) ([]domain.GroupKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listGroupsSQL, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return scanGroups(rows)
}

// ListGroupEvents lists a population's events in deterministic order.
func (s *Store) ListGroupEvents(ctx context.Context, group domain.GroupKey, since time.Time) ([]domain.TradeEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listGroupEventsSQL, group.PatternKey, string(group.Action), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("list group events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TradeEvent, 0)
	for rows.Next() {
		ev, scanErr := scanTradeEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group events: %w", err)
	}
	return events, nil
}

// CountEvents returns the size of the fact table.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := pool.QueryRow(ctx, countEventsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

func scanTradeEvent(rows pgx.Rows) (domain.TradeEvent, error) {
	var (
		ev      domain.TradeEvent
		action  string
		scope   []byte
		pnlStr  string
		eventTS time.Time
	)
	if err := rows.Scan(&ev.ID, &ev.PatternKey, &action, &scope, &ev.RR, &pnlStr, &ev.TradeID, &eventTS); err != nil {
		return domain.TradeEvent{}, fmt.Errorf("scan trade event: %w", err)
	}

	parsed, err := decodeScope(scope)
	if err != nil {
		return domain.TradeEvent{}, err
	}
	pnl, err := decimal.NewFromString(pnlStr)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("parse pnl usd: %w", err)
	}

	ev.Action = domain.ActionCategory(action)
	ev.Scope = parsed
	ev.PnLUSD = pnl
	ev.Timestamp = eventTS.UTC()
	return ev, nil
}

func scanGroups(rows pgx.Rows) ([]domain.GroupKey, error) {
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

func decodeScope(raw []byte) (domain.Scope, error) {
	if len(raw) == 0 {
		return domain.Scope{}, nil
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	scope, _ := domain.NormalizeScope(values)
	return scope, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
