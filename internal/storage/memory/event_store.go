// Package memory holds in-memory implementations of the storage interfaces, used by
// tests, dry runs and database-less deployments.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/storage"
)

var _ storage.TradeEventStore = (*EventStore)(nil)

type eventIdentity struct {
	tradeID string
	pattern string
	action  domain.ActionCategory
}

// EventStore is an in-memory implementation of storage.TradeEventStore.
type EventStore struct {
	mu     sync.RWMutex
	nextID int64
	events []domain.TradeEvent
	seen   map[eventIdentity]struct{}

	// journal, when set, receives every accepted event before it becomes visible.
	journal *os.File
}

// NewEventStore creates a new in-memory trade event store.
func NewEventStore() *EventStore {
	return &EventStore{seen: make(map[eventIdentity]struct{})}
}

// AppendEvent adds ev. Returns ErrDuplicateEvent if its identity already exists.
func (s *EventStore) AppendEvent(_ context.Context, ev domain.TradeEvent) (domain.TradeEvent, error) {
	if err := ev.Validate(); err != nil {
		return ev, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[identityOf(ev)]; exists {
		return ev, storage.ErrDuplicateEvent
	}

	ev.ID = s.nextID + 1
	ev.Scope = ev.Scope.Clone()
	ev.Timestamp = ev.Timestamp.UTC()
	if s.journal != nil {
		if err := writeJournal(s.journal, ev); err != nil {
			return ev, fmt.Errorf("journal trade event: %w", err)
		}
	}
	s.insert(ev)
	return ev, nil
}

// insert records ev with its assigned ID. Callers hold mu.
func (s *EventStore) insert(ev domain.TradeEvent) {
	s.seen[identityOf(ev)] = struct{}{}
	if ev.ID > s.nextID {
		s.nextID = ev.ID
	}
	s.events = append(s.events, ev)
}

func identityOf(ev domain.TradeEvent) eventIdentity {
	return eventIdentity{tradeID: ev.TradeID, pattern: ev.PatternKey, action: ev.Action}
}

// ListGroups returns the populations with events at or after since.
func (s *EventStore) ListGroups(_ context.Context, since time.Time) ([]domain.GroupKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(map[domain.GroupKey]struct{})
	for _, ev := range s.events {
		if ev.Timestamp.Before(since) {
			continue
		}
		set[ev.Group()] = struct{}{}
	}
	return sortedGroups(set), nil
}

// ListGroupEvents returns copies of a population's events ordered by (timestamp, id).
func (s *EventStore) ListGroupEvents(_ context.Context, group domain.GroupKey, since time.Time) ([]domain.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.TradeEvent, 0)
	for _, ev := range s.events {
		if ev.Group() != group || ev.Timestamp.Before(since) {
			continue
		}
		evCopy := ev
		evCopy.Scope = ev.Scope.Clone()
		result = append(result, evCopy)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CountEvents returns the number of stored events.
func (s *EventStore) CountEvents(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

func sortedGroups(set map[domain.GroupKey]struct{}) []domain.GroupKey {
	groups := make([]domain.GroupKey, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].PatternKey != groups[j].PatternKey {
			return groups[i].PatternKey < groups[j].PatternKey
		}
		return groups[i].Action < groups[j].Action
	})
	return groups
}
