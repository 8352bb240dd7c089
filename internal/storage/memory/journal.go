package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pattern-edge-learner/internal/domain"
)

const maxJournalLine = 1 << 20

type journalRecord struct {
	ID         int64             `json:"id"`
	PatternKey string            `json:"pattern_key"`
	Action     string            `json:"action_category"`
	Scope      map[string]string `json:"scope"`
	RR         float64           `json:"rr"`
	PnLUSD     decimal.Decimal   `json:"pnl_usd"`
	TradeID    string            `json:"trade_id"`
	Timestamp  time.Time         `json:"timestamp"`
}

// OpenEventJournal returns an EventStore backed by a JSON-lines file at path. Events
// already in the file are loaded, so trade identities and IDs survive restarts. Close
// releases the file.
func OpenEventJournal(path string) (*EventStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event journal: %w", err)
	}

	s := NewEventStore()
	if err := s.replay(file); err != nil {
		file.Close()
		return nil, err
	}
	s.journal = file
	return s, nil
}

// Close releases the journal file, if any.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *EventStore) replay(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxJournalLine)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return fmt.Errorf("decode event journal line %d: %w", line, err)
		}
		ev, err := rec.event()
		if err != nil {
			return fmt.Errorf("event journal line %d: %w", line, err)
		}
		if _, exists := s.seen[identityOf(ev)]; exists {
			continue
		}
		s.insert(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event journal: %w", err)
	}
	return nil
}

func (r journalRecord) event() (domain.TradeEvent, error) {
	action, err := domain.ParseAction(r.Action)
	if err != nil {
		return domain.TradeEvent{}, err
	}
	if r.ID <= 0 {
		return domain.TradeEvent{}, errors.New("missing event id")
	}
	scope, _ := domain.NormalizeScope(r.Scope)
	return domain.TradeEvent{
		ID:         r.ID,
		PatternKey: r.PatternKey,
		Action:     action,
		Scope:      scope,
		RR:         r.RR,
		PnLUSD:     r.PnLUSD,
		TradeID:    r.TradeID,
		Timestamp:  r.Timestamp.UTC(),
	}, nil
}

func writeJournal(w io.Writer, ev domain.TradeEvent) error {
	data, err := json.Marshal(journalRecord{
		ID:         ev.ID,
		PatternKey: ev.PatternKey,
		Action:     string(ev.Action),
		Scope:      ev.Scope.StringMap(),
		RR:         ev.RR,
		PnLUSD:     ev.PnLUSD,
		TradeID:    ev.TradeID,
		Timestamp:  ev.Timestamp,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Len reports how many events the store holds.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
