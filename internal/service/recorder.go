package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/observability"
	"pattern-edge-learner/internal/storage"
)

// Trade-close outcomes used as the trade_closes_total status label.
const (
	CloseRecorded         = "recorded"
	CloseDuplicate        = "duplicate"
	CloseInvalid          = "invalid"
	CloseStoreError       = "store_error"
	CloseCoefficientError = "coefficient_error"
)

// ErrCoefficientUpdate marks a trade close that was stored but not folded into the baselines.
var ErrCoefficientUpdate = errors.New("coefficient update failed")

// CoefficientUpdater folds one event into the running baselines.
type CoefficientUpdater interface {
	Update(ctx context.Context, ev domain.TradeEvent) error
}

// Recorder is the real-time path: it appends each trade close to the event store and
// updates the coefficients, one event at a time.
type Recorder struct {
	mu      sync.Mutex
	events  storage.TradeEventStore
	coeffs  CoefficientUpdater
	rrBound float64
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewRecorder wires a Recorder. coeffs may be nil.
func NewRecorder(events storage.TradeEventStore, coeffs CoefficientUpdater, rrBound float64, metrics *observability.Metrics, logger zerolog.Logger) *Recorder {
	if rrBound <= 0 {
		rrBound = domain.DefaultRRBound
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Recorder{
		events:  events,
		coeffs:  coeffs,
		rrBound: rrBound,
		metrics: metrics,
		logger:  logger.With().Str("component", "recorder").Logger(),
	}
}

// RecordTradeClose validates, clamps and stores one trade close, then updates the
// coefficients. Duplicates return storage.ErrDuplicateEvent and leave the coefficients
// untouched. Every failure is logged; none of them poisons later calls.
func (r *Recorder) RecordTradeClose(ctx context.Context, payload domain.TradeClose) (domain.TradeEvent, error) {
	if strings.TrimSpace(payload.TradeID) == "" {
		payload.TradeID = uuid.NewString()
	}

	ev, dropped, err := payload.ToEvent(r.rrBound)
	if err != nil {
		r.metrics.TradeCloses.WithLabelValues(CloseInvalid).Inc()
		r.logger.Warn().Err(err).Str("trade_id", payload.TradeID).Msg("malformed trade close skipped")
		return domain.TradeEvent{}, fmt.Errorf("validate trade close: %w", err)
	}
	if dropped > 0 {
		r.logger.Debug().Int("dropped", dropped).Str("trade_id", ev.TradeID).Msg("unrecognized scope keys dropped")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.events.AppendEvent(ctx, ev)
	if errors.Is(err, storage.ErrDuplicateEvent) {
		r.metrics.TradeCloses.WithLabelValues(CloseDuplicate).Inc()
		r.logger.Info().Str("trade_id", ev.TradeID).Str("group", ev.Group().String()).Msg("duplicate trade close ignored")
		return ev, err
	}
	if err != nil {
		r.metrics.TradeCloses.WithLabelValues(CloseStoreError).Inc()
		r.logger.Error().Err(err).Str("trade_id", ev.TradeID).Msg("failed to append trade event")
		return ev, fmt.Errorf("append trade event: %w", err)
	}

	if r.coeffs != nil {
		if err := r.coeffs.Update(ctx, stored); err != nil {
			r.metrics.TradeCloses.WithLabelValues(CloseCoefficientError).Inc()
			r.logger.Error().Err(err).Str("trade_id", stored.TradeID).Msg("failed to update coefficients")
			return stored, fmt.Errorf("%w: %w", ErrCoefficientUpdate, err)
		}
	}

	r.metrics.TradeCloses.WithLabelValues(CloseRecorded).Inc()
	r.logger.Debug().
		Int64("event_id", stored.ID).
		Str("group", stored.Group().String()).
		Str("scope", stored.Scope.Key()).
		Float64("rr", stored.RR).
		Msg("trade close recorded")
	return stored, nil
}
