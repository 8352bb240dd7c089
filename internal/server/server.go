// Package server exposes trade-close ingestion, override lookup and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pattern-edge-learner/internal/domain"
	"pattern-edge-learner/internal/override"
	"pattern-edge-learner/internal/service"
	"pattern-edge-learner/internal/storage"
)

const maxBodyBytes = 1 << 20

// TradeRecorder is the real-time ingestion path.
type TradeRecorder interface {
	RecordTradeClose(ctx context.Context, payload domain.TradeClose) (domain.TradeEvent, error)
}

// Options configure the listener.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP surface of a running learner.
type Server struct {
	httpServer *http.Server
	recorder   TradeRecorder
	overrides  storage.OverrideStore
	logger     zerolog.Logger
}

// New builds a Server. metrics may be nil, in which case /metrics is not mounted.
func New(opts Options, recorder TradeRecorder, overrides storage.OverrideStore, metrics http.Handler, logger zerolog.Logger) *Server {
	s := &Server{
		recorder:  recorder,
		overrides: overrides,
		logger:    logger.With().Str("component", "http_server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/trade-close", s.handleTradeClose)
	mux.HandleFunc("GET /v1/overrides/resolve", s.handleResolve)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tradeCloseResponse struct {
	Status  string `json:"status"`
	EventID int64  `json:"event_id,omitempty"`
	TradeID string `json:"trade_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleTradeClose(w http.ResponseWriter, r *http.Request) {
	var payload domain.TradeClose
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, tradeCloseResponse{Status: service.CloseInvalid, Error: err.Error()})
		return
	}

	ev, err := s.recorder.RecordTradeClose(r.Context(), payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, tradeCloseResponse{Status: service.CloseRecorded, EventID: ev.ID, TradeID: ev.TradeID})
	case errors.Is(err, storage.ErrDuplicateEvent):
		writeJSON(w, http.StatusOK, tradeCloseResponse{Status: service.CloseDuplicate, TradeID: ev.TradeID})
	case errors.Is(err, service.ErrCoefficientUpdate):
		writeJSON(w, http.StatusAccepted, tradeCloseResponse{Status: service.CloseCoefficientError, EventID: ev.ID, TradeID: ev.TradeID, Error: err.Error()})
	case isValidationError(err):
		writeJSON(w, http.StatusBadRequest, tradeCloseResponse{Status: service.CloseInvalid, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, tradeCloseResponse{Status: service.CloseStoreError, Error: err.Error()})
	}
}

type resolveResponse struct {
	Matched         bool    `json:"matched"`
	Multiplier      float64 `json:"multiplier"`
	DecayMultiplier float64 `json:"decay_multiplier"`
	ScopeKey        string  `json:"scope_key,omitempty"`
	Support         int     `json:"support,omitempty"`
	SourceLesson    string  `json:"source_lesson,omitempty"`
}

// handleResolve reads pattern and action, and treats every other query parameter as a
// live scope dimension.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pattern := query.Get("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}
	action, err := domain.ParseAction(query.Get("action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	raw := make(map[string]string, len(query))
	for key := range query {
		if key == "pattern" || key == "action" {
			continue
		}
		raw[key] = query.Get(key)
	}
	live, _ := domain.NormalizeScope(raw)

	res, err := override.Lookup(r.Context(), s.overrides, pattern, action, live)
	if err != nil {
		s.logger.Error().Err(err).Str("pattern", pattern).Msg("override lookup failed")
		writeError(w, http.StatusInternalServerError, "override lookup failed")
		return
	}

	resp := resolveResponse{
		Matched:         res.Matched,
		Multiplier:      res.Multiplier,
		DecayMultiplier: res.DecayMultiplier,
	}
	if res.Matched {
		resp.ScopeKey = res.Override.Subset.Key()
		resp.Support = res.Override.Support
		resp.SourceLesson = res.Override.SourceLesson
	}
	writeJSON(w, http.StatusOK, resp)
}

func isValidationError(err error) bool {
	for _, target := range []error{
		domain.ErrMissingPatternKey,
		domain.ErrInvalidAction,
		domain.ErrMissingRR,
		domain.ErrMissingScope,
		domain.ErrMissingTimestamp,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
