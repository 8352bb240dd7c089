package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"pattern-edge-learner/internal/domain"
)

const (
	loadCoefficientsSQL = `SELECT state FROM coefficient_state WHERE id = 1;`

	saveCoefficientsSQL = `INSERT INTO coefficient_state (id, state, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at;`
)

// LoadCoefficients reads the persisted coefficient state.
func (s *Store) LoadCoefficients(ctx context.Context) (*domain.CoefficientState, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var raw []byte
	if err := pool.QueryRow(ctx, loadCoefficientsSQL).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load coefficients: %w", err)
	}

	state := domain.NewCoefficientState()
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("decode coefficients: %w", err)
	}
	return state.Clone(), nil
}

// SaveCoefficients replaces the persisted coefficient state in one statement.
func (s *Store) SaveCoefficients(ctx context.Context, state *domain.CoefficientState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("%w: nil coefficient state", ErrInvalidInput)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode coefficients: %w", err)
	}
	if _, err := pool.Exec(ctx, saveCoefficientsSQL, raw); err != nil {
		return fmt.Errorf("save coefficients: %w", err)
	}
	return nil
}
