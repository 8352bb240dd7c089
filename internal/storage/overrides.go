package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pattern-edge-learner/internal/domain"
)

const (
	upsertOverrideSQL = `INSERT INTO overrides (
        pattern_key,
        action_category,
        scope_key,
        scope,
        multiplier,
        decay_multiplier,
        support,
        source_lesson,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (pattern_key, action_category, scope_key) DO UPDATE
    SET
        scope            = EXCLUDED.scope,
        multiplier       = EXCLUDED.multiplier,
        decay_multiplier = EXCLUDED.decay_multiplier,
        support          = EXCLUDED.support,
        source_lesson    = EXCLUDED.source_lesson,
        updated_at       = EXCLUDED.updated_at;`

	deleteOverridesExceptSQL = `DELETE FROM overrides o
    WHERE NOT EXISTS (
        SELECT 1
        FROM unnest($1::text[], $2::text[], $3::text[]) AS k(pattern_key, action_category, scope_key)
        WHERE k.pattern_key = o.pattern_key
          AND k.action_category = o.action_category
          AND k.scope_key = o.scope_key
    );`

	selectOverridesSQL = `SELECT
        pattern_key,
        action_category,
        scope,
        multiplier,
        decay_multiplier,
        support,
        source_lesson,
        updated_at
    FROM overrides`
)

// UpsertOverride persists an override keyed like its source lesson.
func (s *Store) UpsertOverride(ctx context.Context, override domain.Override) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	scope, err := json.Marshal(override.Subset.StringMap())
	if err != nil {
		return fmt.Errorf("encode override scope: %w", err)
	}
	updatedAt := override.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = pool.Exec(ctx, upsertOverrideSQL,
		override.PatternKey,
		string(override.Action),
		override.Subset.Key(),
		scope,
		override.Multiplier,
		override.DecayMultiplier,
		override.Support,
		override.SourceLesson,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert override: %w", err)
	}
	return nil
}

// DeleteOverridesExcept deletes every override not listed in keep.
func (s *Store) DeleteOverridesExcept(ctx context.Context, keep []domain.LessonKey) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	patterns := make([]string, len(keep))
	actions := make([]string, len(keep))
	scopes := make([]string, len(keep))
	for i, k := range keep {
		patterns[i] = k.PatternKey
		actions[i] = string(k.Action)
		scopes[i] = k.ScopeKey
	}

	tag, err := pool.Exec(ctx, deleteOverridesExceptSQL, patterns, actions, scopes)
	if err != nil {
		return 0, fmt.Errorf("delete stale overrides: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListOverrides lists overrides matching the filter.
func (s *Store) ListOverrides(ctx context.Context, filter OverrideFilter) ([]domain.Override, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []interface{}
	)
	if filter.PatternKey != "" {
		args = append(args, filter.PatternKey)
		clauses = append(clauses, fmt.Sprintf("pattern_key = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		clauses = append(clauses, fmt.Sprintf("action_category = $%d", len(args)))
	}

	query := selectOverridesSQL
	if len(clauses) > 0 {
		query += "\n    WHERE " + strings.Join(clauses, " AND ")
	}
	query += "\n    ORDER BY pattern_key, action_category, scope_key"

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	overrides := make([]domain.Override, 0)
	for rows.Next() {
		var (
			o      domain.Override
			action string
			scope  []byte
		)
		if err := rows.Scan(
			&o.PatternKey,
			&action,
			&scope,
			&o.Multiplier,
			&o.DecayMultiplier,
			&o.Support,
			&o.SourceLesson,
			&o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		subset, err := decodeScope(scope)
		if err != nil {
			return nil, err
		}
		o.Action = domain.ActionCategory(action)
		o.Subset = subset
		o.UpdatedAt = o.UpdatedAt.UTC()
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overrides: %w", err)
	}
	return overrides, nil
}
