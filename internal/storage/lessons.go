package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"pattern-edge-learner/internal/domain"
)

const (
	upsertLessonSQL = `INSERT INTO lessons (
        pattern_key,
        action_category,
        scope_key,
        scope,
        n,
        avg_rr,
        delta_rr,
        edge_raw,
        global_delta_rr,
        decay_state,
        half_life_hours,
        decay_multiplier,
        status,
        run_id,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (pattern_key, action_category, scope_key) DO UPDATE
    SET
        scope            = EXCLUDED.scope,
        n                = EXCLUDED.n,
        avg_rr           = EXCLUDED.avg_rr,
        delta_rr         = EXCLUDED.delta_rr,
        edge_raw         = EXCLUDED.edge_raw,
        global_delta_rr  = EXCLUDED.global_delta_rr,
        decay_state      = EXCLUDED.decay_state,
        half_life_hours  = EXCLUDED.half_life_hours,
        decay_multiplier = EXCLUDED.decay_multiplier,
        status           = EXCLUDED.status,
        run_id           = EXCLUDED.run_id,
        updated_at       = EXCLUDED.updated_at;`

	retireGroupLessonsSQL = `UPDATE lessons
    SET status = 'retired', updated_at = now()
    WHERE pattern_key = $1
      AND action_category = $2
      AND status = 'active'
      AND run_id <> $3;`

	selectLessonsSQL = `SELECT
        pattern_key,
        action_category,
        scope,
        n,
        avg_rr,
        delta_rr,
        edge_raw,
        global_delta_rr,
        decay_state,
        half_life_hours,
        decay_multiplier,
        status,
        run_id,
        updated_at
    FROM lessons`

	listLessonGroupsSQL = `SELECT DISTINCT pattern_key, action_category
    FROM lessons
    WHERE status = 'active'
    ORDER BY pattern_key, action_category;`
)

// UpsertLesson persists a lesson keyed by (pattern_key, action_category, scope_key).
func (s *Store) UpsertLesson(ctx context.Context, lesson domain.Lesson) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	scope, err := json.Marshal(lesson.Subset.StringMap())
	if err != nil {
		return fmt.Errorf("encode lesson scope: %w", err)
	}

	var halfLife interface{}
	if lesson.Stats.Decay.HalfLifeHours != nil {
		halfLife = *lesson.Stats.Decay.HalfLifeHours
	}

	status := lesson.Status
	if status == "" {
		status = domain.LessonActive
	}
	updatedAt := lesson.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = pool.Exec(ctx, upsertLessonSQL,
		lesson.PatternKey,
		string(lesson.Action),
		lesson.Subset.Key(),
		scope,
		lesson.N,
		lesson.Stats.AvgRR,
		lesson.Stats.DeltaRR,
		lesson.Stats.EdgeRaw,
		lesson.Stats.GlobalDeltaRR,
		string(lesson.Stats.Decay.State),
		halfLife,
		lesson.Stats.Decay.Multiplier,
		string(status),
		lesson.RunID,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert lesson: %w", err)
	}
	return nil
}

// RetireGroupLessons retires active lessons of a group that the given run did not write.
func (s *Store) RetireGroupLessons(ctx context.Context, group domain.GroupKey, keepRunID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, err := pool.Exec(ctx, retireGroupLessonsSQL, group.PatternKey, string(group.Action), keepRunID)
	if err != nil {
		return 0, fmt.Errorf("retire group lessons: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListLessons lists lessons matching the filter.
func (s *Store) ListLessons(ctx context.Context, filter LessonFilter) ([]domain.Lesson, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.PatternKey != "" {
		add("pattern_key", filter.PatternKey)
	}
	if filter.Action != "" {
		add("action_category", string(filter.Action))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.ScopeKey != "" {
		add("scope_key", filter.ScopeKey)
	}

	query := selectLessonsSQL
	if len(clauses) > 0 {
		query += "\n    WHERE " + strings.Join(clauses, " AND ")
	}
	query += "\n    ORDER BY pattern_key, action_category, scope_key"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf("\n    LIMIT $%d", len(args))
	}

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	lessons := make([]domain.Lesson, 0)
	for rows.Next() {
		lesson, scanErr := scanLesson(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		lessons = append(lessons, lesson)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lessons: %w", err)
	}
	return lessons, nil
}

// ListLessonGroups lists populations that still own active lessons.
func (s *Store) ListLessonGroups(ctx context.Context) ([]domain.GroupKey, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listLessonGroupsSQL)
	if err != nil {
		return nil, fmt.Errorf("list lesson groups: %w", err)
	}
	return scanGroups(rows)
}

func scanLesson(rows pgx.Rows) (domain.Lesson, error) {
	var (
		lesson     domain.Lesson
		action     string
		scope      []byte
		decayState string
		halfLife   sql.NullFloat64
		status     string
	)
	if err := rows.Scan(
		&lesson.PatternKey,
		&action,
		&scope,
		&lesson.N,
		&lesson.Stats.AvgRR,
		&lesson.Stats.DeltaRR,
		&lesson.Stats.EdgeRaw,
		&lesson.Stats.GlobalDeltaRR,
		&decayState,
		&halfLife,
		&lesson.Stats.Decay.Multiplier,
		&status,
		&lesson.RunID,
		&lesson.UpdatedAt,
	); err != nil {
		return domain.Lesson{}, fmt.Errorf("scan lesson: %w", err)
	}

	subset, err := decodeScope(scope)
	if err != nil {
		return domain.Lesson{}, err
	}

	lesson.Action = domain.ActionCategory(action)
	lesson.Subset = subset
	lesson.Stats.Decay.State = domain.DecayState(decayState)
	if halfLife.Valid {
		value := halfLife.Float64
		lesson.Stats.Decay.HalfLifeHours = &value
	}
	lesson.Status = domain.LessonStatus(status)
	lesson.UpdatedAt = lesson.UpdatedAt.UTC()
	return lesson, nil
}
