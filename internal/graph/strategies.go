package graph

import (
	"context"
	"database/sql"
	"encoding/json"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// Strategy persistence. Strategies live as type-tagged episodes for uniform
// recall plus side columns here for the counters the reasoning bank updates.

// UpsertStrategy creates or updates a strategy row by identifier.
func (s *Store) UpsertStrategy(ctx context.Context, st types.Strategy) error {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertStrategy")
	defer timer.Stop()

	if st.ID == "" || st.UserID == "" {
		return memerr.Validationf("strategy requires id and user_id")
	}
	taskTypes, _ := json.Marshal(st.TaskTypes)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.Do(ctx, func() error {
		var lastUsed any
		if st.LastUsedAt != nil {
			lastUsed = st.LastUsedAt.UTC()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO strategies
				(id, user_id, description, task_types, success_count, failure_count,
				 confidence, anti_pattern, deleted, created_at, last_used_at, evolved_from, episode_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				description = excluded.description,
				task_types = excluded.task_types,
				success_count = excluded.success_count,
				failure_count = excluded.failure_count,
				confidence = excluded.confidence,
				anti_pattern = excluded.anti_pattern,
				deleted = excluded.deleted,
				last_used_at = excluded.last_used_at,
				evolved_from = excluded.evolved_from`,
			st.ID, st.UserID, st.Description, string(taskTypes), st.SuccessCount,
			st.FailureCount, st.Confidence, boolInt(st.AntiPattern),
			boolInt(st.Deleted), st.CreatedAt.UTC(), lastUsed,
			nullIfEmpty(st.EvolvedFrom), st.ID)
		return err
	})
}

// GetStrategy loads one strategy scoped to the user.
func (s *Store) GetStrategy(ctx context.Context, user, id string) (types.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, strategySelect+" WHERE id = ? AND user_id = ?", id, user)
	st, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return types.Strategy{}, memerr.Validationf("strategy %s not found", id)
	}
	return st, err
}

// StrategiesForUser lists live strategies, optionally filtered by task type,
// ordered by confidence descending. Anti-patterns are excluded unless
// includeAnti is set.
func (s *Store) StrategiesForUser(ctx context.Context, user, taskType string, includeAnti bool, limit int) ([]types.Strategy, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strategySelect + " WHERE user_id = ? AND deleted = 0"
	args := []any{user}
	if !includeAnti {
		query += " AND anti_pattern = 0"
	}
	query += " ORDER BY confidence DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			continue
		}
		if taskType != "" && !containsString(st.TaskTypes, taskType) {
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// AntiPatterns lists flagged or collapsed-confidence strategies.
func (s *Store) AntiPatterns(ctx context.Context, user, taskType string, limit int) ([]types.Strategy, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		strategySelect+` WHERE user_id = ? AND deleted = 0
			AND (anti_pattern = 1 OR confidence < 0.2)
			ORDER BY confidence ASC LIMIT ?`, user, limit)
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			continue
		}
		if taskType != "" && !containsString(st.TaskTypes, taskType) {
			continue
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const strategySelect = `
	SELECT id, user_id, description, task_types, success_count, failure_count,
	       confidence, anti_pattern, deleted, created_at, last_used_at, evolved_from
	FROM strategies`

func scanStrategy(row rowScanner) (types.Strategy, error) {
	var st types.Strategy
	var taskTypes string
	var anti, deleted int
	var lastUsed sql.NullTime
	var evolvedFrom sql.NullString

	err := row.Scan(&st.ID, &st.UserID, &st.Description, &taskTypes,
		&st.SuccessCount, &st.FailureCount, &st.Confidence, &anti, &deleted,
		&st.CreatedAt, &lastUsed, &evolvedFrom)
	if err != nil {
		return types.Strategy{}, err
	}
	_ = json.Unmarshal([]byte(taskTypes), &st.TaskTypes)
	st.AntiPattern = anti == 1
	st.Deleted = deleted == 1
	if lastUsed.Valid {
		t := lastUsed.Time
		st.LastUsedAt = &t
	}
	if evolvedFrom.Valid {
		st.EvolvedFrom = evolvedFrom.String
	}
	return st, nil
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
