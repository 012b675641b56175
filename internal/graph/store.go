// Package graph is the L2/L3 adapter: it persists episodes and entities
// with their relations and embeddings on SQLite and evaluates the three
// search primitives (vector, fulltext, traversal) the hybrid retriever
// fuses.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// hardDeleteBatchCap bounds one HardDeleteExpired call to keep latency flat.
const hardDeleteBatchCap = 1000

// Store persists L2/L3 nodes on a single shared SQLite connection. The
// connection is shared across the memory core, retriever, and reasoning
// bank; leaf components receive the Store by reference.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool
	ftsExt    bool
	dims      int
	retry     memerr.RetryPolicy
}

// Open initializes the SQLite database at path and migrates the schema.
// dims is the vector index dimensionality; the vec0 virtual table is
// created when the sqlite-vec extension is linked in, otherwise vector
// search falls back to brute-force cosine over stored embeddings.
func Open(path string, dims int) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Open")
	defer timer.Stop()

	if path == "" {
		return nil, memerr.Validationf("graph store path required")
	}
	if dims <= 0 {
		dims = 1536
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create graph store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.GraphDebug("Failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.GraphDebug("Failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.GraphDebug("Failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path, dims: dims, retry: memerr.DefaultRetryPolicy()}
	if _, err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate graph schema: %w", err)
	}

	s.detectVecExtension()
	if s.vectorExt {
		s.initVecIndex(dims)
		logging.Graph("sqlite-vec extension detected, ANN index enabled (dims=%d)", dims)
	} else {
		logging.Get(logging.CategoryGraph).Warn("sqlite-vec not available; vector search uses brute-force cosine")
	}

	s.initFTSIndex()
	if s.ftsExt {
		logging.Graph("FTS5 detected, BM25 keyword search enabled")
	} else {
		logging.Get(logging.CategoryGraph).Warn("FTS5 not available; keyword search uses LIKE scans")
	}

	logging.Graph("Graph store ready at %s", path)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Graph("Closing graph store")
	return s.db.Close()
}

// DB exposes the shared connection for the migrate/inspect commands.
func (s *Store) DB() *sql.DB { return s.db }

// VectorIndexEnabled reports whether the vec0 ANN index is active.
func (s *Store) VectorIndexEnabled() bool { return s.vectorExt }

// detectVecExtension probes for vec0 virtual-table support.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
	}
}

// initFTSIndex probes for FTS5 and creates the fulltext shadow table. Without
// the extension keyword search degrades to LIKE scans over episodes.
func (s *Store) initFTSIndex() {
	stmt := `CREATE VIRTUAL TABLE IF NOT EXISTS episodes_fts USING fts5(
		episode_id UNINDEXED,
		user_id UNINDEXED,
		content,
		summary,
		tokenize = 'unicode61 remove_diacritics 2'
	)`
	if _, err := s.db.Exec(stmt); err == nil {
		s.ftsExt = true
	}
}

// initVecIndex creates the vec0 table for episode embeddings.
func (s *Store) initVecIndex(dims int) {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d], episode_id TEXT, user_id TEXT)", dims)
	if _, err := s.db.Exec(stmt); err != nil {
		logging.Get(logging.CategoryGraph).Warn("Failed to create vec_index: %v", err)
		s.vectorExt = false
	}
}

// UpsertEpisode creates or updates an episode by identifier and adds a
// MENTIONS edge for each referenced entity. Idempotent keyed by id.
func (s *Store) UpsertEpisode(ctx context.Context, ep types.Episode) error {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertEpisode")
	defer timer.Stop()

	if ep.ID == "" || ep.UserID == "" {
		return memerr.Validationf("episode requires id and user_id")
	}

	var embeddingJSON sql.NullString
	if len(ep.Embedding) > 0 {
		data, err := json.Marshal(ep.Embedding)
		if err != nil {
			return memerr.Validationf("embedding not serialisable: %v", err)
		}
		embeddingJSON = sql.NullString{String: string(data), Valid: true}
	}
	metaJSON, _ := json.Marshal(ep.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var deletedAt any
		if ep.DeletedAt != nil {
			deletedAt = ep.DeletedAt.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO episodes
				(id, user_id, content, summary, source, outcome, scale, level,
				 importance_score, access_count, created_at, last_accessed,
				 deleted, deleted_at, content_hash, embedding, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				summary = excluded.summary,
				source = excluded.source,
				outcome = excluded.outcome,
				scale = excluded.scale,
				level = excluded.level,
				importance_score = excluded.importance_score,
				access_count = excluded.access_count,
				last_accessed = excluded.last_accessed,
				deleted = excluded.deleted,
				deleted_at = excluded.deleted_at,
				content_hash = excluded.content_hash,
				embedding = COALESCE(excluded.embedding, episodes.embedding),
				metadata = excluded.metadata`,
			ep.ID, ep.UserID, ep.Content, ep.Summary, ep.Source, string(ep.Outcome),
			string(ep.Scale), ep.Level, ep.Importance, ep.AccessCount,
			ep.CreatedAt.UTC(), ep.LastAccessed.UTC(), boolInt(ep.Deleted),
			deletedAt, ep.ContentHash(), embeddingJSON, string(metaJSON),
		); err != nil {
			return err
		}

		// Keep the fulltext shadow in sync.
		if s.ftsExt {
			if _, err := tx.ExecContext(ctx, "DELETE FROM episodes_fts WHERE episode_id = ?", ep.ID); err != nil {
				return err
			}
			if !ep.Deleted {
				if _, err := tx.ExecContext(ctx,
					"INSERT INTO episodes_fts (episode_id, user_id, content, summary) VALUES (?, ?, ?, ?)",
					ep.ID, ep.UserID, ep.Content, ep.Summary); err != nil {
					return err
				}
			}
		}

		// MENTIONS edges.
		for _, entityID := range ep.EntityIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO episode_entities (episode_id, entity_id, confidence)
				VALUES (?, ?, 1.0)
				ON CONFLICT(episode_id, entity_id) DO NOTHING`,
				ep.ID, entityID); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		if s.vectorExt && len(ep.Embedding) > 0 && len(ep.Embedding) == s.dims {
			_, _ = s.db.ExecContext(ctx, "DELETE FROM vec_index WHERE episode_id = ?", ep.ID)
			_, _ = s.db.ExecContext(ctx,
				"INSERT INTO vec_index (embedding, episode_id, user_id) VALUES (?, ?, ?)",
				encodeFloat32Slice(ep.Embedding), ep.ID, ep.UserID)
		}
		return nil
	})
}

// UpsertEntity creates or updates an entity by identifier.
func (s *Store) UpsertEntity(ctx context.Context, ent types.Entity) error {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertEntity")
	defer timer.Stop()

	if ent.ID == "" || ent.UserID == "" {
		return memerr.Validationf("entity requires id and user_id")
	}

	var embeddingJSON sql.NullString
	if len(ent.Embedding) > 0 {
		data, err := json.Marshal(ent.Embedding)
		if err != nil {
			return memerr.Validationf("embedding not serialisable: %v", err)
		}
		embeddingJSON = sql.NullString{String: string(data), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retry.Do(ctx, func() error {
		var deletedAt any
		if ent.DeletedAt != nil {
			deletedAt = ent.DeletedAt.UTC()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entities
				(id, user_id, name, type, importance_score, access_count,
				 embedding, created_at, last_accessed, deleted, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				type = excluded.type,
				importance_score = excluded.importance_score,
				access_count = excluded.access_count,
				embedding = COALESCE(excluded.embedding, entities.embedding),
				last_accessed = excluded.last_accessed,
				deleted = excluded.deleted,
				deleted_at = excluded.deleted_at`,
			ent.ID, ent.UserID, ent.Name, ent.Type, ent.Importance,
			ent.AccessCount, embeddingJSON, ent.CreatedAt.UTC(),
			ent.LastAccessed.UTC(), boolInt(ent.Deleted), deletedAt)
		return err
	})
}

// RelateEntities records a RELATES_TO edge.
func (s *Store) RelateEntities(ctx context.Context, rel types.EntityRelation) error {
	if rel.FromID == "" || rel.ToID == "" {
		return memerr.Validationf("entity relation requires both endpoints")
	}
	if rel.Type == "" {
		rel.Type = "related"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.Do(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO entity_relations (from_id, to_id, rel_type, strength)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(from_id, to_id, rel_type) DO UPDATE SET strength = excluded.strength`,
			rel.FromID, rel.ToID, rel.Type, rel.Strength)
		return err
	})
}

// SoftDelete marks a node deleted and stamps deleted_at. Works for both
// episodes and entities; the id spaces are disjoint (uuid).
func (s *Store) SoftDelete(ctx context.Context, user, nodeID string) error {
	timer := logging.StartTimer(logging.CategoryGraph, "SoftDelete")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.Do(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx,
			"UPDATE episodes SET deleted = 1, deleted_at = ? WHERE id = ? AND user_id = ? AND deleted = 0",
			now, nodeID, user)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if s.ftsExt {
				_, _ = s.db.ExecContext(ctx, "DELETE FROM episodes_fts WHERE episode_id = ?", nodeID)
			}
			if s.vectorExt {
				_, _ = s.db.ExecContext(ctx, "DELETE FROM vec_index WHERE episode_id = ?", nodeID)
			}
			return nil
		}
		_, err = s.db.ExecContext(ctx,
			"UPDATE entities SET deleted = 1, deleted_at = ? WHERE id = ? AND user_id = ? AND deleted = 0",
			now, nodeID, user)
		return err
	})
}

// HardDeleteExpired physically removes soft-deleted nodes whose deletion
// timestamp is older than the grace period. A bounded batch per call keeps
// latency predictable.
func (s *Store) HardDeleteExpired(ctx context.Context, grace time.Duration) (int, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "HardDeleteExpired")
	defer timer.Stop()

	cutoff := time.Now().UTC().Add(-grace)

	s.mu.Lock()
	defer s.mu.Unlock()

	var total int
	err := s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM episodes WHERE deleted = 1 AND deleted_at IS NOT NULL AND deleted_at < ? LIMIT ?",
			cutoff, hardDeleteBatchCap)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				continue
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, "DELETE FROM episode_entities WHERE episode_id = ?", id); err != nil {
				return err
			}
			if s.ftsExt {
				if _, err := tx.ExecContext(ctx, "DELETE FROM episodes_fts WHERE episode_id = ?", id); err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM episodes WHERE id = ?", id); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM entities WHERE deleted = 1 AND deleted_at IS NOT NULL AND deleted_at < ?", cutoff)
		if err != nil {
			return err
		}
		entN, _ := res.RowsAffected()

		if err := tx.Commit(); err != nil {
			return err
		}
		if s.vectorExt {
			for _, id := range ids {
				_, _ = s.db.ExecContext(ctx, "DELETE FROM vec_index WHERE episode_id = ?", id)
			}
		}
		total = len(ids) + int(entN)
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.Graph("Hard-deleted %d expired nodes (grace=%v)", total, grace)
	return total, nil
}

// SweepSoftDelete soft-deletes live low-importance, zero-access episodes
// older than the age cutoff. The zero-access criterion belongs to the
// garbage collector; consolidation's forgetting step uses
// SweepLowImportance instead. Returns the number swept.
func (s *Store) SweepSoftDelete(ctx context.Context, user string, importanceBelow float64, olderThan time.Duration) (int, error) {
	return s.sweepEpisodes(ctx, user, importanceBelow, olderThan, true)
}

// SweepLowImportance soft-deletes live episodes below the importance
// threshold past the age cutoff, regardless of how often they were
// accessed. Consolidation's L2 forgetting step.
func (s *Store) SweepLowImportance(ctx context.Context, user string, importanceBelow float64, olderThan time.Duration) (int, error) {
	return s.sweepEpisodes(ctx, user, importanceBelow, olderThan, false)
}

func (s *Store) sweepEpisodes(ctx context.Context, user string, importanceBelow float64, olderThan time.Duration, zeroAccessOnly bool) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `
		UPDATE episodes SET deleted = 1, deleted_at = ?
		WHERE user_id = ? AND deleted = 0
		  AND importance_score < ? AND created_at < ?`
	if zeroAccessOnly {
		query += " AND access_count = 0"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int64
	err := s.retry.Do(ctx, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, query, now, user, importanceBelow, cutoff)
		if err != nil {
			return err
		}
		swept, _ = res.RowsAffected()
		if swept > 0 && s.ftsExt {
			_, _ = s.db.ExecContext(ctx, `
				DELETE FROM episodes_fts WHERE episode_id IN
				(SELECT id FROM episodes WHERE user_id = ? AND deleted = 1)`, user)
		}
		return nil
	})
	return int(swept), err
}

// ApplyDecay multiplicatively decays importance of live episodes whose
// last access is older than the threshold. factor is the per-pass decay
// multiplier derived from the half-life by the caller.
func (s *Store) ApplyDecay(ctx context.Context, user string, factor float64, idleLongerThan time.Duration) (int, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "ApplyDecay")
	defer timer.Stop()

	if factor <= 0 || factor >= 1 {
		return 0, memerr.Validationf("decay factor must be in (0,1), got %v", factor)
	}
	cutoff := time.Now().UTC().Add(-idleLongerThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.retry.Do(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE episodes SET importance_score = importance_score * ?
			WHERE user_id = ? AND deleted = 0 AND last_accessed < ?`,
			factor, user, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// ExistsDuplicate reports whether a live episode with the same content hash
// already exists for the user.
func (s *Store) ExistsDuplicate(ctx context.Context, user, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists bool
	err := s.retry.Do(ctx, func() error {
		var n int
		e := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM episodes WHERE user_id = ? AND content_hash = ? AND deleted = 0",
			user, contentHash).Scan(&n)
		if e != nil {
			return e
		}
		exists = n > 0
		return nil
	})
	return exists, err
}

// TouchAccess increments access counts, refreshes last_accessed, and applies
// the access-reinforcement bump. Best-effort by contract; callers ignore the
// error on the read path.
func (s *Store) TouchAccess(ctx context.Context, user string, episodeIDs []string, bump float64) error {
	if len(episodeIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range episodeIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE episodes SET
				access_count = access_count + 1,
				last_accessed = ?,
				importance_score = MIN(1.0, importance_score + ?)
			WHERE id = ? AND user_id = ? AND deleted = 0`,
			now, bump, id, user); err != nil {
			return err
		}
	}
	return nil
}

// GetEpisode loads one episode by id, scoped to the user.
func (s *Store) GetEpisode(ctx context.Context, user, id string) (types.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, episodeSelect+" WHERE id = ? AND user_id = ?", id, user)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return types.Episode{}, memerr.Validationf("episode %s not found", id)
	}
	return ep, err
}

// EpisodesByLevel lists live episodes of one tier, newest first.
func (s *Store) EpisodesByLevel(ctx context.Context, user string, level, limit int) ([]types.Episode, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		episodeSelect+" WHERE user_id = ? AND level = ? AND deleted = 0 ORDER BY created_at DESC LIMIT ?",
		user, level, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// CountByLevel returns live episode counts per tier level.
func (s *Store) CountByLevel(ctx context.Context, user string) (map[int]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT level, COUNT(*) FROM episodes WHERE user_id = ? AND deleted = 0 GROUP BY level", user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			continue
		}
		counts[level] = n
	}
	return counts, nil
}

// MentionsOf returns the entity ids an episode mentions.
func (s *Store) MentionsOf(ctx context.Context, episodeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id FROM episode_entities WHERE episode_id = ?", episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EntitiesForUser lists live entities, used by the retriever's matcher.
func (s *Store) EntitiesForUser(ctx context.Context, user string) ([]types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, type, importance_score, access_count, created_at, last_accessed
		FROM entities WHERE user_id = ? AND deleted = 0`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ents []types.Entity
	for rows.Next() {
		var ent types.Entity
		if err := rows.Scan(&ent.ID, &ent.UserID, &ent.Name, &ent.Type,
			&ent.Importance, &ent.AccessCount, &ent.CreatedAt, &ent.LastAccessed); err != nil {
			continue
		}
		ents = append(ents, ent)
	}
	return ents, nil
}

// ResetAll destroys every node. Used by the reset command only.
func (s *Store) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tables := []string{"episode_entities", "entity_relations", "strategies", "episodes", "entities"}
	if s.ftsExt {
		tables = append([]string{"episodes_fts"}, tables...)
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	if s.vectorExt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM vec_index")
	}
	return nil
}

// Stats returns table populations for the inspect command.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"episodes", "entities", "episode_entities", "entity_relations", "strategies"} {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			continue
		}
		stats[table] = n
	}
	return stats, nil
}

// episodeSelect is the shared column list for episode scans.
const episodeSelect = `
	SELECT id, user_id, content, summary, source, outcome, scale, level,
	       importance_score, access_count, created_at, last_accessed,
	       deleted, deleted_at, embedding, metadata
	FROM episodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (types.Episode, error) {
	var ep types.Episode
	var outcome, scale string
	var deleted int
	var deletedAt sql.NullTime
	var embeddingJSON, metaJSON sql.NullString

	err := row.Scan(&ep.ID, &ep.UserID, &ep.Content, &ep.Summary, &ep.Source,
		&outcome, &scale, &ep.Level, &ep.Importance, &ep.AccessCount,
		&ep.CreatedAt, &ep.LastAccessed, &deleted, &deletedAt,
		&embeddingJSON, &metaJSON)
	if err != nil {
		return types.Episode{}, err
	}
	ep.Outcome = types.Outcome(outcome)
	ep.Scale = types.Scale(scale)
	ep.Deleted = deleted == 1
	if deletedAt.Valid {
		t := deletedAt.Time
		ep.DeletedAt = &t
	}
	if embeddingJSON.Valid && embeddingJSON.String != "" {
		_ = json.Unmarshal([]byte(embeddingJSON.String), &ep.Embedding)
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &ep.Metadata)
	}
	return ep, nil
}

func scanEpisodes(rows *sql.Rows) ([]types.Episode, error) {
	var eps []types.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			logging.Get(logging.CategoryGraph).Warn("Episode scan failed: %v", err)
			continue
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
