package graph

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// VectorSearch returns the top k live episodes by cosine similarity to the
// query embedding. Uses the vec0 ANN index when available, brute-force
// cosine over stored embeddings otherwise.
func (s *Store) VectorSearch(ctx context.Context, user string, queryEmbedding []float32, k int) ([]types.SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "VectorSearch")
	defer timer.Stop()

	if len(queryEmbedding) == 0 {
		return nil, memerr.Validationf("query embedding required")
	}
	if k <= 0 {
		k = 10
	}

	if s.vectorExt && len(queryEmbedding) == s.dims {
		return s.vectorSearchVec(ctx, user, queryEmbedding, k)
	}
	return s.vectorSearchBruteForce(ctx, user, queryEmbedding, k)
}

// vectorSearchVec queries the vec0 index.
func (s *Store) vectorSearchVec(ctx context.Context, user string, queryEmbedding []float32, k int) ([]types.SearchHit, error) {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.episode_id, vec_distance_cosine(v.embedding, ?) AS dist, e.created_at
		FROM vec_index v
		JOIN episodes e ON e.id = v.episode_id
		WHERE v.user_id = ? AND e.deleted = 0
		ORDER BY dist ASC LIMIT ?`,
		encodeFloat32Slice(queryEmbedding), user, k)
	s.mu.RUnlock()
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var hits []types.SearchHit
	for rows.Next() {
		var hit types.SearchHit
		var dist float64
		if err := rows.Scan(&hit.EpisodeID, &dist, &hit.CreatedAt); err != nil {
			continue
		}
		hit.Score = 1 - dist
		hits = append(hits, hit)
	}
	logging.GraphDebug("vec0 search returned %d hits", len(hits))
	return hits, rows.Err()
}

// vectorSearchBruteForce scans stored JSON embeddings and ranks by cosine.
func (s *Store) vectorSearchBruteForce(ctx context.Context, user string, queryEmbedding []float32, k int) ([]types.SearchHit, error) {
	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, embedding, created_at FROM episodes
		WHERE user_id = ? AND deleted = 0 AND embedding IS NOT NULL`, user)
	s.mu.RUnlock()
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var hits []types.SearchHit
	for rows.Next() {
		var id, embeddingJSON string
		var createdAt time.Time
		if err := rows.Scan(&id, &embeddingJSON, &createdAt); err != nil {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vec); err != nil {
			continue
		}
		sim, ok := cosineSimilarity(queryEmbedding, vec)
		if !ok {
			continue
		}
		hits = append(hits, types.SearchHit{EpisodeID: id, Score: sim, CreatedAt: createdAt})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.StoreUnavailable(err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	logging.GraphDebug("Brute-force vector search returned %d hits", len(hits))
	return hits, nil
}

// KeywordSearch runs a BM25-ranked fulltext query over content + summary.
// The raw query is tokenized and OR-joined so user text can never break the
// FTS5 query syntax.
func (s *Store) KeywordSearch(ctx context.Context, user, query string, k int) ([]types.SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "KeywordSearch")
	defer timer.Stop()

	if k <= 0 {
		k = 10
	}
	if !s.ftsExt {
		return s.keywordSearchLike(ctx, user, query, k)
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.episode_id, bm25(episodes_fts) AS rank, e.created_at
		FROM episodes_fts f
		JOIN episodes e ON e.id = f.episode_id
		WHERE episodes_fts MATCH ? AND f.user_id = ? AND e.deleted = 0
		ORDER BY rank ASC LIMIT ?`,
		match, user, k)
	s.mu.RUnlock()
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var hits []types.SearchHit
	for rows.Next() {
		var hit types.SearchHit
		var rank float64
		if err := rows.Scan(&hit.EpisodeID, &rank, &hit.CreatedAt); err != nil {
			continue
		}
		// bm25() is smaller-is-better; negate so all arms rank descending.
		hit.Score = -rank
		hits = append(hits, hit)
	}
	logging.GraphDebug("Keyword search %q returned %d hits", query, len(hits))
	return hits, rows.Err()
}

// keywordSearchLike is the fallback when FTS5 is not compiled in: LIKE
// scans over content + summary, scored by the number of matching terms.
func (s *Store) keywordSearchLike(ctx context.Context, user, query string, k int) ([]types.SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	conditions := make([]string, 0, len(terms))
	args := []any{user}
	for _, term := range terms {
		conditions = append(conditions, "(LOWER(content) LIKE ? OR LOWER(summary) LIKE ?)")
		args = append(args, "%"+term+"%", "%"+term+"%")
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, content, summary, created_at FROM episodes WHERE user_id = ? AND deleted = 0 AND ("+
			strings.Join(conditions, " OR ")+") ORDER BY created_at DESC LIMIT ?",
		append(args, k*4)...)
	s.mu.RUnlock()
	if err != nil {
		return nil, memerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var hits []types.SearchHit
	for rows.Next() {
		var id, content, summary string
		var createdAt time.Time
		if err := rows.Scan(&id, &content, &summary, &createdAt); err != nil {
			continue
		}
		text := strings.ToLower(content + " " + summary)
		matched := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matched++
			}
		}
		hits = append(hits, types.SearchHit{
			EpisodeID: id,
			Score:     float64(matched) / float64(len(terms)),
			CreatedAt: createdAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.StoreUnavailable(err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// GraphSearch traverses from seed entities up to maxHops, scoring episodes
// by hop distance (0.5 per hop) with recency tiebreaks.
func (s *Store) GraphSearch(ctx context.Context, user string, seedEntities []string, k, maxHops int) ([]types.SearchHit, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "GraphSearch")
	defer timer.Stop()

	if len(seedEntities) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	if maxHops <= 0 {
		maxHops = 2
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Resolve seed names to entity ids.
	frontier := make(map[string]struct{})
	for _, name := range seedEntities {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id FROM entities WHERE user_id = ? AND deleted = 0 AND LOWER(name) = LOWER(?)",
			user, name)
		if err != nil {
			return nil, memerr.StoreUnavailable(err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				frontier[id] = struct{}{}
			}
		}
		rows.Close()
	}
	if len(frontier) == 0 {
		return nil, nil
	}

	visited := make(map[string]struct{})
	best := make(map[string]types.SearchHit)

	for hop := 0; hop <= maxHops && len(frontier) > 0; hop++ {
		hopScore := math.Pow(0.5, float64(hop))

		// Episodes mentioning the frontier entities.
		for entityID := range frontier {
			if err := memerr.FromContext(ctx); err != nil {
				return nil, err
			}
			rows, err := s.db.QueryContext(ctx, `
				SELECT e.id, e.created_at, ee.confidence
				FROM episode_entities ee
				JOIN episodes e ON e.id = ee.episode_id
				WHERE ee.entity_id = ? AND e.user_id = ? AND e.deleted = 0`,
				entityID, user)
			if err != nil {
				return nil, memerr.StoreUnavailable(err)
			}
			for rows.Next() {
				var id string
				var createdAt time.Time
				var confidence float64
				if err := rows.Scan(&id, &createdAt, &confidence); err != nil {
					continue
				}
				score := hopScore * confidence
				if prev, ok := best[id]; !ok || score > prev.Score {
					best[id] = types.SearchHit{EpisodeID: id, Score: score, CreatedAt: createdAt}
				}
			}
			rows.Close()
		}

		// Expand the frontier one hop along RELATES_TO.
		next := make(map[string]struct{})
		for entityID := range frontier {
			visited[entityID] = struct{}{}
			rows, err := s.db.QueryContext(ctx, `
				SELECT to_id FROM entity_relations WHERE from_id = ?
				UNION SELECT from_id FROM entity_relations WHERE to_id = ?`,
				entityID, entityID)
			if err != nil {
				return nil, memerr.StoreUnavailable(err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					continue
				}
				if _, seen := visited[id]; !seen {
					next[id] = struct{}{}
				}
			}
			rows.Close()
		}
		frontier = next
	}

	hits := make([]types.SearchHit, 0, len(best))
	for _, hit := range best {
		hits = append(hits, hit)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].EpisodeID < hits[j].EpisodeID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	logging.GraphDebug("Graph search (%d seeds, %d hops) returned %d hits", len(seedEntities), maxHops, len(hits))
	return hits, nil
}

// ftsQuery turns free text into a safe OR-joined FTS5 match expression.
func ftsQuery(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 0x80)
	})
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}
