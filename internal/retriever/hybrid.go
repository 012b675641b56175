// Package retriever translates a natural-language query into a fused ranked
// list from the graph tier. Three arms (vector, keyword, graph traversal)
// run concurrently and their rankings are merged with reciprocal-rank
// fusion; a failed arm degrades the result instead of failing the search.
package retriever

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"fractalmem/internal/embedding"
	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// kRRF is the reciprocal-rank fusion constant.
const kRRF = 60

// armOverfetch multiplies the caller limit into each arm's budget.
const armOverfetch = 3

// GraphSearcher is the slice of the graph store the retriever consumes.
type GraphSearcher interface {
	VectorSearch(ctx context.Context, user string, queryEmbedding []float32, k int) ([]types.SearchHit, error)
	KeywordSearch(ctx context.Context, user, query string, k int) ([]types.SearchHit, error)
	GraphSearch(ctx context.Context, user string, seedEntities []string, k, maxHops int) ([]types.SearchHit, error)
	EntitiesForUser(ctx context.Context, user string) ([]types.Entity, error)
	GetEpisode(ctx context.Context, user, id string) (types.Episode, error)
}

// Weights are the per-arm fusion weights; they sum to 1.
type Weights struct {
	Vector  float64
	Keyword float64
	Graph   float64
}

// DefaultWeights returns the standard arm weighting.
func DefaultWeights() Weights {
	return Weights{Vector: 0.5, Keyword: 0.3, Graph: 0.2}
}

// Results carries the fused ranking plus the degraded hint set when at
// least one arm failed.
type Results struct {
	Hits     []types.RecallResult
	Degraded bool
}

// Hybrid fuses the three graph-tier search primitives for one user.
type Hybrid struct {
	graph   GraphSearcher
	engine  embedding.Engine // nil disables the vector arm
	user    string
	weights Weights
	maxHops int
}

// New creates a user-scoped hybrid retriever. engine may be nil.
func New(graph GraphSearcher, engine embedding.Engine, user string, weights Weights) *Hybrid {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Hybrid{graph: graph, engine: engine, user: user, weights: weights, maxHops: 2}
}

type armResult struct {
	name string
	hits []types.SearchHit
	err  error
}

// Search runs the three arms concurrently and fuses their rankings.
// If one arm fails the others still count and Degraded is set; only when
// every arm fails does ErrRetrieverUnavailable surface. Cancellation aborts
// in-flight arms; partial results are used if at least one arm completed.
func (h *Hybrid) Search(ctx context.Context, query string, limit int) (Results, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if limit <= 0 {
		limit = 5
	}
	kArm := limit * armOverfetch

	var (
		mu   sync.Mutex
		arms []armResult
	)
	record := func(r armResult) {
		mu.Lock()
		arms = append(arms, r)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if h.engine == nil {
			record(armResult{name: "vector", err: memerr.ErrRetrieverUnavailable})
			return nil
		}
		queryEmbedding, err := h.engine.Embed(gctx, query)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Vector arm embed failed: %v", err)
			record(armResult{name: "vector", err: err})
			return nil
		}
		hits, err := h.graph.VectorSearch(gctx, h.user, queryEmbedding, kArm)
		record(armResult{name: "vector", hits: hits, err: err})
		return nil
	})

	g.Go(func() error {
		hits, err := h.graph.KeywordSearch(gctx, h.user, query, kArm)
		record(armResult{name: "keyword", hits: hits, err: err})
		return nil
	})

	g.Go(func() error {
		seeds, err := h.seedEntities(gctx, query)
		if err != nil {
			record(armResult{name: "graph", err: err})
			return nil
		}
		hits, err := h.graph.GraphSearch(gctx, h.user, seeds, kArm, h.maxHops)
		record(armResult{name: "graph", hits: hits, err: err})
		return nil
	})

	_ = g.Wait()

	if err := memerr.FromContext(ctx); err != nil {
		// A cancelled search may still answer from arms that finished.
		if !anyArmSucceeded(arms) {
			return Results{}, err
		}
	}
	if !anyArmSucceeded(arms) {
		logging.Get(logging.CategoryRetrieval).Error("All retriever arms failed")
		return Results{}, memerr.ErrRetrieverUnavailable
	}

	fused, degraded := h.fuse(arms, limit)
	results := h.hydrate(ctx, fused)
	logging.RetrievalDebug("Hybrid search %q returned %d results (degraded=%v)", query, len(results), degraded)
	return Results{Hits: results, Degraded: degraded}, nil
}

// seedEntities matches registered entity names against the query tokens.
// Exact matching is deliberately simple; fusion masks its weakness.
func (h *Hybrid) seedEntities(ctx context.Context, query string) ([]string, error) {
	entities, err := h.graph.EntitiesForUser(ctx, h.user)
	if err != nil {
		return nil, err
	}
	lower := " " + strings.ToLower(query) + " "
	var seeds []string
	for _, ent := range entities {
		name := strings.ToLower(ent.Name)
		if name == "" {
			continue
		}
		if strings.Contains(lower, " "+name+" ") || strings.Contains(lower, name) {
			seeds = append(seeds, ent.Name)
		}
	}
	return seeds, nil
}

type fusedHit struct {
	id        string
	score     float64
	createdAt int64
}

// fuse merges arm rankings with reciprocal-rank fusion:
// score(e) = sum over arms of w_arm / (kRRF + rank_arm(e)), rank infinite
// for misses. Ties break by recency, then identifier.
func (h *Hybrid) fuse(arms []armResult, limit int) ([]fusedHit, bool) {
	weightOf := map[string]float64{
		"vector":  h.weights.Vector,
		"keyword": h.weights.Keyword,
		"graph":   h.weights.Graph,
	}

	degraded := false
	scores := make(map[string]*fusedHit)
	for _, arm := range arms {
		if arm.err != nil {
			degraded = true
			continue
		}
		w := weightOf[arm.name]
		for rank, hit := range arm.hits {
			f, ok := scores[hit.EpisodeID]
			if !ok {
				f = &fusedHit{id: hit.EpisodeID, createdAt: hit.CreatedAt.UnixNano()}
				scores[hit.EpisodeID] = f
			}
			f.score += w / float64(kRRF+rank+1)
		}
	}

	fused := make([]fusedHit, 0, len(scores))
	for _, f := range scores {
		fused = append(fused, *f)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		if fused[i].createdAt != fused[j].createdAt {
			return fused[i].createdAt > fused[j].createdAt
		}
		return fused[i].id < fused[j].id
	})
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, degraded
}

// hydrate loads episode content for the fused ids and converts to the
// stable result record. Deleted episodes are dropped here as a final guard.
func (h *Hybrid) hydrate(ctx context.Context, fused []fusedHit) []types.RecallResult {
	results := make([]types.RecallResult, 0, len(fused))
	for _, f := range fused {
		ep, err := h.graph.GetEpisode(ctx, h.user, f.id)
		if err != nil || ep.Deleted {
			continue
		}
		source := "L2"
		if ep.Level == types.LevelL3 {
			source = "L3"
		}
		results = append(results, types.RecallResult{
			ID:        ep.ID,
			Content:   ep.Content,
			Score:     normalizeRRF(f.score),
			Source:    source,
			CreatedAt: ep.CreatedAt,
			Metadata: map[string]any{
				"summary":    ep.Summary,
				"importance": ep.Importance,
				"scale":      string(ep.Scale),
			},
		})
	}
	return results
}

// normalizeRRF maps a fused score into [0,1]. The maximum possible RRF score
// with weights summing to 1 is 1/(kRRF+1) (rank 1 in every arm).
func normalizeRRF(score float64) float64 {
	max := 1.0 / float64(kRRF+1)
	n := score / max
	if n > 1 {
		n = 1
	}
	return n
}

func anyArmSucceeded(arms []armResult) bool {
	for _, arm := range arms {
		if arm.err == nil {
			return true
		}
	}
	return false
}
