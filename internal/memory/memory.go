// Package memory orchestrates the tiered hierarchy: episodes enter at L0
// via Remember, are consolidated upward through L1 into the L2/L3 graph,
// decay by importance, and are eventually forgotten or garbage-collected.
// The package owns the tier invariants and user isolation; storage
// primitives are delegated to the volatile and graph adapters.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
	"fractalmem/internal/volatile"
)

// Decay half-lives per tier band.
const (
	l0HalfLife = 10 * time.Minute
	l1HalfLife = 6 * time.Hour
	l2HalfLife = 7 * 24 * time.Hour
)

// accessBump is the importance reinforcement applied on recall.
const accessBump = 0.05

// maxContentLength bounds a single episode's content.
const maxContentLength = 16384

// lowTierShrink is the factor applied to the graph-tier budget when the
// volatile tiers already satisfied the request.
const lowTierShrink = 0.5

// GraphStore is the slice of the graph adapter the orchestrator consumes.
type GraphStore interface {
	UpsertEpisode(ctx context.Context, ep types.Episode) error
	SoftDelete(ctx context.Context, user, nodeID string) error
	HardDeleteExpired(ctx context.Context, grace time.Duration) (int, error)
	SweepSoftDelete(ctx context.Context, user string, importanceBelow float64, olderThan time.Duration) (int, error)
	SweepLowImportance(ctx context.Context, user string, importanceBelow float64, olderThan time.Duration) (int, error)
	ApplyDecay(ctx context.Context, user string, factor float64, idleLongerThan time.Duration) (int, error)
	ExistsDuplicate(ctx context.Context, user, contentHash string) (bool, error)
	TouchAccess(ctx context.Context, user string, episodeIDs []string, bump float64) error
	EpisodesByLevel(ctx context.Context, user string, level, limit int) ([]types.Episode, error)
	CountByLevel(ctx context.Context, user string) (map[int]int, error)
	EntitiesForUser(ctx context.Context, user string) ([]types.Entity, error)
	MentionsOf(ctx context.Context, episodeID string) ([]string, error)
}

// Retriever is the hybrid L2/L3 search the recall cascade delegates to.
type Retriever interface {
	Search(ctx context.Context, query string, limit int) (hits []types.RecallResult, degraded bool, err error)
}

// Embedder generates episode embeddings at promotion time. Optional.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options configure a Memory instance.
type Options struct {
	UserID              string
	L0Capacity          int
	L1TTL               time.Duration
	BatchSize           int
	ImportanceThreshold float64
	L2Threshold         float64
	LockTTL             time.Duration
}

func (o *Options) fillDefaults() {
	if o.UserID == "" {
		o.UserID = "default"
	}
	if o.L0Capacity <= 0 {
		o.L0Capacity = 500
	}
	if o.L1TTL <= 0 {
		o.L1TTL = 30 * 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 15
	}
	if o.ImportanceThreshold == 0 {
		o.ImportanceThreshold = 0.3
	}
	if o.L2Threshold == 0 {
		o.L2Threshold = 0.7
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 60 * time.Second
	}
}

// Memory owns the tier hierarchy for one user.
type Memory struct {
	opts       Options
	store      volatile.Store
	graph      GraphStore
	retriever  Retriever
	embedder   Embedder
	summarizer Summarizer

	ownsStore bool
	ownsGraph bool

	lastConsolidation atomic.Int64 // unix nanos, 0 = never
	consolidating     atomic.Bool  // in-process async-trigger guard
	closed            atomic.Bool
	wg                sync.WaitGroup
}

// New assembles a Memory over the given adapters. Adapters are passed by
// reference and shared with other components; pass ownsStore/ownsGraph to
// transfer close responsibility.
func New(opts Options, store volatile.Store, graph GraphStore, retriever Retriever, summarizer Summarizer, embedder Embedder) *Memory {
	opts.fillDefaults()
	if summarizer == nil {
		summarizer = DeterministicSummarizer{}
	}
	return &Memory{
		opts:       opts,
		store:      store,
		graph:      graph,
		retriever:  retriever,
		embedder:   embedder,
		summarizer: summarizer,
	}
}

// SetOwnership marks which adapters Close should release.
func (m *Memory) SetOwnership(store, graph bool) {
	m.ownsStore = store
	m.ownsGraph = graph
}

// UserID returns the owning user.
func (m *Memory) UserID() string { return m.opts.UserID }

// Remember creates a fresh episode at L0. It never blocks on network
// beyond the volatile store; embeddings are generated later, at promotion.
// When the post-append log reaches the capacity an asynchronous
// consolidation tick is triggered, never an inline one.
func (m *Memory) Remember(ctx context.Context, content string, importance float64, metadata map[string]any) (string, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Remember")
	defer timer.Stop()

	content = strings.TrimSpace(content)
	if content == "" {
		return "", memerr.Validationf("content must not be empty")
	}
	if len(content) > maxContentLength {
		return "", memerr.Validationf("content exceeds %d bytes", maxContentLength)
	}
	if importance < 0 || importance > 1 {
		return "", memerr.Validationf("importance must be in [0,1], got %v", importance)
	}

	ep := types.NewEpisode(m.opts.UserID, content, importance)
	if len(metadata) > 0 {
		ep.Metadata = metadata
	}
	if err := m.store.L0Append(ctx, m.opts.UserID, ep); err != nil {
		return "", err
	}

	if n, err := m.store.L0Len(ctx, m.opts.UserID); err == nil && n >= m.opts.L0Capacity {
		m.triggerAsyncConsolidation()
	}

	logging.MemoryDebug("Remembered episode %s (importance=%.2f)", ep.ID, importance)
	return ep.ID, nil
}

// triggerAsyncConsolidation starts one background consolidation pass if
// none is already running in this process. Cross-process serialisation is
// the lock's job; this guard just stops a local stampede.
func (m *Memory) triggerAsyncConsolidation() {
	if m.closed.Load() || !m.consolidating.CompareAndSwap(false, true) {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.consolidating.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
		defer cancel()
		if _, err := m.Consolidate(ctx); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Async consolidation failed: %v", err)
		}
	}()
}

// Recall searches the tiers in cascade order: L0 by substring + recency,
// L1 by substring over summaries, then L2/L3 through the hybrid retriever.
// When the volatile tiers already produce a full page of high-scoring hits
// the graph-tier budget shrinks proportionally. Results are unioned and
// re-ranked by one normalised score; ties break by recency then identifier.
func (m *Memory) Recall(ctx context.Context, query string, limit int, tiers []int) ([]types.RecallResult, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Recall")
	defer timer.Stop()

	if strings.TrimSpace(query) == "" {
		return nil, memerr.Validationf("query must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}
	if len(tiers) == 0 {
		tiers = []int{0, 1, 2, 3}
	}
	want := make(map[int]bool, len(tiers))
	for _, t := range tiers {
		want[t] = true
	}

	now := time.Now().UTC()
	var results []types.RecallResult

	if want[types.LevelL0] {
		hits, err := m.recallL0(ctx, query, now)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("L0 recall failed: %v", err)
		} else {
			results = append(results, hits...)
		}
	}
	if want[types.LevelL1] {
		hits, err := m.recallL1(ctx, query, now)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("L1 recall failed: %v", err)
		} else {
			results = append(results, hits...)
		}
	}

	if want[types.LevelL2] || want[types.LevelL3] {
		budget := limit
		if countHighScoring(results, m.opts.ImportanceThreshold) >= limit {
			budget = int(math.Ceil(float64(limit) * lowTierShrink))
		}
		if m.retriever != nil && budget > 0 {
			hits, degraded, err := m.retriever.Search(ctx, query, budget)
			switch {
			case err != nil:
				// A failed graph-tier search degrades the read; volatile
				// hits still answer.
				logging.Get(logging.CategoryMemory).Warn("Graph-tier recall failed: %v", err)
			default:
				for _, hit := range hits {
					if hit.Source == "L2" && !want[types.LevelL2] {
						continue
					}
					if hit.Source == "L3" && !want[types.LevelL3] {
						continue
					}
					results = append(results, hit)
				}
				if degraded {
					logging.MemoryDebug("Graph-tier recall degraded")
				}
			}
		}
	}

	results = dedupeByID(results)
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	// Every returned record gets its access-count incremented and
	// last-accessed refreshed, whichever tier served it. Best-effort: a
	// failed update never poisons the read.
	m.touchRecalled(ctx, results)

	logging.MemoryDebug("Recall %q returned %d results", query, len(results))
	return results, nil
}

// touchRecalled partitions the returned records by tier and applies the
// access side effect to each store.
func (m *Memory) touchRecalled(ctx context.Context, results []types.RecallResult) {
	var l0IDs, l1IDs, graphIDs []string
	for _, r := range results {
		switch r.Source {
		case "L0":
			l0IDs = append(l0IDs, r.ID)
		case "L1":
			l1IDs = append(l1IDs, r.ID)
		case "L2", "L3":
			graphIDs = append(graphIDs, r.ID)
		}
	}

	if len(l0IDs) > 0 {
		if err := m.store.L0Touch(ctx, m.opts.UserID, l0IDs, accessBump); err != nil {
			logging.Get(logging.CategoryMemory).Warn("L0 access touch failed: %v", err)
		}
	}
	if len(l1IDs) > 0 {
		if err := m.store.L1Touch(ctx, m.opts.UserID, l1IDs); err != nil {
			logging.Get(logging.CategoryMemory).Warn("L1 access touch failed: %v", err)
		}
	}
	if len(graphIDs) > 0 {
		if err := m.graph.TouchAccess(ctx, m.opts.UserID, graphIDs, accessBump); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Graph access touch failed: %v", err)
		}
	}
}

// recallL0 scans the volatile log for substring matches.
func (m *Memory) recallL0(ctx context.Context, query string, now time.Time) ([]types.RecallResult, error) {
	eps, err := m.store.L0Read(ctx, m.opts.UserID, m.opts.L0Capacity)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var out []types.RecallResult
	for _, ep := range eps {
		if !strings.Contains(strings.ToLower(ep.Content), needle) {
			continue
		}
		out = append(out, types.RecallResult{
			ID:        ep.ID,
			Content:   ep.Content,
			Score:     clamp01(ep.Importance * recencyKernel(now.Sub(ep.CreatedAt), l0HalfLife)),
			Source:    "L0",
			CreatedAt: ep.CreatedAt,
			Metadata:  ep.Metadata,
		})
	}
	return out, nil
}

// recallL1 scans session summaries for substring matches.
func (m *Memory) recallL1(ctx context.Context, query string, now time.Time) ([]types.RecallResult, error) {
	records, err := m.store.L1List(ctx, m.opts.UserID, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var out []types.RecallResult
	for _, rec := range records {
		if !strings.Contains(strings.ToLower(rec.Summary), needle) {
			continue
		}
		out = append(out, types.RecallResult{
			ID:        rec.SessionID,
			Content:   rec.Summary,
			Score:     clamp01(rec.Importance * recencyKernel(now.Sub(rec.CreatedAt), l1HalfLife)),
			Source:    "L1",
			CreatedAt: rec.CreatedAt,
			Metadata:  map[string]any{"source_count": rec.SourceCount},
		})
	}
	return out, nil
}

// GetStats reports per-tier sizes and the last consolidation time.
func (m *Memory) GetStats(ctx context.Context) (types.MemoryStats, error) {
	var stats types.MemoryStats

	l0, err := m.store.L0Len(ctx, m.opts.UserID)
	if err != nil {
		return stats, err
	}
	l1, err := m.store.L1Len(ctx, m.opts.UserID)
	if err != nil {
		return stats, err
	}
	counts, err := m.graph.CountByLevel(ctx, m.opts.UserID)
	if err != nil {
		return stats, err
	}
	dropped, _ := m.store.L0Dropped(ctx, m.opts.UserID)

	stats.L0Size = l0
	stats.L1Size = l1
	stats.L2Size = counts[types.LevelL2]
	stats.L3Size = counts[types.LevelL3]
	stats.L0DroppedTotal = dropped
	if nanos := m.lastConsolidation.Load(); nanos > 0 {
		t := time.Unix(0, nanos).UTC()
		stats.LastConsolidationAt = &t
	}
	return stats, nil
}

// Close waits for background work and releases owned adapters only.
func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.wg.Wait()
	var err error
	if m.ownsStore {
		err = m.store.Close()
	}
	if m.ownsGraph {
		if closer, ok := m.graph.(interface{ Close() error }); ok {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
	}
	return err
}

// recencyKernel maps an age to (0,1] with exponential falloff.
func recencyKernel(age, halfLife time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(halfLife))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func countHighScoring(results []types.RecallResult, threshold float64) int {
	n := 0
	for _, r := range results {
		if r.Score >= threshold {
			n++
		}
	}
	return n
}

func dedupeByID(results []types.RecallResult) []types.RecallResult {
	seen := make(map[string]struct{}, len(results))
	out := results[:0]
	for _, r := range results {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}
