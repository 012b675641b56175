package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fractalmem/internal/types"
)

func TestConsolidateBatchPromotion(t *testing.T) {
	ctx := context.Background()
	m, store, gs := newTestMemory(t, Options{BatchSize: 3, L2Threshold: 0.001})

	for _, content := range []string{"alpha.", "beta.", "gamma."} {
		_, err := m.Remember(ctx, content, 0.9, nil)
		require.NoError(t, err)
	}

	counters, err := m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counters.L0ToL1)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.L0Size, "L0 drained")
	assert.Equal(t, 1, stats.L1Size, "one session summary")
	assert.Equal(t, 1, stats.L2Size, "one summary episode at L2")
	require.NotNil(t, stats.LastConsolidationAt)

	records, err := store.L1List(ctx, m.UserID(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].SourceCount)
	assert.Equal(t, types.SourceConversationSummary, records[0].Source)

	eps, err := gs.EpisodesByLevel(ctx, m.UserID(), types.LevelL2, 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, types.SourceConversationSummary, eps[0].Source)
	assert.Equal(t, types.ScaleMeso, eps[0].Scale)
}

func TestConsolidateDecayForgetting(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMemory(t, Options{ImportanceThreshold: 0.3, BatchSize: 100})

	old := types.NewEpisode(m.UserID(), "old thought", 0.2)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	old.LastAccessed = old.CreatedAt
	require.NoError(t, store.L0Append(ctx, m.UserID(), old))

	counters, err := m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Promoted)
	assert.Equal(t, 0, counters.Decayed)
	assert.Equal(t, 1, counters.Forgotten)

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.L0Size)
}

func TestConsolidateDecayKeepsImportantEntries(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMemory(t, Options{ImportanceThreshold: 0.3, BatchSize: 100})

	recent := types.NewEpisode(m.UserID(), "recent important thought", 0.9)
	recent.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.L0Append(ctx, m.UserID(), recent))

	counters, err := m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, counters.Forgotten)
	assert.Equal(t, 1, counters.Decayed)

	eps, err := store.L0Read(ctx, m.UserID(), 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Less(t, eps[0].Importance, 0.9, "importance decays")
	assert.Greater(t, eps[0].Importance, 0.3, "but survives the threshold")
}

func TestConsolidateDedupAtL2(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMemory(t, Options{L2Threshold: 0.5, BatchSize: 100})

	// Two L1 records with byte-identical summaries, both above the
	// promotion threshold.
	now := time.Now().UTC()
	for _, sid := range []string{"s1", "s2"} {
		require.NoError(t, store.L1Put(ctx, m.UserID(), types.L1Record{
			SessionID:   sid,
			Summary:     "identical session summary",
			Importance:  0.9,
			SourceCount: 2,
			CreatedAt:   now,
		}))
	}

	counters, err := m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.L1ToL2, "second record is a duplicate")

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.L2Size)
	assert.Zero(t, stats.L1Size, "both L1 records consumed")

	// Running again is idempotent: nothing left to promote.
	counters, err = m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Zero(t, counters.L1ToL2)
	stats, _ = m.GetStats(ctx)
	assert.Equal(t, 1, stats.L2Size)
}

func TestConsolidateForgetsAccessedStaleL2(t *testing.T) {
	ctx := context.Background()
	m, _, gs := newTestMemory(t, Options{ImportanceThreshold: 0.3, BatchSize: 100})

	// Stale and unimportant, but accessed in its day: consolidation's
	// forgetting step drops it anyway; only GC's sweep exempts accessed
	// episodes.
	stale := types.NewEpisode(m.UserID(), "once popular trivia", 0.1)
	stale.Level = types.LevelL2
	stale.AccessCount = 5
	stale.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, gs.UpsertEpisode(ctx, stale))

	counters, err := m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Forgotten)

	got, err := gs.GetEpisode(ctx, m.UserID(), stale.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted, "soft-deleted, not hard-deleted")
	require.NotNil(t, got.DeletedAt)
}

// blockingSummarizer parks the first caller until released so a second
// consolidation can be observed racing the first.
type blockingSummarizer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSummarizer) Summarize(ctx context.Context, eps []types.Episode) (SummaryResult, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return DeterministicSummarizer{}.Summarize(ctx, eps)
}

func TestConsolidateNonReentrant(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMemory(t, Options{BatchSize: 2})
	blocker := &blockingSummarizer{entered: make(chan struct{}), release: make(chan struct{})}
	m.summarizer = blocker

	_, err := m.Remember(ctx, "first turn.", 0.9, nil)
	require.NoError(t, err)
	_, err = m.Remember(ctx, "second turn.", 0.9, nil)
	require.NoError(t, err)

	type outcome struct {
		counters types.ConsolidationCounters
		err      error
	}
	first := make(chan outcome, 1)
	go func() {
		c, err := m.Consolidate(ctx)
		first <- outcome{c, err}
	}()

	// Wait until the first pass holds the lock inside the summariser.
	<-blocker.entered

	second, err := m.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ConsolidationCounters{}, second, "contending pass returns zero counters")

	close(blocker.release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, 2, got.counters.L0ToL1, "exactly one pass performed the work")

	// No duplicate L1 session was created.
	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.L1Size)

	// The lock is released: a later pass can run.
	_, err = m.Consolidate(ctx)
	require.NoError(t, err)
}

func TestConsolidateSummariserFailureReinstatesBatch(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestMemory(t, Options{BatchSize: 2})
	m.summarizer = failingSummarizer{}

	_, err := m.Remember(ctx, "precious turn one.", 0.9, nil)
	require.NoError(t, err)
	_, err = m.Remember(ctx, "precious turn two.", 0.9, nil)
	require.NoError(t, err)

	_, err = m.Consolidate(ctx)
	require.Error(t, err)

	eps, err := store.L0Read(ctx, m.UserID(), 10)
	require.NoError(t, err)
	assert.Len(t, eps, 2, "popped batch reinstated after summariser failure")
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []types.Episode) (SummaryResult, error) {
	return SummaryResult{}, assert.AnError
}

func TestAbstractionEmitsL3(t *testing.T) {
	ctx := context.Background()
	m, _, gs := newTestMemory(t, Options{L2Threshold: 0.5, BatchSize: 100})

	now := time.Now().UTC()
	ent := types.Entity{ID: "e-proj", UserID: m.UserID(), Name: "Project X", CreatedAt: now, LastAccessed: now}
	require.NoError(t, gs.UpsertEntity(ctx, ent))

	for i, content := range []string{
		"Project X kickoff went well.",
		"Project X milestone reached.",
		"Project X demo succeeded.",
	} {
		ep := types.NewEpisode(m.UserID(), content, 0.8)
		ep.Level = types.LevelL2
		ep.Scale = types.ScaleMeso
		ep.CreatedAt = now.Add(time.Duration(i) * time.Second)
		ep.EntityIDs = []string{"e-proj"}
		require.NoError(t, gs.UpsertEpisode(ctx, ep))
	}

	_, err := m.Consolidate(ctx)
	require.NoError(t, err)

	l3, err := gs.EpisodesByLevel(ctx, m.UserID(), types.LevelL3, 10)
	require.NoError(t, err)
	require.Len(t, l3, 1)
	assert.Equal(t, types.ScaleMacro, l3[0].Scale)
	assert.Contains(t, l3[0].Content, "Project X")

	// Constituents are left intact.
	l2, err := gs.EpisodesByLevel(ctx, m.UserID(), types.LevelL2, 10)
	require.NoError(t, err)
	assert.Len(t, l2, 3)

	// Re-running does not duplicate the abstraction.
	_, err = m.Consolidate(ctx)
	require.NoError(t, err)
	l3, err = gs.EpisodesByLevel(ctx, m.UserID(), types.LevelL3, 10)
	require.NoError(t, err)
	assert.Len(t, l3, 1)
}
