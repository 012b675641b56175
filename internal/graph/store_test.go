package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fractalmem/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEpisode(user, content string) types.Episode {
	now := time.Now().UTC()
	ep := types.NewEpisode(user, content, 0.8)
	ep.Level = types.LevelL2
	ep.Scale = types.ScaleMeso
	ep.CreatedAt = now
	ep.LastAccessed = now
	return ep
}

func TestMigrationsRecorded(t *testing.T) {
	store := openTestStore(t)

	rows, err := AppliedMigrations(store.DB())
	require.NoError(t, err)
	require.Len(t, rows, CurrentSchemaVersion)
	for i, m := range rows {
		assert.Equal(t, i+1, m.Version)
		assert.False(t, m.AppliedAt.IsZero())
	}

	// Re-running is a no-op.
	applied, err := RunMigrations(store.DB())
	require.NoError(t, err)
	assert.Zero(t, applied)
}

func TestUpsertEpisodeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "the first observation")
	require.NoError(t, store.UpsertEpisode(ctx, ep))
	require.NoError(t, store.UpsertEpisode(ctx, ep), "same id twice must not error")

	counts, err := store.CountByLevel(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.LevelL2])

	got, err := store.GetEpisode(ctx, "u1", ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.Content, got.Content)
	assert.Equal(t, types.ScaleMeso, got.Scale)
}

func TestUpsertEpisodeAddsMentions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ent := types.Entity{
		ID: "ent-1", UserID: "u1", Name: "Python", Type: "concept",
		Importance: 0.7, CreatedAt: time.Now().UTC(), LastAccessed: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertEntity(ctx, ent))

	ep := testEpisode("u1", "python type hints are great")
	ep.EntityIDs = []string{"ent-1"}
	require.NoError(t, store.UpsertEpisode(ctx, ep))

	mentions, err := store.MentionsOf(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ent-1"}, mentions)
}

func TestExistsDuplicate(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "identical content")
	require.NoError(t, store.UpsertEpisode(ctx, ep))

	dup, err := store.ExistsDuplicate(ctx, "u1", types.HashContent("identical content"))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = store.ExistsDuplicate(ctx, "u1", types.HashContent("different content"))
	require.NoError(t, err)
	assert.False(t, dup)

	// Other users never see the hash.
	dup, err = store.ExistsDuplicate(ctx, "u2", types.HashContent("identical content"))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSoftDeleteThenHardDeleteRespectsGrace(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "to be deleted")
	require.NoError(t, store.UpsertEpisode(ctx, ep))
	require.NoError(t, store.SoftDelete(ctx, "u1", ep.ID))

	// Within grace: nothing is physically removed.
	n, err := store.HardDeleteExpired(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past grace: the node goes away for good.
	n, err = store.HardDeleteExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetEpisode(ctx, "u1", ep.ID)
	assert.Error(t, err)
}

func TestHardDeleteNeverTouchesLiveEpisodes(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "alive and well")
	require.NoError(t, store.UpsertEpisode(ctx, ep))

	n, err := store.HardDeleteExpired(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := store.GetEpisode(ctx, "u1", ep.ID)
	require.NoError(t, err)
	assert.False(t, got.Deleted)
}

func TestApplyDecayIsMonotone(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "fading memory")
	ep.Importance = 0.8
	ep.LastAccessed = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.UpsertEpisode(ctx, ep))

	n, err := store.ApplyDecay(ctx, "u1", 0.5, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetEpisode(ctx, "u1", ep.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Importance, 1e-9)

	// A recently-accessed episode is left alone.
	fresh := testEpisode("u1", "fresh memory")
	require.NoError(t, store.UpsertEpisode(ctx, fresh))
	n, err = store.ApplyDecay(ctx, "u1", 0.5, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the idle episode decays")
}

func TestApplyDecayRejectsBadFactor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.ApplyDecay(ctx, "u1", 1.5, time.Hour)
	assert.Error(t, err)
}

func TestTouchAccessReinforces(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "frequently used")
	ep.Importance = 0.5
	require.NoError(t, store.UpsertEpisode(ctx, ep))

	require.NoError(t, store.TouchAccess(ctx, "u1", []string{ep.ID}, 0.05))

	got, err := store.GetEpisode(ctx, "u1", ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.InDelta(t, 0.55, got.Importance, 1e-9)

	// Reinforcement caps at 1.
	for i := 0; i < 20; i++ {
		require.NoError(t, store.TouchAccess(ctx, "u1", []string{ep.ID}, 0.05))
	}
	got, err = store.GetEpisode(ctx, "u1", ep.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, got.Importance, 1.0)
}

func TestSweepLowImportanceIgnoresAccessHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	stale := testEpisode("u1", "stale but once useful")
	stale.Importance = 0.1
	stale.AccessCount = 4
	stale.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, store.UpsertEpisode(ctx, stale))

	// The GC sweep spares it: it was accessed.
	swept, err := store.SweepSoftDelete(ctx, "u1", 0.3, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, swept)

	// Consolidation's forgetting sweep does not care about access history.
	swept, err = store.SweepLowImportance(ctx, "u1", 0.3, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	counts, err := store.CountByLevel(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, counts[types.LevelL2])
}

func TestSweepSoftDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	aged := testEpisode("u1", "old and unimportant")
	aged.Importance = 0.1
	aged.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, store.UpsertEpisode(ctx, aged))

	important := testEpisode("u1", "old but important")
	important.Importance = 0.9
	important.CreatedAt = time.Now().UTC().Add(-40 * 24 * time.Hour)
	require.NoError(t, store.UpsertEpisode(ctx, important))

	swept, err := store.SweepSoftDelete(ctx, "u1", 0.3, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	counts, err := store.CountByLevel(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.LevelL2])
}

func TestEpisodesByLevelScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.UpsertEpisode(ctx, testEpisode("alice", "alice memory")))
	require.NoError(t, store.UpsertEpisode(ctx, testEpisode("bob", "bob memory")))

	eps, err := store.EpisodesByLevel(ctx, "alice", types.LevelL2, 10)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "alice memory", eps[0].Content)
}

func TestStrategyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	now := time.Now().UTC()
	st := types.Strategy{
		ID: "st-1", UserID: "u1", Description: "For debugging: reproduce, bisect",
		TaskTypes: []string{"debugging"}, Confidence: 0.7, CreatedAt: now,
	}
	require.NoError(t, store.UpsertStrategy(ctx, st))

	got, err := store.GetStrategy(ctx, "u1", "st-1")
	require.NoError(t, err)
	assert.Equal(t, st.Description, got.Description)
	assert.Equal(t, []string{"debugging"}, got.TaskTypes)

	// Counter update persists through upsert.
	got.SuccessCount = 3
	got.Confidence = 0.85
	require.NoError(t, store.UpsertStrategy(ctx, got))
	again, err := store.GetStrategy(ctx, "u1", "st-1")
	require.NoError(t, err)
	assert.Equal(t, 3, again.SuccessCount)
	assert.InDelta(t, 0.85, again.Confidence, 1e-9)

	// Task-type filter and anti-pattern exclusion.
	anti := types.Strategy{
		ID: "st-2", UserID: "u1", Description: "AVOID for debugging: guess randomly",
		TaskTypes: []string{"debugging"}, Confidence: 0.1, AntiPattern: true, CreatedAt: now,
	}
	require.NoError(t, store.UpsertStrategy(ctx, anti))

	list, err := store.StrategiesForUser(ctx, "u1", "debugging", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "st-1", list[0].ID)

	antis, err := store.AntiPatterns(ctx, "u1", "debugging", 10)
	require.NoError(t, err)
	require.Len(t, antis, 1)
	assert.Equal(t, "st-2", antis[0].ID)

	// Other users see nothing.
	other, err := store.StrategiesForUser(ctx, "u2", "", true, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
