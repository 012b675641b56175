package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fractalmem/internal/types"
)

func TestKeywordSearchFindsContentTokens(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	hit := testEpisode("u1", "python type hints are great")
	miss := testEpisode("u1", "cooking pasta for dinner")
	require.NoError(t, store.UpsertEpisode(ctx, hit))
	require.NoError(t, store.UpsertEpisode(ctx, miss))

	hits, err := store.KeywordSearch(ctx, "u1", "python typing", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, hit.ID, hits[0].EpisodeID)
}

func TestKeywordSearchScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.UpsertEpisode(ctx, testEpisode("alice", "alice secret topic")))

	hits, err := store.KeywordSearch(ctx, "bob", "secret topic", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordSearchExcludesDeleted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ep := testEpisode("u1", "soon to vanish entirely")
	require.NoError(t, store.UpsertEpisode(ctx, ep))
	require.NoError(t, store.SoftDelete(ctx, "u1", ep.ID))

	hits, err := store.KeywordSearch(ctx, "u1", "vanish entirely", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestVectorSearchBruteForceRanksByCosine(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	near := testEpisode("u1", "semantically near")
	near.Embedding = []float32{1, 0, 0, 0}
	far := testEpisode("u1", "semantically far")
	far.Embedding = []float32{0, 1, 0, 0}
	require.NoError(t, store.UpsertEpisode(ctx, near))
	require.NoError(t, store.UpsertEpisode(ctx, far))

	hits, err := store.VectorSearch(ctx, "u1", []float32{0.9, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near.ID, hits[0].EpisodeID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestVectorSearchRequiresEmbedding(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.VectorSearch(ctx, "u1", nil, 5)
	assert.Error(t, err)
}

func TestGraphSearchTraversal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC()

	python := types.Entity{ID: "e-python", UserID: "u1", Name: "Python", CreatedAt: now, LastAccessed: now}
	typing := types.Entity{ID: "e-typing", UserID: "u1", Name: "typing", CreatedAt: now, LastAccessed: now}
	require.NoError(t, store.UpsertEntity(ctx, python))
	require.NoError(t, store.UpsertEntity(ctx, typing))
	require.NoError(t, store.RelateEntities(ctx, types.EntityRelation{
		FromID: "e-python", ToID: "e-typing", Type: "related", Strength: 0.9,
	}))

	direct := testEpisode("u1", "episode about python itself")
	direct.EntityIDs = []string{"e-python"}
	require.NoError(t, store.UpsertEpisode(ctx, direct))

	oneHop := testEpisode("u1", "episode about typing only")
	oneHop.EntityIDs = []string{"e-typing"}
	require.NoError(t, store.UpsertEpisode(ctx, oneHop))

	hits, err := store.GraphSearch(ctx, "u1", []string{"Python"}, 10, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, direct.ID, hits[0].EpisodeID, "hop-0 episode outranks hop-1")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestGraphSearchNoSeeds(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	hits, err := store.GraphSearch(ctx, "u1", nil, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.GraphSearch(ctx, "u1", []string{"Unknown"}, 10, 2)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSQuerySanitisation(t *testing.T) {
	assert.Equal(t, `"python" OR "typing"`, ftsQuery("python typing"))
	assert.Equal(t, `"drop" OR "table"`, ftsQuery(`"DROP TABLE"; --`))
	assert.Empty(t, ftsQuery("a ! ?"))
}
