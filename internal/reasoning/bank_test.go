package reasoning

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fractalmem/internal/graph"
	"fractalmem/internal/types"
)

func newTestBank(t *testing.T, opts Options) (*Bank, *graph.Store) {
	t.Helper()
	if opts.UserID == "" {
		opts.UserID = "test-user"
	}
	gs, err := graph.Open(":memory:", 4)
	require.NoError(t, err)
	t.Cleanup(func() { gs.Close() })

	bank := New(opts, gs)
	bank.SetRandSource(rand.NewSource(1))
	return bank, gs
}

func successExperience(taskType, action string) types.Experience {
	return types.Experience{
		TaskDesc: "do the thing",
		TaskType: taskType,
		Action:   action,
		Outcome:  types.OutcomeSuccess,
	}
}

func TestLogExperiencePersistsAsEpisode(t *testing.T) {
	ctx := context.Background()
	bank, gs := newTestBank(t, Options{})

	exp := types.Experience{
		TaskDesc: "fix the flaky test",
		TaskType: "debugging",
		Action:   "reproduce locally then bisect",
		Outcome:  types.OutcomeFailure,
		Error:    "could not reproduce",
	}
	id, err := bank.LogExperience(ctx, exp)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ep, err := gs.GetEpisode(ctx, "test-user", id)
	require.NoError(t, err)
	assert.Equal(t, types.SourceExperienceLog, ep.Source)
	assert.Equal(t, 1.0, ep.Importance, "failures carry full importance")
	assert.Equal(t, types.OutcomeFailure, ep.Outcome)
	assert.Contains(t, ep.Content, "could not reproduce")

	okID, err := bank.LogExperience(ctx, successExperience("debugging", "read the logs"))
	require.NoError(t, err)
	okEp, err := gs.GetEpisode(ctx, "test-user", okID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, okEp.Importance)

	assert.Equal(t, 2, bank.BufferLen())
}

func TestLogExperienceValidation(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t, Options{})

	_, err := bank.LogExperience(ctx, types.Experience{TaskDesc: "  "})
	assert.Error(t, err)
}

func TestExtractStrategiesFromSuccesses(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t, Options{MinExperiencesForStrategy: 3})

	for i := 0; i < 3; i++ {
		_, err := bank.LogExperience(ctx, successExperience("debugging",
			fmt.Sprintf("reproduce failure locally then bisect commits attempt %d", i)))
		require.NoError(t, err)
	}

	created, err := bank.ExtractStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	st := created[0]
	assert.True(t, strings.HasPrefix(st.Description, "For debugging:"), st.Description)
	assert.Contains(t, st.Description, "reproduce")
	assert.Equal(t, []string{"debugging"}, st.TaskTypes)
	assert.InDelta(t, 0.8, st.Confidence, 1e-9, "0.5 + 0.1 x 3 successes")
	assert.False(t, st.AntiPattern)
	assert.Zero(t, bank.BufferLen(), "buffer cleared after extraction")
}

func TestExtractStrategiesAntiPatternFromFailures(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t, Options{MinExperiencesForStrategy: 3})

	for i := 0; i < 3; i++ {
		exp := types.Experience{
			TaskDesc: "ship it",
			TaskType: "deployment",
			Action:   fmt.Sprintf("deploy straight to production without canary %d", i),
			Outcome:  types.OutcomeFailure,
		}
		_, err := bank.LogExperience(ctx, exp)
		require.NoError(t, err)
	}

	created, err := bank.ExtractStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, created, 1)

	st := created[0]
	assert.True(t, strings.HasPrefix(st.Description, "AVOID for deployment:"), st.Description)
	assert.Equal(t, 0.1, st.Confidence)
	assert.True(t, st.AntiPattern)
}

func TestExtractStrategiesGroupingFloor(t *testing.T) {
	ctx := context.Background()
	bank, _ := newTestBank(t, Options{MinExperiencesForStrategy: 5})

	for i := 0; i < 3; i++ {
		_, err := bank.LogExperience(ctx, successExperience("debugging", "reproduce then bisect again"))
		require.NoError(t, err)
	}

	created, err := bank.ExtractStrategies(ctx)
	require.NoError(t, err)
	assert.Empty(t, created, "group below the floor yields nothing")
}

func TestExtractionRecordsEvolutionLink(t *testing.T) {
	ctx := context.Background()
	bank, gs := newTestBank(t, Options{MinExperiencesForStrategy: 2})

	for i := 0; i < 2; i++ {
		_, err := bank.LogExperience(ctx, successExperience("debugging", "reproduce failure then bisect"))
		require.NoError(t, err)
	}
	first, err := bank.ExtractStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)

	for i := 0; i < 2; i++ {
		_, err := bank.LogExperience(ctx, successExperience("debugging", "capture traces before bisecting commits"))
		require.NoError(t, err)
	}
	second, err := bank.ExtractStrategies(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].EvolvedFrom)

	stored, err := gs.GetStrategy(ctx, "test-user", second[0].ID)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, stored.EvolvedFrom)
}

func TestUpdateReinforcement(t *testing.T) {
	ctx := context.Background()
	bank, gs := newTestBank(t, Options{ConfidenceBoost: 0.05, ConfidencePenalty: 0.10})

	st := types.Strategy{
		ID: "st-1", UserID: "test-user", Description: "For debugging: bisect",
		TaskTypes: []string{"debugging"}, Confidence: 0.5, CreatedAt: nowUTC(),
	}
	require.NoError(t, gs.UpsertStrategy(ctx, st))

	t.Run("success boosts", func(t *testing.T) {
		require.NoError(t, bank.Update(ctx, "st-1", types.OutcomeSuccess))
		got, err := gs.GetStrategy(ctx, "test-user", "st-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.SuccessCount)
		assert.InDelta(t, 0.55, got.Confidence, 1e-9)
		assert.NotNil(t, got.LastUsedAt)
	})

	t.Run("failure penalises", func(t *testing.T) {
		require.NoError(t, bank.Update(ctx, "st-1", types.OutcomeFailure))
		got, err := gs.GetStrategy(ctx, "test-user", "st-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.FailureCount)
		assert.InDelta(t, 0.45, got.Confidence, 1e-9)
	})

	t.Run("counters never decrease", func(t *testing.T) {
		before, err := gs.GetStrategy(ctx, "test-user", "st-1")
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			outcome := types.OutcomeSuccess
			if i%2 == 0 {
				outcome = types.OutcomeFailure
			}
			require.NoError(t, bank.Update(ctx, "st-1", outcome))
			got, err := gs.GetStrategy(ctx, "test-user", "st-1")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got.SuccessCount, before.SuccessCount)
			assert.GreaterOrEqual(t, got.FailureCount, before.FailureCount)
			assert.GreaterOrEqual(t, got.Confidence, 0.0)
			assert.LessOrEqual(t, got.Confidence, 1.0)
			before = got
		}
	})

	t.Run("compounding penalty past five failures", func(t *testing.T) {
		heavy := types.Strategy{
			ID: "st-2", UserID: "test-user", Description: "For x: y",
			TaskTypes: []string{"x"}, Confidence: 1.0, FailureCount: 6, CreatedAt: nowUTC(),
		}
		require.NoError(t, gs.UpsertStrategy(ctx, heavy))

		require.NoError(t, bank.Update(ctx, "st-2", types.OutcomeFailure))
		got, err := gs.GetStrategy(ctx, "test-user", "st-2")
		require.NoError(t, err)
		assert.InDelta(t, 0.8, got.Confidence, 1e-9, "two decrements applied")
	})

	t.Run("unknown outcome rejected", func(t *testing.T) {
		assert.Error(t, bank.Update(ctx, "st-1", types.OutcomePartial))
	})
}

func TestSelectEpsilonGreedy(t *testing.T) {
	ctx := context.Background()
	bank, gs := newTestBank(t, Options{ExplorationRate: 0})

	low := types.Strategy{ID: "st-low", UserID: "test-user", Description: "For general: slow path",
		TaskTypes: []string{"general"}, Confidence: 0.3, CreatedAt: nowUTC()}
	high := types.Strategy{ID: "st-high", UserID: "test-user", Description: "For general: fast path",
		TaskTypes: []string{"general"}, Confidence: 0.9, CreatedAt: nowUTC()}
	anti := types.Strategy{ID: "st-anti", UserID: "test-user", Description: "AVOID for general: bad path",
		TaskTypes: []string{"general"}, Confidence: 0.1, AntiPattern: true, CreatedAt: nowUTC()}
	for _, st := range []types.Strategy{low, high, anti} {
		require.NoError(t, gs.UpsertStrategy(ctx, st))
	}

	t.Run("exploit picks max confidence", func(t *testing.T) {
		picked, err := bank.Select(ctx, "anything", "general")
		require.NoError(t, err)
		require.NotNil(t, picked)
		assert.Equal(t, "st-high", picked.ID)
	})

	t.Run("anti-patterns never selected", func(t *testing.T) {
		explorer, _ := newTestBank(t, Options{ExplorationRate: 1})
		require.NoError(t, explorer.graph.UpsertStrategy(ctx, low))
		require.NoError(t, explorer.graph.UpsertStrategy(ctx, anti))
		for i := 0; i < 20; i++ {
			picked, err := explorer.Select(ctx, "anything", "general")
			require.NoError(t, err)
			require.NotNil(t, picked)
			assert.False(t, picked.AntiPattern)
		}
	})

	t.Run("no candidates yields nil", func(t *testing.T) {
		picked, err := bank.Select(ctx, "anything", "unseen-type")
		require.NoError(t, err)
		assert.Nil(t, picked)
	})
}

func TestStrategiesForExcludesAntiByDefault(t *testing.T) {
	ctx := context.Background()
	bank, gs := newTestBank(t, Options{})

	keep := types.Strategy{ID: "st-ok", UserID: "test-user", Description: "For general: good",
		TaskTypes: []string{"general"}, Confidence: 0.8, CreatedAt: nowUTC()}
	anti := types.Strategy{ID: "st-bad", UserID: "test-user", Description: "AVOID for general: bad",
		TaskTypes: []string{"general"}, Confidence: 0.1, AntiPattern: true, CreatedAt: nowUTC()}
	require.NoError(t, gs.UpsertStrategy(ctx, keep))
	require.NoError(t, gs.UpsertStrategy(ctx, anti))

	list, err := bank.StrategiesFor(ctx, "anything", "general", 10, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "st-ok", list[0].ID)

	list, err = bank.StrategiesFor(ctx, "anything", "general", 10, true)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	antis, err := bank.AntiPatterns(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, antis, 1)
	assert.Equal(t, "st-bad", antis[0].ID)
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	bank, gs := newTestBank(t, Options{})

	st := types.Strategy{ID: "st-old", UserID: "test-user", Description: "For general: outdated",
		TaskTypes: []string{"general"}, Confidence: 0.7, CreatedAt: nowUTC()}
	require.NoError(t, gs.UpsertStrategy(ctx, st))

	require.NoError(t, bank.Retire(ctx, "st-old"))
	got, err := gs.GetStrategy(ctx, "test-user", "st-old")
	require.NoError(t, err)
	assert.Zero(t, got.Confidence)
	assert.True(t, got.AntiPattern)
	assert.False(t, got.Deleted, "retired strategies are kept, never deleted")
}

func TestCommonKeywordSignature(t *testing.T) {
	exps := []types.Experience{
		{Action: "reproduce failure locally then bisect"},
		{Action: "reproduce the bug then bisect commits"},
		{Action: "write a regression test"},
	}
	sig := commonKeywordSignature(exps)
	assert.Contains(t, sig, "reproduce")
	assert.Contains(t, sig, "bisect")
	assert.NotContains(t, sig, "bug", "short tokens excluded")
	assert.NotContains(t, sig, "regression", "minority tokens excluded")
}

func nowUTC() time.Time { return time.Now().UTC() }
