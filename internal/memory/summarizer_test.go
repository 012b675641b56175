package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fractalmem/internal/types"
)

func TestCoerceSummaryJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want SummaryResult
	}{
		{
			name: "clean json",
			raw:  `{"summary": "talked about go", "importance": 0.7, "source_count": 4}`,
			want: SummaryResult{Summary: "talked about go", Importance: 0.7, SourceCount: 4},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"summary\": \"fenced\", \"importance\": 0.5, \"source_count\": 2}\n```",
			want: SummaryResult{Summary: "fenced", Importance: 0.5, SourceCount: 2},
		},
		{
			name: "prose prefix",
			raw:  `Sure! Here is the summary: {"summary": "prefixed", "importance": 0.4, "source_count": 3}`,
			want: SummaryResult{Summary: "prefixed", Importance: 0.4, SourceCount: 3},
		},
		{
			name: "trailing comma repaired",
			raw:  `{"summary": "broken", "importance": 0.6, "source_count": 1,}`,
			want: SummaryResult{Summary: "broken", Importance: 0.6, SourceCount: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceSummaryJSON(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceSummaryJSONRejectsNonJSON(t *testing.T) {
	_, err := CoerceSummaryJSON("I could not produce a summary, sorry.")
	assert.Error(t, err)
}

func TestDeterministicSummarizer(t *testing.T) {
	eps := []types.Episode{
		{Content: "We discussed the roadmap. Then other things.", Importance: 0.6},
		{Content: "Deployment is scheduled for Friday", Importance: 0.8},
	}

	result, err := DeterministicSummarizer{}.Summarize(context.Background(), eps)
	require.NoError(t, err)
	assert.Equal(t, "We discussed the roadmap. Deployment is scheduled for Friday.", result.Summary)
	assert.InDelta(t, 0.7, result.Importance, 1e-9)
	assert.Equal(t, 2, result.SourceCount)

	_, err = DeterministicSummarizer{}.Summarize(context.Background(), nil)
	assert.Error(t, err)
}

// scriptedCompleter returns a canned response.
type scriptedCompleter struct {
	response string
	err      error
}

func (s scriptedCompleter) Complete(context.Context, string) (string, error) {
	return s.response, s.err
}

func TestLLMSummarizerCoercesResponse(t *testing.T) {
	eps := []types.Episode{
		{Content: "alpha.", Importance: 0.9},
		{Content: "beta.", Importance: 0.9},
	}

	t.Run("valid response used", func(t *testing.T) {
		s := LLMSummarizer{Completer: scriptedCompleter{
			response: "```json\n{\"summary\": \"alpha and beta\", \"importance\": 0.8, \"source_count\": 2}\n```",
		}}
		result, err := s.Summarize(context.Background(), eps)
		require.NoError(t, err)
		assert.Equal(t, "alpha and beta", result.Summary)
		assert.Equal(t, 0.8, result.Importance)
	})

	t.Run("garbage falls back to deterministic", func(t *testing.T) {
		s := LLMSummarizer{Completer: scriptedCompleter{response: "no json here at all"}}
		result, err := s.Summarize(context.Background(), eps)
		require.NoError(t, err)
		assert.Equal(t, "alpha. beta.", result.Summary)
		assert.Equal(t, 2, result.SourceCount)
	})

	t.Run("provider error falls back to deterministic", func(t *testing.T) {
		s := LLMSummarizer{Completer: scriptedCompleter{err: assert.AnError}}
		result, err := s.Summarize(context.Background(), eps)
		require.NoError(t, err)
		assert.Equal(t, 2, result.SourceCount)
	})

	t.Run("importance clamped", func(t *testing.T) {
		s := LLMSummarizer{Completer: scriptedCompleter{
			response: `{"summary": "overconfident", "importance": 7.5, "source_count": 2}`,
		}}
		result, err := s.Summarize(context.Background(), eps)
		require.NoError(t, err)
		assert.Equal(t, 1.0, result.Importance)
	})
}
