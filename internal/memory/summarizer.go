package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"fractalmem/internal/logging"
	"fractalmem/internal/types"
)

// SummaryResult is the synthesised record of one L0 batch.
type SummaryResult struct {
	Summary     string  `json:"summary"`
	Importance  float64 `json:"importance"`
	SourceCount int     `json:"source_count"`
}

// Summarizer condenses an L0 batch into one session summary.
type Summarizer interface {
	Summarize(ctx context.Context, episodes []types.Episode) (SummaryResult, error)
}

// Completer produces a completion for a prompt. The agent facade's
// completion provider satisfies this.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMSummarizer asks a completion provider for a JSON summary object and
// coerces the response; a response that resists parsing falls back to the
// deterministic summary.
type LLMSummarizer struct {
	Completer Completer
}

const summaryPromptHeader = `Summarize the following conversation turns into one session summary.
Respond with only a JSON object of the form
{"summary": "...", "importance": 0.0, "source_count": 0}
where importance is the overall importance in [0,1] and source_count is the
number of turns summarized.

Turns:
`

// Summarize submits the batch to the completion provider.
func (s LLMSummarizer) Summarize(ctx context.Context, episodes []types.Episode) (SummaryResult, error) {
	if len(episodes) == 0 {
		return SummaryResult{}, fmt.Errorf("no episodes to summarize")
	}
	if s.Completer == nil {
		return DeterministicSummarizer{}.Summarize(ctx, episodes)
	}

	var sb strings.Builder
	sb.WriteString(summaryPromptHeader)
	for i, ep := range episodes {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, ep.Content)
	}

	raw, err := s.Completer.Complete(ctx, sb.String())
	if err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("Summariser call failed, using deterministic fallback: %v", err)
		return DeterministicSummarizer{}.Summarize(ctx, episodes)
	}

	result, err := CoerceSummaryJSON(raw)
	if err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("Summariser response not coercible (%v), using deterministic fallback", err)
		return DeterministicSummarizer{}.Summarize(ctx, episodes)
	}

	if result.SourceCount <= 0 {
		result.SourceCount = len(episodes)
	}
	result.Importance = clamp01(result.Importance)
	if strings.TrimSpace(result.Summary) == "" {
		return DeterministicSummarizer{}.Summarize(ctx, episodes)
	}
	return result, nil
}

// CoerceSummaryJSON extracts the summary object from a raw model response.
// Leading code fences and non-JSON prefixes are stripped; remaining damage
// is handed to jsonrepair before giving up.
func CoerceSummaryJSON(raw string) (SummaryResult, error) {
	cleaned := stripFences(raw)
	if idx := strings.IndexByte(cleaned, '{'); idx > 0 {
		cleaned = cleaned[idx:]
	}
	if end := strings.LastIndexByte(cleaned, '}'); end >= 0 {
		cleaned = cleaned[:end+1]
	}

	var result SummaryResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	repaired, err := jsonrepair.JSONRepair(cleaned)
	if err != nil {
		return SummaryResult{}, fmt.Errorf("response is not JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &result); err != nil {
		return SummaryResult{}, fmt.Errorf("repaired response still not a summary object: %w", err)
	}
	return result, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

// DeterministicSummarizer concatenates first sentences and averages
// importance. Used when no completion provider is configured and as the
// coercion fallback.
type DeterministicSummarizer struct{}

// Summarize builds the fallback summary.
func (DeterministicSummarizer) Summarize(_ context.Context, episodes []types.Episode) (SummaryResult, error) {
	if len(episodes) == 0 {
		return SummaryResult{}, fmt.Errorf("no episodes to summarize")
	}

	sentences := make([]string, 0, len(episodes))
	total := 0.0
	for _, ep := range episodes {
		sentences = append(sentences, firstSentence(ep.Content))
		total += ep.Importance
	}
	return SummaryResult{
		Summary:     strings.Join(sentences, " "),
		Importance:  clamp01(total / float64(len(episodes))),
		SourceCount: len(episodes),
	}, nil
}

// firstSentence returns the text up to and including the first terminator.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
		if r == '\n' {
			return text[:i] + "."
		}
	}
	if text == "" {
		return text
	}
	return text + "."
}
