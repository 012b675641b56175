// Package reasoning is the persistent store of task strategies and the
// outcomes of their application. Experiences are logged per attempt,
// recurring patterns are extracted into strategies, and confidence is
// updated by reinforcement on observed success/failure.
package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// signatureTokens is how many common keywords a strategy description keeps.
const signatureTokens = 5

// compoundingFailureFloor is the failure count past which a failure update
// applies a second, compounding decrement.
const compoundingFailureFloor = 5

// GraphStore is the slice of the graph adapter the bank consumes.
// Strategies and experiences persist as type-tagged episodes so user
// isolation and recall work uniformly.
type GraphStore interface {
	UpsertEpisode(ctx context.Context, ep types.Episode) error
	UpsertStrategy(ctx context.Context, st types.Strategy) error
	GetStrategy(ctx context.Context, user, id string) (types.Strategy, error)
	StrategiesForUser(ctx context.Context, user, taskType string, includeAnti bool, limit int) ([]types.Strategy, error)
	AntiPatterns(ctx context.Context, user, taskType string, limit int) ([]types.Strategy, error)
}

// Options configure a Bank.
type Options struct {
	UserID                    string
	ExperienceBufferSize      int
	MinExperiencesForStrategy int
	ExplorationRate           float64
	ConfidenceBoost           float64
	ConfidencePenalty         float64
}

func (o *Options) fillDefaults() {
	if o.UserID == "" {
		o.UserID = "default"
	}
	if o.ExperienceBufferSize <= 0 {
		o.ExperienceBufferSize = 100
	}
	if o.MinExperiencesForStrategy <= 0 {
		o.MinExperiencesForStrategy = 3
	}
	if o.ExplorationRate == 0 {
		o.ExplorationRate = 0.1
	}
	if o.ConfidenceBoost == 0 {
		o.ConfidenceBoost = 0.05
	}
	if o.ConfidencePenalty == 0 {
		o.ConfidencePenalty = 0.10
	}
}

// Bank records attempts and maintains the strategy lifecycle for one user.
// The in-memory experience buffer is mutable only from within the bank; all
// other access goes through operations.
type Bank struct {
	opts  Options
	graph GraphStore

	mu     sync.Mutex
	buffer []types.Experience
	rng    *rand.Rand
}

// New creates a Bank over the shared graph store.
func New(opts Options, graph GraphStore) *Bank {
	opts.fillDefaults()
	return &Bank{
		opts:  opts,
		graph: graph,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRandSource replaces the exploration source; tests pin it.
func (b *Bank) SetRandSource(src rand.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rng = rand.New(src)
}

// LogExperience appends one attempt to the buffer and persists it as an
// episode tagged experience_log. Failures carry importance 1.0, other
// outcomes 0.8. A full buffer triggers strategy extraction.
func (b *Bank) LogExperience(ctx context.Context, exp types.Experience) (string, error) {
	timer := logging.StartTimer(logging.CategoryReasoning, "LogExperience")
	defer timer.Stop()

	if strings.TrimSpace(exp.TaskDesc) == "" {
		return "", memerr.Validationf("experience requires a task description")
	}
	if exp.TaskType == "" {
		exp.TaskType = "general"
	}
	if exp.Outcome == "" {
		exp.Outcome = types.OutcomeUnknown
	}
	exp.ID = uuid.NewString()
	exp.UserID = b.opts.UserID
	exp.Timestamp = time.Now().UTC()

	importance := 0.8
	if exp.Outcome == types.OutcomeFailure {
		importance = 1.0
	}

	payload, err := json.Marshal(exp)
	if err != nil {
		return "", memerr.Validationf("experience not serialisable: %v", err)
	}
	ep := types.Episode{
		ID:           exp.ID,
		UserID:       b.opts.UserID,
		Content:      string(payload),
		Summary:      fmt.Sprintf("%s attempt: %s", exp.TaskType, exp.TaskDesc),
		Source:       types.SourceExperienceLog,
		CreatedAt:    exp.Timestamp,
		LastAccessed: exp.Timestamp,
		Importance:   importance,
		Level:        types.LevelL2,
		Outcome:      exp.Outcome,
		Scale:        types.ScaleMicro,
	}
	if err := b.graph.UpsertEpisode(ctx, ep); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.buffer = append(b.buffer, exp)
	full := len(b.buffer) >= b.opts.ExperienceBufferSize
	b.mu.Unlock()

	if full {
		if _, err := b.ExtractStrategies(ctx); err != nil {
			logging.Get(logging.CategoryReasoning).Warn("Strategy extraction failed: %v", err)
		}
	}

	logging.ReasoningDebug("Logged experience %s (%s/%s)", exp.ID, exp.TaskType, exp.Outcome)
	return exp.ID, nil
}

// BufferLen reports the current experience buffer length.
func (b *Bank) BufferLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// ExtractStrategies groups the buffer by task type and derives a strategy
// per side (success / failure) with enough members. The buffer is cleared
// only when extraction succeeded.
func (b *Bank) ExtractStrategies(ctx context.Context) ([]types.Strategy, error) {
	timer := logging.StartTimer(logging.CategoryReasoning, "ExtractStrategies")
	defer timer.Stop()

	b.mu.Lock()
	snapshot := make([]types.Experience, len(b.buffer))
	copy(snapshot, b.buffer)
	b.mu.Unlock()

	groups := make(map[string][]types.Experience)
	for _, exp := range snapshot {
		groups[exp.TaskType] = append(groups[exp.TaskType], exp)
	}

	var created []types.Strategy
	for taskType, group := range groups {
		if len(group) < b.opts.MinExperiencesForStrategy {
			continue
		}
		var successes, failures []types.Experience
		for _, exp := range group {
			switch exp.Outcome {
			case types.OutcomeSuccess:
				successes = append(successes, exp)
			case types.OutcomeFailure:
				failures = append(failures, exp)
			}
		}

		if len(successes) >= 2 {
			if sig := commonKeywordSignature(successes); len(sig) > 0 {
				st, err := b.emitStrategy(ctx, taskType,
					fmt.Sprintf("For %s: %s", taskType, strings.Join(sig, ", ")),
					minFloat(0.9, 0.5+0.1*float64(len(successes))), false)
				if err != nil {
					return created, err
				}
				created = append(created, st)
			}
		}
		if len(failures) >= 2 {
			if sig := commonKeywordSignature(failures); len(sig) > 0 {
				st, err := b.emitStrategy(ctx, taskType,
					fmt.Sprintf("AVOID for %s: %s", taskType, strings.Join(sig, ", ")),
					0.1, true)
				if err != nil {
					return created, err
				}
				created = append(created, st)
			}
		}
	}

	b.mu.Lock()
	b.buffer = b.buffer[:0]
	b.mu.Unlock()

	if len(created) > 0 {
		logging.Reasoning("Extracted %d strategies from %d buffered experiences", len(created), len(snapshot))
	}
	return created, nil
}

// emitStrategy persists a new strategy row and its backing episode. When a
// prior strategy of the same polarity exists for the task type, the new one
// records the evolution link.
func (b *Bank) emitStrategy(ctx context.Context, taskType, description string, confidence float64, antiPattern bool) (types.Strategy, error) {
	now := time.Now().UTC()
	st := types.Strategy{
		ID:          uuid.NewString(),
		UserID:      b.opts.UserID,
		Description: description,
		TaskTypes:   []string{taskType},
		Confidence:  confidence,
		CreatedAt:   now,
		AntiPattern: antiPattern,
	}

	existing, err := b.graph.StrategiesForUser(ctx, b.opts.UserID, taskType, antiPattern, 10)
	if err == nil {
		for _, prev := range existing {
			if prev.AntiPattern == antiPattern {
				st.EvolvedFrom = prev.ID
				break
			}
		}
	}

	if err := b.graph.UpsertStrategy(ctx, st); err != nil {
		return st, err
	}

	payload, _ := json.Marshal(st)
	ep := types.Episode{
		ID:           st.ID,
		UserID:       b.opts.UserID,
		Content:      string(payload),
		Summary:      description,
		Source:       types.SourceStrategy,
		CreatedAt:    now,
		LastAccessed: now,
		Importance:   confidence,
		Level:        types.LevelL2,
		Outcome:      types.OutcomeNone,
		Scale:        types.ScaleMeso,
	}
	if err := b.graph.UpsertEpisode(ctx, ep); err != nil {
		return st, err
	}
	return st, nil
}

// StrategiesFor returns strategies ranked by confidence plus description
// overlap with the task. Anti-patterns appear only when requested.
func (b *Bank) StrategiesFor(ctx context.Context, taskDescription, taskType string, limit int, includeAnti bool) ([]types.Strategy, error) {
	timer := logging.StartTimer(logging.CategoryReasoning, "StrategiesFor")
	defer timer.Stop()

	if limit <= 0 {
		limit = 5
	}
	candidates, err := b.graph.StrategiesForUser(ctx, b.opts.UserID, taskType, includeAnti, limit*4)
	if err != nil {
		return nil, err
	}

	taskTokens := tokenize(taskDescription)
	type scored struct {
		st    types.Strategy
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, st := range candidates {
		overlap := tokenOverlap(taskTokens, tokenize(st.Description))
		ranked = append(ranked, scored{st: st, score: st.Confidence + 0.2*overlap})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].st.ID < ranked[j].st.ID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]types.Strategy, len(ranked))
	for i, r := range ranked {
		out[i] = r.st
	}
	return out, nil
}

// Select picks a strategy ε-greedily: with probability ε a uniform pick
// among non-anti-pattern candidates, otherwise the max-confidence one.
// Returns nil when no candidate exists.
func (b *Bank) Select(ctx context.Context, taskDescription, taskType string) (*types.Strategy, error) {
	candidates, err := b.StrategiesFor(ctx, taskDescription, taskType, 10, false)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	b.mu.Lock()
	explore := b.rng.Float64() < b.opts.ExplorationRate
	var pick int
	if explore {
		pick = b.rng.Intn(len(candidates))
	}
	b.mu.Unlock()

	if !explore {
		pick = 0
		for i, st := range candidates {
			if st.Confidence > candidates[pick].Confidence {
				pick = i
			}
		}
	}
	st := candidates[pick]
	logging.ReasoningDebug("Selected strategy %s (explore=%v, confidence=%.2f)", st.ID, explore, st.Confidence)
	return &st, nil
}

// Update reinforces a strategy from an observed outcome. Counters only ever
// grow; confidence stays in [0,1]. A strategy with more than five recorded
// failures takes a second, compounding decrement on the same call.
func (b *Bank) Update(ctx context.Context, strategyID string, outcome types.Outcome) error {
	timer := logging.StartTimer(logging.CategoryReasoning, "Update")
	defer timer.Stop()

	st, err := b.graph.GetStrategy(ctx, b.opts.UserID, strategyID)
	if err != nil {
		return err
	}

	switch outcome {
	case types.OutcomeSuccess:
		st.SuccessCount++
		st.Confidence = minFloat(1.0, st.Confidence+b.opts.ConfidenceBoost)
	case types.OutcomeFailure:
		st.FailureCount++
		st.Confidence = maxFloat(0.0, st.Confidence-b.opts.ConfidencePenalty)
		if st.FailureCount > compoundingFailureFloor {
			st.Confidence = maxFloat(0.0, st.Confidence-b.opts.ConfidencePenalty)
		}
	default:
		return memerr.Validationf("outcome must be success or failure, got %q", outcome)
	}
	now := time.Now().UTC()
	st.LastUsedAt = &now

	if err := b.graph.UpsertStrategy(ctx, st); err != nil {
		return err
	}
	logging.ReasoningDebug("Updated strategy %s: outcome=%s confidence=%.2f (s=%d f=%d)",
		st.ID, outcome, st.Confidence, st.SuccessCount, st.FailureCount)
	return nil
}

// Retire collapses a strategy to confidence zero and flags it as an
// anti-pattern. Strategies are never deleted.
func (b *Bank) Retire(ctx context.Context, strategyID string) error {
	st, err := b.graph.GetStrategy(ctx, b.opts.UserID, strategyID)
	if err != nil {
		return err
	}
	st.Confidence = 0
	st.AntiPattern = true
	return b.graph.UpsertStrategy(ctx, st)
}

// AntiPatterns lists flagged or collapsed strategies.
func (b *Bank) AntiPatterns(ctx context.Context, taskType string, limit int) ([]types.Strategy, error) {
	return b.graph.AntiPatterns(ctx, b.opts.UserID, taskType, limit)
}

// commonKeywordSignature ranks tokens longer than three characters that
// appear in more than half of the action texts.
func commonKeywordSignature(exps []types.Experience) []string {
	counts := make(map[string]int)
	for _, exp := range exps {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(exp.Action) {
			if len(tok) <= 3 {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			counts[tok]++
		}
	}

	half := len(exps) / 2
	type freq struct {
		tok string
		n   int
	}
	var ranked []freq
	for tok, n := range counts {
		if n > half {
			ranked = append(ranked, freq{tok, n})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].tok < ranked[j].tok
	})
	if len(ranked) > signatureTokens {
		ranked = ranked[:signatureTokens]
	}
	out := make([]string, len(ranked))
	for i, f := range ranked {
		out[i] = f.tok
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, tok := range a {
		set[tok] = struct{}{}
	}
	matches := 0
	for _, tok := range b {
		if _, ok := set[tok]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(b))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
