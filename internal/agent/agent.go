// Package agent composes the fractal memory, hybrid retriever, reasoning
// bank, and a completion provider into the per-turn fast path, and runs the
// background slow path (consolidation + garbage collection) under a
// process-owned supervisor.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fractalmem/internal/config"
	"fractalmem/internal/embedding"
	"fractalmem/internal/graph"
	"fractalmem/internal/logging"
	"fractalmem/internal/memory"
	"fractalmem/internal/reasoning"
	"fractalmem/internal/retriever"
	"fractalmem/internal/types"
	"fractalmem/internal/volatile"
)

// turnTimeout bounds one completion call.
const turnTimeout = 30 * time.Second

// replayQueueCap bounds the deferred-remember queue; overflow drops oldest.
const replayQueueCap = 100

// contextTokenBudget caps the recall snippets folded into the prompt.
// Tokens are approximated at four bytes each.
const contextTokenBudget = 2000

// fallbackResponse is the user-visible reply when the completion provider
// cannot produce one.
const fallbackResponse = "I'm having trouble forming a response right now; your message has been remembered."

// Deps are optional pre-built components. Any omitted ones are constructed
// from the configuration; ownership is tracked per component so Close only
// releases what the agent built itself.
type Deps struct {
	Volatile   volatile.Store
	Graph      *graph.Store
	Memory     *memory.Memory
	Retriever  *retriever.Hybrid
	Bank       *reasoning.Bank
	Completion CompletionProvider
	Embedder   embedding.Engine
}

// TurnResult is the fast-path return value.
type TurnResult struct {
	Response         string   `json:"response"`
	ContextCount     int      `json:"context_count"`
	StrategiesUsed   []string `json:"strategies_used"`
	ProcessingTimeMS float64  `json:"processing_time_ms"`
}

type replayItem struct {
	content    string
	importance float64
}

// Agent is the facade over the memory core.
type Agent struct {
	cfg        *config.Config
	store      volatile.Store
	graph      *graph.Store
	memory     *memory.Memory
	bank       *reasoning.Bank
	completion CompletionProvider

	ownsStore  bool
	ownsGraph  bool
	ownsMemory bool

	replayMu sync.Mutex
	replay   []replayItem

	supervisorOnce sync.Once
	stopCh         chan struct{}
	wg             sync.WaitGroup
	closeOnce      sync.Once
}

// New assembles an agent. cfg must be validated; deps may be zero-valued.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	a := &Agent{cfg: cfg, stopCh: make(chan struct{})}

	a.store = deps.Volatile
	if a.store == nil {
		if cfg.VolatileURL == "" {
			a.store = volatile.NewMemoryStore(cfg.L0Capacity)
		} else {
			rs, err := volatile.NewRedisStore(ctx, cfg.VolatileURL, cfg.L0Capacity)
			if err != nil {
				return nil, err
			}
			a.store = rs
		}
		a.ownsStore = true
	}

	a.graph = deps.Graph
	if a.graph == nil {
		gs, err := graph.Open(cfg.GraphURI, cfg.EmbeddingDimensions)
		if err != nil {
			if a.ownsStore {
				_ = a.store.Close()
			}
			return nil, err
		}
		a.graph = gs
		a.ownsGraph = true
	}

	embedder := deps.Embedder
	if embedder == nil && cfg.EmbeddingProvider != "" && cfg.EmbeddingProvider != "none" {
		eng, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.EmbeddingProvider,
			OllamaEndpoint: cfg.OllamaEndpoint,
			OllamaModel:    cfg.OllamaModel,
			GenAIAPIKey:    cfg.GenAIAPIKey,
			Dimensions:     cfg.EmbeddingDimensions,
		})
		if err != nil {
			logging.Get(logging.CategoryAgent).Warn("Embedding engine unavailable, vector arm disabled: %v", err)
		} else {
			embedder = eng
		}
	}

	a.completion = deps.Completion
	if a.completion == nil && cfg.GenAIAPIKey != "" {
		provider, err := NewGenAIProvider(cfg.GenAIAPIKey, cfg.CompletionModel)
		if err != nil {
			logging.Get(logging.CategoryAgent).Warn("Completion provider unavailable: %v", err)
		} else {
			a.completion = provider
		}
	}

	hybrid := deps.Retriever
	if hybrid == nil {
		hybrid = retriever.New(a.graph, embedder, cfg.UserID, retriever.Weights{
			Vector:  cfg.RetrievalWeights.Vector,
			Keyword: cfg.RetrievalWeights.Keyword,
			Graph:   cfg.RetrievalWeights.Graph,
		})
	}

	a.memory = deps.Memory
	if a.memory == nil {
		var summarizer memory.Summarizer
		if a.completion != nil {
			summarizer = memory.LLMSummarizer{Completer: a.completion}
		}
		a.memory = memory.New(memory.Options{
			UserID:              cfg.UserID,
			L0Capacity:          cfg.L0Capacity,
			L1TTL:               time.Duration(cfg.L1TTLDays) * 24 * time.Hour,
			BatchSize:           cfg.BatchSize,
			ImportanceThreshold: cfg.ImportanceThreshold,
			L2Threshold:         cfg.L2Threshold,
		}, a.store, a.graph, retrieverAdapter{hybrid}, summarizer, embedder)
		a.ownsMemory = true
	}

	a.bank = deps.Bank
	if a.bank == nil {
		a.bank = reasoning.New(reasoning.Options{
			UserID:                    cfg.UserID,
			ExperienceBufferSize:      cfg.ExperienceBufferSize,
			MinExperiencesForStrategy: cfg.MinExperiencesForStrategy,
			ExplorationRate:           cfg.ExplorationRate,
			ConfidenceBoost:           cfg.ConfidenceBoost,
			ConfidencePenalty:         cfg.ConfidencePenalty,
		}, a.graph)
	}

	logging.Agent("Agent assembled for user %s (owned: store=%v graph=%v memory=%v)",
		cfg.UserID, a.ownsStore, a.ownsGraph, a.ownsMemory)
	return a, nil
}

// retrieverAdapter bridges the hybrid retriever into the memory package's
// narrower interface.
type retrieverAdapter struct {
	h *retriever.Hybrid
}

func (r retrieverAdapter) Search(ctx context.Context, query string, limit int) ([]types.RecallResult, bool, error) {
	res, err := r.h.Search(ctx, query, limit)
	if err != nil {
		return nil, false, err
	}
	return res.Hits, res.Degraded, nil
}

// Memory exposes the composed memory core.
func (a *Agent) Memory() *memory.Memory { return a.memory }

// Bank exposes the composed reasoning bank.
func (a *Agent) Bank() *reasoning.Bank { return a.bank }

// Chat runs the per-turn fast path. Failures degrade instead of crashing:
// a failed recall yields empty context, a failed completion yields the
// fallback message, a failed user-turn remember is retried once inline and
// then deferred to the replay queue.
func (a *Agent) Chat(ctx context.Context, message string) (TurnResult, error) {
	timer := logging.StartTimer(logging.CategoryAgent, "Chat")
	defer timer.Stop()
	start := time.Now()

	message = strings.TrimSpace(message)
	if message == "" {
		return TurnResult{}, fmt.Errorf("message must not be empty")
	}

	// 1. Remember the user turn.
	if _, err := a.memory.Remember(ctx, message, 1.0, map[string]any{"role": "user"}); err != nil {
		if _, err2 := a.memory.Remember(ctx, message, 1.0, map[string]any{"role": "user"}); err2 != nil {
			logging.Get(logging.CategoryAgent).Warn("User-turn remember failed twice, deferring to replay queue: %v", err2)
			a.enqueueReplay(replayItem{content: message, importance: 1.0})
		}
	}

	// 2. Recall context.
	recalled, err := a.memory.Recall(ctx, message, a.cfg.RetrievalLimit, nil)
	if err != nil {
		logging.Get(logging.CategoryAgent).Warn("Recall failed, continuing with empty context: %v", err)
		recalled = nil
	}

	// 3. Strategy hints for task-like turns.
	var strategies []types.Strategy
	if isTask, taskType := classifyTask(message); isTask {
		strategies, err = a.bank.StrategiesFor(ctx, message, taskType, 2, false)
		if err != nil {
			logging.Get(logging.CategoryAgent).Warn("Strategy lookup failed: %v", err)
			strategies = nil
		}
	}

	// 4-5. Prompt + completion under the per-turn timeout.
	response := fallbackResponse
	if a.completion != nil {
		prompt := buildPrompt(message, recalled, strategies)
		tctx, cancel := context.WithTimeout(ctx, turnTimeout)
		text, err := a.completion.Complete(tctx, prompt)
		cancel()
		if err != nil {
			logging.Get(logging.CategoryAgent).Warn("Completion failed, returning fallback: %v", err)
		} else {
			response = text
		}
	}

	// 6. Remember the agent turn.
	if _, err := a.memory.Remember(ctx, response, 0.8, map[string]any{"role": "assistant"}); err != nil {
		logging.Get(logging.CategoryAgent).Warn("Agent-turn remember failed: %v", err)
	}

	used := make([]string, len(strategies))
	for i, st := range strategies {
		used[i] = st.Description
	}
	return TurnResult{
		Response:         response,
		ContextCount:     len(recalled),
		StrategiesUsed:   used,
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}, nil
}

// taskKeywords drive the task-classification heuristic; the first matching
// group names the task type.
var taskKeywords = []struct {
	taskType string
	words    []string
}{
	{"debugging", []string{"debug", "error", "fix", "broken", "crash", "fail"}},
	{"implementation", []string{"implement", "build", "create", "write", "add", "develop"}},
	{"deployment", []string{"deploy", "release", "ship", "rollout"}},
	{"analysis", []string{"analyze", "analyse", "investigate", "explain", "review"}},
}

func classifyTask(message string) (bool, string) {
	lower := strings.ToLower(message)
	for _, group := range taskKeywords {
		for _, w := range group.words {
			if strings.Contains(lower, w) {
				return true, group.taskType
			}
		}
	}
	if strings.Contains(lower, "how do i") || strings.Contains(lower, "help me") {
		return true, "general"
	}
	return false, ""
}

// buildPrompt assembles the system preamble, context snippets under the
// token budget, and up to two strategy hints rendered DO:/AVOID: by
// confidence.
func buildPrompt(message string, recalled []types.RecallResult, strategies []types.Strategy) string {
	var sb strings.Builder
	sb.WriteString("You are a helpful assistant with long-term memory of this user.\n")

	if len(recalled) > 0 {
		sb.WriteString("\nRelevant memories:\n")
		budget := contextTokenBudget * 4 // bytes
		for _, r := range recalled {
			snippet := r.Content
			if len(snippet) > budget {
				snippet = snippet[:budget]
			}
			sb.WriteString("- ")
			sb.WriteString(snippet)
			sb.WriteByte('\n')
			budget -= len(snippet)
			if budget <= 0 {
				break
			}
		}
	}

	if len(strategies) > 0 {
		sb.WriteString("\nStrategy hints:\n")
		for i, st := range strategies {
			if i >= 2 {
				break
			}
			if st.Confidence >= 0.5 && !st.AntiPattern {
				sb.WriteString("DO: ")
			} else {
				sb.WriteString("AVOID: ")
			}
			sb.WriteString(st.Description)
			sb.WriteByte('\n')
		}
	}

	sb.WriteString("\nUser: ")
	sb.WriteString(message)
	sb.WriteString("\nAssistant:")
	return sb.String()
}

func (a *Agent) enqueueReplay(item replayItem) {
	a.replayMu.Lock()
	defer a.replayMu.Unlock()
	if len(a.replay) >= replayQueueCap {
		a.replay = a.replay[1:]
	}
	a.replay = append(a.replay, item)
}

// drainReplay retries deferred remembers. Items that fail again go back to
// the queue for the next tick.
func (a *Agent) drainReplay(ctx context.Context) {
	a.replayMu.Lock()
	pending := a.replay
	a.replay = nil
	a.replayMu.Unlock()

	for _, item := range pending {
		if _, err := a.memory.Remember(ctx, item.content, item.importance, map[string]any{"role": "user", "replayed": true}); err != nil {
			a.enqueueReplay(item)
		}
	}
}

// ReplayQueueLen reports the deferred-remember backlog.
func (a *Agent) ReplayQueueLen() int {
	a.replayMu.Lock()
	defer a.replayMu.Unlock()
	return len(a.replay)
}

// StartSupervisor launches the background slow path: a consolidation tick
// every consolidation interval and a daily garbage-collection tick. The
// supervisor belongs to the process, never to a request scope, and stops on
// Close.
func (a *Agent) StartSupervisor() {
	a.supervisorOnce.Do(func() {
		interval := time.Duration(a.cfg.ConsolidationIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 300 * time.Second
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			consolidate := time.NewTicker(interval)
			gc := time.NewTicker(24 * time.Hour)
			defer consolidate.Stop()
			defer gc.Stop()
			for {
				select {
				case <-a.stopCh:
					return
				case <-consolidate.C:
					ctx, cancel := context.WithTimeout(context.Background(), interval)
					a.drainReplay(ctx)
					if _, err := a.memory.Consolidate(ctx); err != nil {
						logging.Get(logging.CategoryAgent).Warn("Background consolidation failed, retrying next tick: %v", err)
					}
					cancel()
				case <-gc.C:
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
					if _, err := a.memory.GarbageCollect(ctx, 7); err != nil {
						logging.Get(logging.CategoryAgent).Warn("Background GC failed: %v", err)
					}
					cancel()
				}
			}
		}()
		logging.Agent("Supervisor started (consolidation every %v)", interval)
	})
}

// Health reports per-component states for the health endpoint.
func (a *Agent) Health(ctx context.Context) map[string]string {
	states := make(map[string]string)

	if _, err := a.store.L0Len(ctx, a.cfg.UserID); err != nil {
		states["volatile_store"] = "unavailable"
	} else {
		states["volatile_store"] = "ok"
	}
	if _, err := a.graph.CountByLevel(ctx, a.cfg.UserID); err != nil {
		states["graph_store"] = "unavailable"
	} else {
		states["graph_store"] = "ok"
	}
	if a.completion == nil {
		states["completion"] = "unconfigured"
	} else {
		states["completion"] = "ok"
	}
	return states
}

// Close stops the supervisor and releases owned components only.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()
		if a.ownsMemory {
			if cerr := a.memory.Close(); cerr != nil {
				err = cerr
			}
		}
		if a.ownsGraph {
			if cerr := a.graph.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		if a.ownsStore {
			if cerr := a.store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		logging.Agent("Agent closed for user %s", a.cfg.UserID)
	})
	return err
}
