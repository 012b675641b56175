// Package types defines the shared records of the hierarchical memory core:
// episodes, entities, strategies, experiences, and the stable recall result
// shuttled between tiers and the retriever.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Tier levels.
const (
	LevelL0 = 0 // volatile per-user log
	LevelL1 = 1 // volatile session summaries
	LevelL2 = 2 // durable per-episode graph
	LevelL3 = 3 // durable abstractive graph
)

// Outcome classifies the result of the interaction an episode captured.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
	OutcomeUnknown Outcome = "unknown"
	OutcomeNone    Outcome = "none"
)

// Scale classifies the granularity of an episode.
type Scale string

const (
	ScaleMicro Scale = "micro"
	ScaleMeso  Scale = "meso"
	ScaleMacro Scale = "macro"
)

// Episode source tags.
const (
	SourceConversation        = "conversation"
	SourceConversationSummary = "conversation_summary"
	SourceBatchSummary        = "batch_summary"
	SourceExperienceLog       = "experience_log"
	SourceStrategy            = "strategy"
	SourceAbstraction         = "abstraction"
)

// Episode is a single dated textual observation.
type Episode struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Content      string         `json:"content"`
	Summary      string         `json:"summary,omitempty"`
	Source       string         `json:"source"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
	Importance   float64        `json:"importance"`
	AccessCount  int            `json:"access_count"`
	Level        int            `json:"level"`
	Outcome      Outcome        `json:"outcome"`
	Scale        Scale          `json:"scale"`
	Deleted      bool           `json:"deleted"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	Embedding    []float32      `json:"embedding,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	// EntityIDs are the entities this episode mentions; UpsertEpisode turns
	// them into MENTIONS edges.
	EntityIDs []string `json:"entity_ids,omitempty"`
}

// NewEpisode creates an L0 conversation episode with fresh identity and
// timestamps.
func NewEpisode(userID, content string, importance float64) Episode {
	now := time.Now().UTC()
	return Episode{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		Source:       SourceConversation,
		CreatedAt:    now,
		LastAccessed: now,
		Importance:   importance,
		Level:        LevelL0,
		Outcome:      OutcomeNone,
		Scale:        ScaleMicro,
	}
}

// ContentHash returns the dedup key for the episode's content.
func (e Episode) ContentHash() string {
	return HashContent(e.Content)
}

// HashContent hashes raw content for L2 dedup.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Entity is a referent (person, project, concept) extracted from episodes.
type Entity struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Importance   float64    `json:"importance"`
	AccessCount  int        `json:"access_count"`
	Embedding    []float32  `json:"embedding,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	Deleted      bool       `json:"deleted"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// EntityRelation is a RELATES_TO edge between two entities.
type EntityRelation struct {
	FromID   string  `json:"from_id"`
	ToID     string  `json:"to_id"`
	Type     string  `json:"type"`
	Strength float64 `json:"strength"`
}

// Strategy is a recipe for a class of tasks, maintained by the reasoning
// bank with reinforcement on observed outcomes.
type Strategy struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Description  string     `json:"description"`
	TaskTypes    []string   `json:"task_types"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	Confidence   float64    `json:"confidence"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	AntiPattern  bool       `json:"anti_pattern"`
	Deleted      bool       `json:"deleted"`
	EvolvedFrom  string     `json:"evolved_from,omitempty"`
}

// Experience records one attempt at a task. Immutable once written.
type Experience struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	TaskDesc    string         `json:"task_description"`
	TaskType    string         `json:"task_type"`
	Context     map[string]any `json:"context,omitempty"`
	Action      string         `json:"action_taken"`
	Outcome     Outcome        `json:"outcome"`
	Reasoning   string         `json:"reasoning,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	EpisodeID   string         `json:"episode_id,omitempty"`
	StrategyID  string         `json:"strategy_id,omitempty"`
}

// RecallResult is the single stable record all tiers and retriever arms
// convert to at their boundary.
type RecallResult struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Source    string         `json:"source"` // L0, L1, L2, L3
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SearchHit is one arm-local ranked hit from a graph-store primitive.
type SearchHit struct {
	EpisodeID string
	Score     float64
	CreatedAt time.Time
}

// L1Record is a session summary stored in the volatile tier.
type L1Record struct {
	SessionID    string         `json:"session_id"`
	Summary      string         `json:"summary"`
	Importance   float64        `json:"importance"`
	SourceCount  int            `json:"source_count"`
	Source       string         `json:"source,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	AccessCount  int            `json:"access_count,omitempty"`
	LastAccessed time.Time      `json:"last_accessed,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// ConsolidationCounters reports the work one consolidation pass performed.
// L0ToL1 and L1ToL2 break out the first two phases of Promoted for the
// consolidate endpoint; Promoted also counts L3 abstractions.
type ConsolidationCounters struct {
	Promoted  int `json:"promoted"`
	Decayed   int `json:"decayed"`
	Forgotten int `json:"forgotten"`
	L0ToL1    int `json:"l0_to_l1,omitempty"`
	L1ToL2    int `json:"l1_to_l2,omitempty"`
}

// GCCounters reports one garbage-collection sweep.
type GCCounters struct {
	SoftDeleted int `json:"soft_deleted"`
	HardDeleted int `json:"hard_deleted"`
}

// MemoryStats is the per-tier population snapshot.
type MemoryStats struct {
	L0Size              int        `json:"l0_size"`
	L1Size              int        `json:"l1_size"`
	L2Size              int        `json:"l2_size"`
	L3Size              int        `json:"l3_size"`
	L0DroppedTotal      int64      `json:"l0_dropped_total"`
	LastConsolidationAt *time.Time `json:"last_consolidation_at,omitempty"`
}
