package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
	"fractalmem/internal/volatile"
)

// consolidationLockTTL is also the upper bound on one pass; cancellation
// past the TTL still leaves the lock to expire on its own.
const consolidationLockTTL = 60 * time.Second

// Consolidate runs one pass of the promotion pipeline:
//
//  1. L0→L1 batching through the summariser, with the synthesised summary
//     written once to L2 (source=conversation_summary).
//  2. L1→L2 promotion of aged or important records, deduplicated by
//     content hash.
//  3. Decay across tiers.
//  4. Forgetting below the importance threshold.
//  5. L2→L3 abstraction of cohesive entity neighbourhoods.
//
// The pass is non-reentrant per user: contention on the consolidation lock
// returns zero counters immediately and is not an error.
func (m *Memory) Consolidate(ctx context.Context) (types.ConsolidationCounters, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "Consolidate")
	defer timer.Stop()

	var counters types.ConsolidationCounters

	lockKey := volatile.LockKey(m.opts.UserID)
	ttl := m.opts.LockTTL
	if ttl <= 0 {
		ttl = consolidationLockTTL
	}
	token, ok, err := m.store.LockAcquire(ctx, lockKey, ttl)
	if err != nil {
		return counters, err
	}
	if !ok {
		logging.ConsolidationDebug("Consolidation already running for %s, skipping", m.opts.UserID)
		return counters, nil
	}
	defer func() {
		// Release must run on every exit path; TTL expiry is the backstop
		// when the process dies mid-pass.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, rerr := m.store.LockRelease(releaseCtx, lockKey, token); rerr != nil {
			logging.Get(logging.CategoryConsolidation).Warn("Lock release failed: %v", rerr)
		}
	}()

	if err := m.batchL0ToL1(ctx, &counters); err != nil {
		return counters, err
	}
	if err := m.promoteL1ToL2(ctx, &counters); err != nil {
		return counters, err
	}
	if err := m.decayAndForget(ctx, &counters); err != nil {
		return counters, err
	}
	if err := m.abstractL2ToL3(ctx, &counters); err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("L3 abstraction failed: %v", err)
	}

	m.lastConsolidation.Store(time.Now().UTC().UnixNano())
	logging.Consolidation("Pass complete for %s: promoted=%d decayed=%d forgotten=%d",
		m.opts.UserID, counters.Promoted, counters.Decayed, counters.Forgotten)
	return counters, nil
}

// batchL0ToL1 drains one batch from L0, summarises it into L1, and writes
// the same synthesised record once to L2 tagged conversation_summary so the
// L1→L2 phase never promotes it again.
func (m *Memory) batchL0ToL1(ctx context.Context, counters *types.ConsolidationCounters) error {
	n, err := m.store.L0Len(ctx, m.opts.UserID)
	if err != nil {
		return err
	}
	if n < m.opts.BatchSize {
		return nil
	}

	batch, err := m.store.L0RangePop(ctx, m.opts.UserID, m.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	summary, err := m.summarizer.Summarize(ctx, batch)
	if err != nil {
		// The batch is already popped; reinstate it rather than lose turns.
		if perr := m.store.L0PushOldest(ctx, m.opts.UserID, batch); perr != nil {
			logging.Get(logging.CategoryConsolidation).Error("Failed to reinstate batch after summariser error: %v", perr)
		}
		return err
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	rec := types.L1Record{
		SessionID:   sessionID,
		Summary:     summary.Summary,
		Importance:  summary.Importance,
		SourceCount: summary.SourceCount,
		Source:      types.SourceConversationSummary,
		CreatedAt:   now,
	}
	if err := m.store.L1Put(ctx, m.opts.UserID, rec); err != nil {
		return err
	}

	ep := types.Episode{
		ID:           sessionID,
		UserID:       m.opts.UserID,
		Content:      summary.Summary,
		Summary:      summary.Summary,
		Source:       types.SourceConversationSummary,
		CreatedAt:    now,
		LastAccessed: now,
		Importance:   summary.Importance,
		Level:        types.LevelL2,
		Outcome:      types.OutcomeNone,
		Scale:        types.ScaleMeso,
		Metadata:     map[string]any{"source_count": summary.SourceCount},
	}
	m.attachEmbedding(ctx, &ep)
	if err := m.graph.UpsertEpisode(ctx, ep); err != nil {
		return err
	}

	ids := make([]string, len(batch))
	for i, b := range batch {
		ids[i] = b.ID
	}
	if err := m.store.MarkConsolidated(ctx, m.opts.UserID, ids); err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("Consolidated-set mark failed: %v", err)
	}

	counters.Promoted += len(batch)
	counters.L0ToL1 += len(batch)
	logging.Consolidation("Batched %d L0 episodes into session %s", len(batch), sessionID)
	return nil
}

// promoteL1ToL2 moves aged or important session records into the graph,
// skipping records already written at summarisation time and deduplicating
// by content hash.
func (m *Memory) promoteL1ToL2(ctx context.Context, counters *types.ConsolidationCounters) error {
	records, err := m.store.L1List(ctx, m.opts.UserID, 0)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, rec := range records {
		if err := memerr.FromContext(ctx); err != nil {
			return err
		}
		if rec.Source == types.SourceConversationSummary {
			continue // already at L2
		}
		aged := now.Sub(rec.CreatedAt) > m.opts.L1TTL
		important := rec.Importance >= m.opts.L2Threshold
		if !aged && !important {
			continue
		}

		hash := types.HashContent(rec.Summary)
		dup, err := m.graph.ExistsDuplicate(ctx, m.opts.UserID, hash)
		if err != nil {
			return err
		}
		if dup {
			if err := m.store.L1Delete(ctx, m.opts.UserID, rec.SessionID); err != nil {
				return err
			}
			logging.ConsolidationDebug("L1 record %s is a duplicate at L2, dropped", rec.SessionID)
			continue
		}

		ep := types.Episode{
			ID:           rec.SessionID,
			UserID:       m.opts.UserID,
			Content:      rec.Summary,
			Source:       types.SourceBatchSummary,
			CreatedAt:    rec.CreatedAt,
			LastAccessed: now,
			Importance:   rec.Importance,
			Level:        types.LevelL2,
			Outcome:      types.OutcomeNone,
			Scale:        types.ScaleMeso,
			Metadata:     map[string]any{"source_count": rec.SourceCount},
		}
		m.attachEmbedding(ctx, &ep)
		if err := m.graph.UpsertEpisode(ctx, ep); err != nil {
			return err
		}
		if err := m.store.L1Delete(ctx, m.opts.UserID, rec.SessionID); err != nil {
			return err
		}
		counters.Promoted++
		counters.L1ToL2++
	}
	return nil
}

// decayAndForget applies the per-tier decay kernels and drops what fell
// below the importance threshold.
func (m *Memory) decayAndForget(ctx context.Context, counters *types.ConsolidationCounters) error {
	now := time.Now().UTC()

	// L0: exponential with a short half-life. Drain, rescore, reinstate.
	n, err := m.store.L0Len(ctx, m.opts.UserID)
	if err != nil {
		return err
	}
	if n > 0 {
		eps, err := m.store.L0RangePop(ctx, m.opts.UserID, n)
		if err != nil {
			return err
		}
		survivors := make([]types.Episode, 0, len(eps))
		for _, ep := range eps {
			decayed := ep.Importance * recencyKernel(now.Sub(ep.CreatedAt), l0HalfLife)
			if decayed < m.opts.ImportanceThreshold && ep.AccessCount == 0 {
				counters.Forgotten++
				continue
			}
			if decayed < ep.Importance {
				counters.Decayed++
			}
			ep.Importance = decayed
			survivors = append(survivors, ep)
		}
		if err := m.store.L0PushOldest(ctx, m.opts.UserID, survivors); err != nil {
			return err
		}
	}

	// L1: exponential with a medium half-life.
	records, err := m.store.L1List(ctx, m.opts.UserID, 0)
	if err != nil {
		return err
	}
	for _, rec := range records {
		age := now.Sub(rec.CreatedAt)
		decayed := rec.Importance * recencyKernel(age, l1HalfLife)
		if decayed < m.opts.ImportanceThreshold && age > m.opts.L1TTL {
			if err := m.store.L1Delete(ctx, m.opts.UserID, rec.SessionID); err != nil {
				return err
			}
			counters.Forgotten++
			continue
		}
		if decayed < rec.Importance {
			rec.Importance = decayed
			if err := m.store.L1Put(ctx, m.opts.UserID, rec); err != nil {
				return err
			}
			counters.Decayed++
		}
	}

	// L2/L3: delegated to the graph store. One pass multiplies idle
	// episodes by the factor the time since the previous pass contributes
	// to the half-life; the first pass of a process uses the lock TTL.
	elapsed := consolidationLockTTL
	if last := m.lastConsolidation.Load(); last > 0 {
		elapsed = now.Sub(time.Unix(0, last))
	}
	factor := math.Pow(0.5, elapsed.Hours()/l2HalfLife.Hours())
	if _, err := m.graph.ApplyDecay(ctx, m.opts.UserID, factor, 24*time.Hour); err != nil {
		return err
	}

	// L2 forgetting: aged, below-threshold episodes go to soft-deleted.
	// Access history does not exempt them here; the zero-access criterion
	// is the garbage collector's.
	swept, err := m.graph.SweepLowImportance(ctx, m.opts.UserID, m.opts.ImportanceThreshold, 30*24*time.Hour)
	if err != nil {
		return err
	}
	counters.Forgotten += swept
	return nil
}

// abstractL2ToL3 emits a macro episode when an entity's neighbourhood of
// meso episodes is cohesive enough. Constituents stay intact; only the new
// abstraction carries level 3.
func (m *Memory) abstractL2ToL3(ctx context.Context, counters *types.ConsolidationCounters) error {
	entities, err := m.graph.EntitiesForUser(ctx, m.opts.UserID)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}

	mesoEpisodes, err := m.graph.EpisodesByLevel(ctx, m.opts.UserID, types.LevelL2, 500)
	if err != nil {
		return err
	}
	byID := make(map[string]types.Episode, len(mesoEpisodes))
	for _, ep := range mesoEpisodes {
		if ep.Scale == types.ScaleMeso {
			byID[ep.ID] = ep
		}
	}

	for _, ent := range entities {
		members := make([]types.Episode, 0, 8)
		for _, ep := range byID {
			mentions, err := m.graph.MentionsOf(ctx, ep.ID)
			if err != nil {
				continue
			}
			for _, id := range mentions {
				if id == ent.ID {
					members = append(members, ep)
					break
				}
			}
		}
		if len(members) < 3 {
			continue
		}
		// Stable order so the abstraction content (and its dedup hash) is
		// reproducible across passes.
		sort.Slice(members, func(i, j int) bool {
			if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
				return members[i].CreatedAt.Before(members[j].CreatedAt)
			}
			return members[i].ID < members[j].ID
		})
		total := 0.0
		for _, ep := range members {
			total += ep.Importance
		}
		if total/float64(len(members)) < m.opts.L2Threshold {
			continue
		}

		summary, err := DeterministicSummarizer{}.Summarize(ctx, members)
		if err != nil {
			continue
		}
		content := "About " + ent.Name + ": " + summary.Summary
		dup, err := m.graph.ExistsDuplicate(ctx, m.opts.UserID, types.HashContent(content))
		if err != nil || dup {
			continue
		}

		now := time.Now().UTC()
		abstraction := types.Episode{
			ID:           uuid.NewString(),
			UserID:       m.opts.UserID,
			Content:      content,
			Summary:      summary.Summary,
			Source:       types.SourceAbstraction,
			CreatedAt:    now,
			LastAccessed: now,
			Importance:   clamp01(summary.Importance),
			Level:        types.LevelL3,
			Outcome:      types.OutcomeNone,
			Scale:        types.ScaleMacro,
			EntityIDs:    []string{ent.ID},
		}
		m.attachEmbedding(ctx, &abstraction)
		if err := m.graph.UpsertEpisode(ctx, abstraction); err != nil {
			return err
		}
		counters.Promoted++
		logging.Consolidation("Abstracted %d episodes around %q into L3", len(members), ent.Name)
	}
	return nil
}

// attachEmbedding best-effort embeds an episode at promotion time.
func (m *Memory) attachEmbedding(ctx context.Context, ep *types.Episode) {
	if m.embedder == nil {
		return
	}
	vec, err := m.embedder.Embed(ctx, ep.Content)
	if err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("Embedding failed for %s: %v", ep.ID, err)
		return
	}
	ep.Embedding = vec
}
