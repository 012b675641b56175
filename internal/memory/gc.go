package memory

import (
	"context"
	"time"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// gcSweepAge is the minimum age of a live episode before the GC sweep will
// consider soft-deleting it.
const gcSweepAge = 30 * 24 * time.Hour

// GarbageCollect bounds storage growth. Hard deletion runs first and only
// touches episodes already soft-deleted past the grace period, so a sweep
// in the same pass can never shortcut the grace window.
func (m *Memory) GarbageCollect(ctx context.Context, graceDays int) (types.GCCounters, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "GarbageCollect")
	defer timer.Stop()

	var counters types.GCCounters
	if graceDays < 0 {
		return counters, memerr.Validationf("grace_days must be >= 0, got %d", graceDays)
	}
	if graceDays == 0 {
		graceDays = 7
	}
	grace := time.Duration(graceDays) * 24 * time.Hour

	hard, err := m.graph.HardDeleteExpired(ctx, grace)
	if err != nil {
		return counters, err
	}
	counters.HardDeleted = hard

	soft, err := m.graph.SweepSoftDelete(ctx, m.opts.UserID, m.opts.ImportanceThreshold, gcSweepAge)
	if err != nil {
		return counters, err
	}
	counters.SoftDeleted = soft

	logging.Consolidation("GC for %s: soft_deleted=%d hard_deleted=%d (grace=%dd)",
		m.opts.UserID, counters.SoftDeleted, counters.HardDeleted, graceDays)
	return counters, nil
}
