// Package volatile is the L0/L1 adapter: a per-user append-only log with a
// bounded cap, a per-user keyed map of session summaries, and an atomic
// acquire-with-TTL / release lock primitive used to serialise consolidation
// across processes.
//
// Key shapes are prescriptive because operational tooling depends on them:
//
//	memory:{user}:l0                 stream of episodes
//	memory:{user}:l1:{session_id}    hashed session record
//	memory:{user}:consolidation_lock locked key
//	memory:{user}:consolidated_set   set of consolidated episode ids
package volatile

import (
	"context"
	"fmt"
	"time"

	"fractalmem/internal/types"
)

// Store is the narrow interface the memory core consumes. All operations are
// whole successes or whole failures; no partial writes are observable to a
// concurrent reader.
type Store interface {
	// L0Append appends to the user's log, truncating the oldest entries
	// beyond the configured cap. Ordering within a user is preserved.
	L0Append(ctx context.Context, user string, ep types.Episode) error

	// L0Read returns up to n episodes, newest first. Non-destructive.
	L0Read(ctx context.Context, user string, n int) ([]types.Episode, error)

	// L0RangePop atomically removes the oldest k episodes and returns them
	// oldest first. The consolidator's sole way to drain L0.
	L0RangePop(ctx context.Context, user string, k int) ([]types.Episode, error)

	// L0PushOldest reinstates episodes (given oldest first) at the old end
	// of the log, below anything appended concurrently. Used by the
	// consolidator to write back decayed survivors after a drain.
	L0PushOldest(ctx context.Context, user string, eps []types.Episode) error

	// L0Len returns the current log length.
	L0Len(ctx context.Context, user string) (int, error)

	// L0Dropped returns the cumulative count of entries dropped at the cap.
	L0Dropped(ctx context.Context, user string) (int64, error)

	// L0Touch records an access on the identified log entries: access-count
	// incremented, last-accessed refreshed, importance bumped capped at 1.
	// Best-effort on the read path.
	L0Touch(ctx context.Context, user string, ids []string, bump float64) error

	// L1Put stores a session record. Fields beyond the known ones are
	// preserved verbatim on read.
	L1Put(ctx context.Context, user string, rec types.L1Record) error

	// L1List returns up to limit records, newest first.
	L1List(ctx context.Context, user string, limit int) ([]types.L1Record, error)

	// L1Delete removes one session record.
	L1Delete(ctx context.Context, user, sessionID string) error

	// L1Touch records an access on the identified session records:
	// access-count incremented, last-accessed refreshed. Best-effort.
	L1Touch(ctx context.Context, user string, sessionIDs []string) error

	// L1Len returns the number of session records for the user.
	L1Len(ctx context.Context, user string) (int, error)

	// MarkConsolidated records episode ids as consolidated for tooling.
	MarkConsolidated(ctx context.Context, user string, ids []string) error

	// LockAcquire returns a release token when no live holder exists,
	// ok=false when busy. Locks auto-expire after ttl even if never
	// released.
	LockAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// LockRelease releases the lock if token still matches the holder.
	// Returns false when the token is stale.
	LockRelease(ctx context.Context, key, token string) (bool, error)

	// Flush destroys all data. Used by the reset command only.
	Flush(ctx context.Context) error

	Close() error
}

// Key builders.

func l0Key(user string) string      { return fmt.Sprintf("memory:%s:l0", user) }
func l0DropKey(user string) string  { return fmt.Sprintf("memory:%s:l0:dropped", user) }
func l1Key(user, sid string) string { return fmt.Sprintf("memory:%s:l1:%s", user, sid) }
func l1IndexKey(user string) string { return fmt.Sprintf("memory:%s:l1:index", user) }
func consolidatedKey(user string) string {
	return fmt.Sprintf("memory:%s:consolidated_set", user)
}

// LockKey returns the consolidation lock key for a user.
func LockKey(user string) string {
	return fmt.Sprintf("memory:%s:consolidation_lock", user)
}
