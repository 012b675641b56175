package volatile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fractalmem/internal/logging"
	"fractalmem/internal/memerr"
	"fractalmem/internal/types"
)

// RedisStore implements Store on a shared go-redis client. The client is
// passed by reference so the memory core, retriever, and reasoning bank
// share one authenticated connection pool.
type RedisStore struct {
	rdb   *redis.Client
	cap   int
	retry memerr.RetryPolicy
}

// appendScript pushes one entry, trims at the cap, and counts drops.
// KEYS[1]=list KEYS[2]=drop counter ARGV[1]=payload ARGV[2]=cap
var appendScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
local len = redis.call('LLEN', KEYS[1])
local cap = tonumber(ARGV[2])
if len > cap then
  redis.call('LTRIM', KEYS[1], 0, cap - 1)
  redis.call('INCRBY', KEYS[2], len - cap)
end
return len
`)

// popScript atomically removes and returns the oldest k entries.
// KEYS[1]=list ARGV[1]=k
var popScript = redis.NewScript(`
local k = tonumber(ARGV[1])
local len = redis.call('LLEN', KEYS[1])
if len == 0 then return {} end
if k > len then k = len end
local items = redis.call('LRANGE', KEYS[1], -k, -1)
if k == len then
  redis.call('DEL', KEYS[1])
else
  redis.call('LTRIM', KEYS[1], 0, len - k - 1)
end
return items
`)

// reinstateScript pushes entries back at the tail and re-applies the cap.
// KEYS[1]=list KEYS[2]=drop counter ARGV[1]=cap ARGV[2..]=payloads
var reinstateScript = redis.NewScript(`
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[1], ARGV[i])
end
local len = redis.call('LLEN', KEYS[1])
local cap = tonumber(ARGV[1])
if len > cap then
  redis.call('LTRIM', KEYS[1], 0, cap - 1)
  redis.call('INCRBY', KEYS[2], len - cap)
end
return len
`)

// touchScript records an access on matching log entries in place. Matching
// by id inside the script keeps the LSET index valid under concurrent
// pushes. KEYS[1]=list ARGV[1]=now ARGV[2]=bump ARGV[3..]=episode ids
var touchScript = redis.NewScript(`
local now = ARGV[1]
local bump = tonumber(ARGV[2])
local targets = {}
for i = 3, #ARGV do targets[ARGV[i]] = true end
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local touched = 0
for i, item in ipairs(items) do
  local ok, obj = pcall(cjson.decode, item)
  if ok and obj.id and targets[obj.id] then
    obj.access_count = (obj.access_count or 0) + 1
    obj.last_accessed = now
    local imp = (obj.importance or 0) + bump
    if imp > 1 then imp = 1 end
    obj.importance = imp
    redis.call('LSET', KEYS[1], i - 1, cjson.encode(obj))
    touched = touched + 1
  end
end
return touched
`)

// l1TouchScript records an access on one session record's payload.
// KEYS[1]=hash ARGV[1]=now
var l1TouchScript = redis.NewScript(`
local payload = redis.call('HGET', KEYS[1], 'payload')
if not payload then return 0 end
local ok, obj = pcall(cjson.decode, payload)
if not ok then return 0 end
obj.access_count = (obj.access_count or 0) + 1
obj.last_accessed = ARGV[1]
redis.call('HSET', KEYS[1], 'payload', cjson.encode(obj))
return 1
`)

// releaseScript deletes the lock only when the token still matches.
// KEYS[1]=lock ARGV[1]=token
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// NewRedisStore connects to the volatile store at url and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, url string, l0Capacity int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, memerr.Validationf("invalid volatile_url: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, memerr.StoreUnavailable(err)
	}
	if l0Capacity <= 0 {
		l0Capacity = 500
	}
	logging.Store("Connected volatile store at %s (l0 cap=%d)", opts.Addr, l0Capacity)
	return &RedisStore{rdb: rdb, cap: l0Capacity, retry: memerr.DefaultRetryPolicy()}, nil
}

// NewRedisStoreFromClient wraps an existing shared client.
func NewRedisStoreFromClient(rdb *redis.Client, l0Capacity int) *RedisStore {
	if l0Capacity <= 0 {
		l0Capacity = 500
	}
	return &RedisStore{rdb: rdb, cap: l0Capacity, retry: memerr.DefaultRetryPolicy()}
}

func (s *RedisStore) L0Append(ctx context.Context, user string, ep types.Episode) error {
	payload, err := json.Marshal(ep)
	if err != nil {
		return memerr.Validationf("episode not serialisable: %v", err)
	}
	return s.retry.Do(ctx, func() error {
		return appendScript.Run(ctx, s.rdb,
			[]string{l0Key(user), l0DropKey(user)},
			payload, s.cap).Err()
	})
}

func (s *RedisStore) L0Read(ctx context.Context, user string, n int) ([]types.Episode, error) {
	if n <= 0 {
		n = s.cap
	}
	var raw []string
	err := s.retry.Do(ctx, func() error {
		var e error
		raw, e = s.rdb.LRange(ctx, l0Key(user), 0, int64(n-1)).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	return decodeEpisodes(raw)
}

func (s *RedisStore) L0RangePop(ctx context.Context, user string, k int) ([]types.Episode, error) {
	if k <= 0 {
		return nil, nil
	}
	var raw []string
	err := s.retry.Do(ctx, func() error {
		res, e := popScript.Run(ctx, s.rdb, []string{l0Key(user)}, k).StringSlice()
		if e != nil && e != redis.Nil {
			return e
		}
		raw = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	// LRANGE -k -1 walks toward the tail, so raw is newest-of-batch first;
	// callers expect oldest first.
	eps, err := decodeEpisodes(raw)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(eps)-1; i < j; i, j = i+1, j-1 {
		eps[i], eps[j] = eps[j], eps[i]
	}
	return eps, nil
}

func (s *RedisStore) L0PushOldest(ctx context.Context, user string, eps []types.Episode) error {
	if len(eps) == 0 {
		return nil
	}
	// The tail is the oldest end; walking the batch newest first leaves the
	// oldest episode at the very tail, below anything appended meanwhile.
	args := make([]any, 0, len(eps)+1)
	args = append(args, s.cap)
	for i := len(eps) - 1; i >= 0; i-- {
		data, err := json.Marshal(eps[i])
		if err != nil {
			return memerr.Validationf("episode not serialisable: %v", err)
		}
		args = append(args, data)
	}
	return s.retry.Do(ctx, func() error {
		return reinstateScript.Run(ctx, s.rdb,
			[]string{l0Key(user), l0DropKey(user)}, args...).Err()
	})
}

func (s *RedisStore) L0Len(ctx context.Context, user string) (int, error) {
	var n int64
	err := s.retry.Do(ctx, func() error {
		var e error
		n, e = s.rdb.LLen(ctx, l0Key(user)).Result()
		return e
	})
	return int(n), err
}

func (s *RedisStore) L0Dropped(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.retry.Do(ctx, func() error {
		v, e := s.rdb.Get(ctx, l0DropKey(user)).Int64()
		if e == redis.Nil {
			n = 0
			return nil
		}
		n = v
		return e
	})
	return n, err
}

func (s *RedisStore) L0Touch(ctx context.Context, user string, ids []string, bump float64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano), bump)
	for _, id := range ids {
		args = append(args, id)
	}
	return s.retry.Do(ctx, func() error {
		return touchScript.Run(ctx, s.rdb, []string{l0Key(user)}, args...).Err()
	})
}

func (s *RedisStore) L1Touch(ctx context.Context, user string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, sid := range sessionIDs {
		err := s.retry.Do(ctx, func() error {
			return l1TouchScript.Run(ctx, s.rdb, []string{l1Key(user, sid)}, now).Err()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) L1Put(ctx context.Context, user string, rec types.L1Record) error {
	if rec.SessionID == "" {
		return memerr.Validationf("l1 record requires a session id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return memerr.Validationf("l1 record not serialisable: %v", err)
	}
	return s.retry.Do(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, l1Key(user, rec.SessionID),
			"session_id", rec.SessionID,
			"summary", rec.Summary,
			"importance", rec.Importance,
			"source_count", rec.SourceCount,
			"created_at", rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			"payload", payload,
		)
		pipe.ZAdd(ctx, l1IndexKey(user), redis.Z{
			Score:  float64(rec.CreatedAt.UnixNano()),
			Member: rec.SessionID,
		})
		_, e := pipe.Exec(ctx)
		return e
	})
}

func (s *RedisStore) L1List(ctx context.Context, user string, limit int) ([]types.L1Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.retry.Do(ctx, func() error {
		var e error
		ids, e = s.rdb.ZRevRange(ctx, l1IndexKey(user), 0, int64(limit-1)).Result()
		return e
	})
	if err != nil {
		return nil, err
	}

	records := make([]types.L1Record, 0, len(ids))
	for _, sid := range ids {
		var payload string
		err := s.retry.Do(ctx, func() error {
			v, e := s.rdb.HGet(ctx, l1Key(user, sid), "payload").Result()
			if e == redis.Nil {
				return nil // index entry outlived the hash; skip
			}
			payload = v
			return e
		})
		if err != nil {
			return nil, err
		}
		if payload == "" {
			continue
		}
		var rec types.L1Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt L1 record %s/%s: %v", user, sid, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *RedisStore) L1Delete(ctx context.Context, user, sessionID string) error {
	return s.retry.Do(ctx, func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, l1Key(user, sessionID))
		pipe.ZRem(ctx, l1IndexKey(user), sessionID)
		_, e := pipe.Exec(ctx)
		return e
	})
}

func (s *RedisStore) L1Len(ctx context.Context, user string) (int, error) {
	var n int64
	err := s.retry.Do(ctx, func() error {
		var e error
		n, e = s.rdb.ZCard(ctx, l1IndexKey(user)).Result()
		return e
	})
	return int(n), err
}

func (s *RedisStore) MarkConsolidated(ctx context.Context, user string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return s.retry.Do(ctx, func() error {
		return s.rdb.SAdd(ctx, consolidatedKey(user), members...).Err()
	})
}

func (s *RedisStore) LockAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	var acquired bool
	err := s.retry.Do(ctx, func() error {
		ok, e := s.rdb.SetNX(ctx, key, token, ttl).Result()
		if e != nil {
			return e
		}
		acquired = ok
		return nil
	})
	if err != nil {
		return "", false, err
	}
	if !acquired {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) LockRelease(ctx context.Context, key, token string) (bool, error) {
	var released bool
	err := s.retry.Do(ctx, func() error {
		n, e := releaseScript.Run(ctx, s.rdb, []string{key}, token).Int64()
		if e != nil {
			return e
		}
		released = n == 1
		return nil
	})
	return released, err
}

func (s *RedisStore) Flush(ctx context.Context) error {
	return s.retry.Do(ctx, func() error {
		return s.rdb.FlushDB(ctx).Err()
	})
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func decodeEpisodes(raw []string) ([]types.Episode, error) {
	eps := make([]types.Episode, 0, len(raw))
	for _, item := range raw {
		var ep types.Episode
		if err := json.Unmarshal([]byte(item), &ep); err != nil {
			return nil, fmt.Errorf("corrupt l0 entry: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}
