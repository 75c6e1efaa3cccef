package streamstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix = "relay:stream:"
	convKeyPrefix  = "relay:stream:conv:"
)

// saveScript applies a snapshot only when its chunk index is at or past the
// stored one, updates the per-conversation index, and evicts the oldest
// states once the conversation exceeds its cap. One round trip, so two
// racing writers cannot interleave a rollback.
// KEYS[1] = state hash key
// KEYS[2] = conversation index (sorted set scored by last update)
// ARGV[1] = chunk index
// ARGV[2] = state JSON
// ARGV[3] = TTL seconds
// ARGV[4] = now (unix seconds, index score)
// ARGV[5] = stream id
// ARGV[6] = max states per conversation
// ARGV[7] = state key prefix
// The pause flag lives in its own hash field, written only by SetPaused, so
// snapshot writes from the driving stream cannot revert a pause issued from
// another tab.
// Returns 1 when applied, 0 when a newer snapshot won.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'idx')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
    return 0
end

redis.call('HSET', KEYS[1], 'idx', ARGV[1], 'data', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
redis.call('EXPIRE', KEYS[2], ARGV[3])

local max = tonumber(ARGV[6])
local n = redis.call('ZCARD', KEYS[2])
if n > max then
    local evict = redis.call('ZRANGE', KEYS[2], 0, n - max - 1)
    for _, id in ipairs(evict) do
        redis.call('DEL', ARGV[7] .. id)
        redis.call('ZREM', KEYS[2], id)
    end
end
return 1
`)

// RedisStore persists stream states in Redis with a TTL bound, so abandoned
// states age out on their own.
type RedisStore struct {
	rdb                *redis.Client
	ttl                time.Duration
	maxPerConversation int
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration, maxPerConversation int) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxPerConversation <= 0 {
		maxPerConversation = 8
	}
	return &RedisStore{rdb: rdb, ttl: ttl, maxPerConversation: maxPerConversation}
}

func (s *RedisStore) Save(ctx context.Context, state *StreamState) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encoding stream state: %w", err)
	}

	applied, err := saveScript.Run(ctx, s.rdb,
		[]string{stateKeyPrefix + state.StreamID, convKeyPrefix + state.ConversationID},
		state.ChunkIndex,
		data,
		int(s.ttl.Seconds()),
		time.Now().Unix(),
		state.StreamID,
		s.maxPerConversation,
		stateKeyPrefix,
	).Int()
	if err != nil {
		return false, fmt.Errorf("saving stream state: %w", err)
	}
	return applied == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, streamID string) (*StreamState, error) {
	fields, err := s.rdb.HMGet(ctx, stateKeyPrefix+streamID, "data", "paused").Result()
	if err != nil {
		return nil, fmt.Errorf("reading stream state: %w", err)
	}
	data, ok := fields[0].(string)
	if !ok {
		return nil, ErrStateNotFound
	}

	var state StreamState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("decoding stream state: %w", err)
	}
	if paused, ok := fields[1].(string); ok {
		state.IsPaused = paused == "1"
	}
	return &state, nil
}

func (s *RedisStore) Recoverable(ctx context.Context, conversationID string) ([]RecoverableStream, error) {
	ids, err := s.rdb.ZRange(ctx, convKeyPrefix+conversationID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading conversation index: %w", err)
	}

	var out []RecoverableStream
	for _, id := range ids {
		state, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrStateNotFound {
				// Expired underneath the index; drop the stale entry.
				s.rdb.ZRem(ctx, convKeyPrefix+conversationID, id)
				continue
			}
			return nil, err
		}
		if state.Recoverable() {
			out = append(out, RecoverableStream{
				State:          *state,
				EstimatedDelay: estimateDelay(state.ElapsedTime),
			})
		}
	}
	return out, nil
}

func (s *RedisStore) Discard(ctx context.Context, streamID string) error {
	state, err := s.Get(ctx, streamID)
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, stateKeyPrefix+streamID)
	pipe.ZRem(ctx, convKeyPrefix+state.ConversationID, streamID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discarding stream state: %w", err)
	}
	return nil
}

// setPausedScript flips only the pause field, and only on a live state, so
// it neither races the snapshot compare-and-set nor resurrects expired keys.
var setPausedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'paused', ARGV[1])
return 1
`)

func (s *RedisStore) SetPaused(ctx context.Context, streamID string, paused bool) error {
	flag := "0"
	if paused {
		flag = "1"
	}
	applied, err := setPausedScript.Run(ctx, s.rdb,
		[]string{stateKeyPrefix + streamID}, flag).Int()
	if err != nil {
		return fmt.Errorf("setting pause flag: %w", err)
	}
	if applied == 0 {
		return ErrStateNotFound
	}
	return nil
}
