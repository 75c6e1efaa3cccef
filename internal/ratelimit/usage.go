package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageTracker tracks daily token consumption per user via Redis. The counts
// feed quota display and operator accounting; they do not gate requests.
type UsageTracker struct {
	rdb *redis.Client
}

// NewUsageTracker creates a usage tracker. If rdb is nil, recording is a no-op.
func NewUsageTracker(rdb *redis.Client) *UsageTracker {
	return &UsageTracker{rdb: rdb}
}

func dailyUsageKey(userID string) string {
	day := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("relay:usage:daily:%s:%s", userID, day)
}

// Tokens returns the user's token count for the current UTC day.
func (u *UsageTracker) Tokens(ctx context.Context, userID string) (int64, error) {
	if u.rdb == nil {
		return 0, nil
	}

	tokens, err := u.rdb.Get(ctx, dailyUsageKey(userID)).Int64()
	if err != nil && err != redis.Nil {
		return 0, err
	}
	return tokens, nil
}

// RecordTokens adds a completed stream's token count to the user's daily total.
func (u *UsageTracker) RecordTokens(ctx context.Context, userID string, tokens int64) error {
	if u.rdb == nil || tokens <= 0 {
		return nil
	}

	key := dailyUsageKey(userID)
	pipe := u.rdb.Pipeline()
	pipe.IncrBy(ctx, key, tokens)
	// Expire at end of day UTC + 1 hour buffer
	now := time.Now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	ttl := endOfDay.Sub(now) + time.Hour
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}
