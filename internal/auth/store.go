package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const redisCacheTTL = 5 * time.Minute
const redisKeyPrefix = "relay:session:"

// SessionStore looks up session metadata by token hash.
type SessionStore interface {
	Lookup(ctx context.Context, tokenHash string) (*SessionMetadata, error)
}

// CachedSessionStore implements SessionStore with PostgreSQL + Redis cache.
type CachedSessionStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewCachedSessionStore(db *pgxpool.Pool, rdb *redis.Client) *CachedSessionStore {
	return &CachedSessionStore{db: db, redis: rdb}
}

func (s *CachedSessionStore) Lookup(ctx context.Context, tokenHash string) (*SessionMetadata, error) {
	// Check Redis cache first
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+tokenHash).Bytes()
		if err == nil {
			var meta SessionMetadata
			if err := json.Unmarshal(cached, &meta); err == nil {
				return &meta, nil
			}
		}
	}

	// Query PostgreSQL
	meta, err := s.lookupDB(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	// Cache in Redis
	if s.redis != nil {
		data, err := json.Marshal(meta)
		if err == nil {
			s.redis.Set(ctx, redisKeyPrefix+tokenHash, data, redisCacheTTL)
		}
	}

	return meta, nil
}

func (s *CachedSessionStore) lookupDB(ctx context.Context, tokenHash string) (*SessionMetadata, error) {
	var meta SessionMetadata

	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, display_name, expires_at
		FROM sessions
		WHERE token_hash = $1
		  AND expires_at > NOW()
	`, tokenHash).Scan(
		&meta.ID,
		&meta.UserID,
		&meta.DisplayName,
		&meta.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query sessions: %w", err)
	}

	// Update last_seen_at asynchronously (fire-and-forget)
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.db.Exec(bgCtx, `UPDATE sessions SET last_seen_at = NOW() WHERE id = $1`, meta.ID)
	}()

	return &meta, nil
}
