package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-simulator/internal/config"
)

// sessionCacheTTL outlives the longest session plus a generous break.
const sessionCacheTTL = 24 * time.Hour

// SessionCache keeps hot per-attempt values in Redis: when each session
// started and which attempt a user is running.
type SessionCache struct {
	rdb *redis.Client
}

// NewSessionCache creates a new SessionCache.
func NewSessionCache(rdb *redis.Client) *SessionCache {
	return &SessionCache{rdb: rdb}
}

// SetSessionStart stores when session n of an attempt started.
func (c *SessionCache) SetSessionStart(ctx context.Context, attemptID uuid.UUID, n int, at time.Time) error {
	key := config.CacheKey.SessionStartKey(attemptID.String(), n)
	return c.rdb.Set(ctx, key, at.UnixMilli(), sessionCacheTTL).Err()
}

// SessionStart returns the cached start of session n. ok is false on a cache miss.
func (c *SessionCache) SessionStart(ctx context.Context, attemptID uuid.UUID, n int) (at time.Time, ok bool, err error) {
	val, err := c.rdb.Get(ctx, config.CacheKey.SessionStartKey(attemptID.String(), n)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis error getting session start: %w", err)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid session start in cache: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// SetActiveAttempt records the attempt a user is currently running.
func (c *SessionCache) SetActiveAttempt(ctx context.Context, userID int, attemptID uuid.UUID) error {
	return c.rdb.Set(ctx, config.CacheKey.UserActiveAttemptKey(userID), attemptID.String(), sessionCacheTTL).Err()
}

// ActiveAttempt returns the user's running attempt, if any.
func (c *SessionCache) ActiveAttempt(ctx context.Context, userID int) (uuid.UUID, bool, error) {
	val, err := c.rdb.Get(ctx, config.CacheKey.UserActiveAttemptKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("invalid active attempt in cache: %w", err)
	}
	return id, true, nil
}

// ClearActiveAttempt forgets the user's running attempt if it is attemptID.
func (c *SessionCache) ClearActiveAttempt(ctx context.Context, userID int, attemptID uuid.UUID) error {
	key := config.CacheKey.UserActiveAttemptKey(userID)
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if val != attemptID.String() {
		return nil
	}
	return c.rdb.Del(ctx, key).Err()
}
