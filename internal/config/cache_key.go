package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionStartKey returns the cache key holding when a session of an attempt started
func (r *CacheKeyStruct) SessionStartKey(attemptID string, session int) string {
	return fmt.Sprintf("attempt:%s:session:%d:start", attemptID, session)
}

// UserActiveAttemptKey returns the cache key for a user's currently running attempt
func (r *CacheKeyStruct) UserActiveAttemptKey(userID int) string {
	return fmt.Sprintf("user:%d:active_attempt", userID)
}

var CacheKey = NewCacheKeyStruct()
