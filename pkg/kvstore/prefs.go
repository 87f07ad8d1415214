package kvstore

import (
	"context"
	"fmt"
	"time"
)

func userPrefKey(userID int64, key string) string {
	return fmt.Sprintf("user_pref:%d:%s", userID, key)
}

// SetUserPref stores a per-user preference value. Preferences are a
// convenience cache; the TTL refreshes on every write.
func (s *Store) SetUserPref(ctx context.Context, userID int64, key, value string, ttl time.Duration) error {
	return s.set(ctx, userPrefKey(userID, key), value, ttl)
}

// GetUserPref returns a per-user preference value, or ErrNotFound.
func (s *Store) GetUserPref(ctx context.Context, userID int64, key string) (string, error) {
	return s.get(ctx, userPrefKey(userID, key))
}
