package kvstore

import (
	"context"
	"fmt"
	"time"
)

func rateLimitKey(scope string) string {
	return "rate_limit:" + scope
}

// IncrWindow atomically increments the fixed-window counter for scope and
// returns the new count together with the time remaining in the window.
// The expiry is set only when the increment created the key, so the window
// is anchored to the first request and never slides.
func (s *Store) IncrWindow(ctx context.Context, scope string, window time.Duration) (int64, time.Duration, error) {
	key := rateLimitKey(scope)

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	ttl := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to bump rate counter for %q: %w", scope, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// TTL reports a negative duration for keys without an expiry;
		// treat the window as just opened.
		remaining = window
	}
	return incr.Val(), remaining, nil
}
