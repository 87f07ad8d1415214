package kvstore

import (
	"context"
	"time"
)

// Tool results are cached under tool_cache:{tool}:{fingerprint}. The
// fingerprint (md5 of the canonicalized arguments) is computed by the
// caller, which owns the canonicalization rules.
func toolCacheKey(tool, fingerprint string) string {
	return "tool_cache:" + tool + ":" + fingerprint
}

// GetToolResult returns the cached raw result for a tool invocation,
// or ErrNotFound on a cache miss.
func (s *Store) GetToolResult(ctx context.Context, tool, fingerprint string) ([]byte, error) {
	val, err := s.get(ctx, toolCacheKey(tool, fingerprint))
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

// SetToolResult caches a successful tool result. Error results are never
// cached; the caller enforces that.
func (s *Store) SetToolResult(ctx context.Context, tool, fingerprint string, result []byte, ttl time.Duration) error {
	return s.set(ctx, toolCacheKey(tool, fingerprint), string(result), ttl)
}
