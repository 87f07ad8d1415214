package kvstore

import (
	"context"
	"time"
)

func sessionSummaryKey(sessionID string) string {
	return "session_summary:" + sessionID
}

// SetSessionSummary caches the latest conversation summary for a session
// so window assembly can skip the database read on the hot path.
func (s *Store) SetSessionSummary(ctx context.Context, sessionID, summary string, ttl time.Duration) error {
	return s.set(ctx, sessionSummaryKey(sessionID), summary, ttl)
}

// GetSessionSummary returns the cached summary text, or ErrNotFound.
func (s *Store) GetSessionSummary(ctx context.Context, sessionID string) (string, error) {
	return s.get(ctx, sessionSummaryKey(sessionID))
}

// ClearSessionSummary drops the cached summary. Called whenever the
// conversation changes under it (turn finalize, message edit or delete):
// the cached text no longer reflects what a fresh summarization would
// produce.
func (s *Store) ClearSessionSummary(ctx context.Context, sessionID string) error {
	return s.del(ctx, sessionSummaryKey(sessionID))
}
