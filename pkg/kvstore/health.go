package kvstore

import (
	"context"
	"time"
)

// HealthStatus reports Redis connectivity and connection pool statistics.
type HealthStatus struct {
	Status       string `json:"status"`
	ResponseTime int64  `json:"response_time_ms"`
	TotalConns   uint32 `json:"total_connections"`
	IdleConns    uint32 `json:"idle_connections"`
	PoolHits     uint32 `json:"pool_hits"`
	PoolMisses   uint32 `json:"pool_misses"`
}

// Health pings Redis and snapshots pool statistics.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	stats := s.rdb.PoolStats()
	return &HealthStatus{
		Status:       "healthy",
		ResponseTime: time.Since(start).Milliseconds(),
		TotalConns:   stats.TotalConns,
		IdleConns:    stats.IdleConns,
		PoolHits:     stats.Hits,
		PoolMisses:   stats.Misses,
	}, nil
}
