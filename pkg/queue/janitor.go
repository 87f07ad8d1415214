package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/services"
)

// Sweeper closes out stale pending placeholders. Implemented by
// *services.MessageService.
type Sweeper interface {
	SweepStalePending(ctx context.Context, cutoff time.Time) ([]services.SweptMessage, error)
}

// Janitor recovers assistant placeholders orphaned by turns that died
// without finalizing — a crashed process, or an error-path write that
// itself failed. Every replica runs one; the sweep is idempotent, so
// overlap between replicas is harmless.
type Janitor struct {
	cfg     config.ExecutorConfig
	sweeper Sweeper
	logger  *slog.Logger

	mu        sync.Mutex
	lastSweep time.Time
	swept     int
}

// NewJanitor creates the janitor.
func NewJanitor(cfg config.ExecutorConfig, sweeper Sweeper) *Janitor {
	return &Janitor{
		cfg:     cfg,
		sweeper: sweeper,
		logger:  slog.With("component", "janitor"),
	}
}

// Run sweeps on the configured interval until ctx ends. Blocking; callers
// run it on its own goroutine.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.sweep(ctx); err != nil {
				j.logger.Error("Placeholder sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep immediately. Called during startup so
// rows orphaned by the previous process close out before traffic resumes.
func (j *Janitor) SweepOnce(ctx context.Context) error {
	return j.sweep(ctx)
}

// Stats reports the last sweep time and the total placeholders closed.
func (j *Janitor) Stats() (lastSweep time.Time, swept int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSweep, j.swept
}

func (j *Janitor) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-j.staleAfter())
	swept, err := j.sweeper.SweepStalePending(ctx, cutoff)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.lastSweep = time.Now()
	j.swept += len(swept)
	j.mu.Unlock()

	for _, m := range swept {
		j.logger.Warn("Closed orphaned placeholder",
			"message_id", m.MessageID, "session_id", m.SessionID)
	}
	return nil
}

func (j *Janitor) interval() time.Duration {
	if j.cfg.SweepInterval > 0 {
		return j.cfg.SweepInterval
	}
	return time.Minute
}

func (j *Janitor) staleAfter() time.Duration {
	if j.cfg.SweepStaleAfter > 0 {
		return j.cfg.SweepStaleAfter
	}
	return 15 * time.Minute
}
