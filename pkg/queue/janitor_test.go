package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/services"
)

type fakeSweeper struct {
	mu      sync.Mutex
	cutoffs []time.Time
	swept   []services.SweptMessage
	err     error
}

func (f *fakeSweeper) SweepStalePending(ctx context.Context, cutoff time.Time) ([]services.SweptMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.swept, f.err
}

func (f *fakeSweeper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestJanitorSweepOnce(t *testing.T) {
	sweeper := &fakeSweeper{swept: []services.SweptMessage{
		{MessageID: "msg-9", SessionID: "sess-1"},
		{MessageID: "msg-11", SessionID: "sess-2"},
	}}
	j := NewJanitor(config.ExecutorConfig{SweepStaleAfter: 15 * time.Minute}, sweeper)

	require.NoError(t, j.SweepOnce(context.Background()))

	require.Equal(t, 1, sweeper.calls())
	assert.WithinDuration(t, time.Now().Add(-15*time.Minute), sweeper.cutoffs[0], 2*time.Second)

	lastSweep, swept := j.Stats()
	assert.False(t, lastSweep.IsZero())
	assert.Equal(t, 2, swept)
}

func TestJanitorSweepOnceError(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	j := NewJanitor(config.ExecutorConfig{}, sweeper)

	require.Error(t, j.SweepOnce(context.Background()))

	lastSweep, swept := j.Stats()
	assert.True(t, lastSweep.IsZero())
	assert.Zero(t, swept)
}

func TestJanitorRunTicks(t *testing.T) {
	sweeper := &fakeSweeper{}
	j := NewJanitor(config.ExecutorConfig{SweepInterval: 10 * time.Millisecond}, sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return sweeper.calls() >= 2
	}, 2*time.Second, 5*time.Millisecond, "janitor never swept")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on context cancel")
	}
}

func TestJanitorRunSurvivesSweepFailure(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("db down")}
	j := NewJanitor(config.ExecutorConfig{SweepInterval: 10 * time.Millisecond}, sweeper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go j.Run(ctx)

	// The loop keeps ticking through failures.
	require.Eventually(t, func() bool {
		return sweeper.calls() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestJanitorConfigFallbacks(t *testing.T) {
	j := NewJanitor(config.ExecutorConfig{}, &fakeSweeper{})
	assert.Equal(t, time.Minute, j.interval())
	assert.Equal(t, 15*time.Minute, j.staleAfter())
}
