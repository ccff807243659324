package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyArchive struct {
	mu       sync.Mutex
	failures int
	calls    int
	stored   []string
}

func (a *flakyArchive) Archive(_ context.Context, f models.RawFrame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures > 0 {
		a.failures--
		return errors.New("unavailable")
	}
	a.stored = append(a.stored, string(f.Payload))
	return nil
}

func (a *flakyArchive) Close() error { return nil }

func (a *flakyArchive) got() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stored...)
}

func frame(payload string) models.RawFrame {
	return models.RawFrame{ProductID: "BTC-USD", ReceivedAt: time.Now(), Payload: []byte(payload)}
}

func TestPipelineRejectsInvalidFrames(t *testing.T) {
	p := NewArchivePipeline(&flakyArchive{}, metrics.Nop{})
	assert.Error(t, p.Process(context.Background(), models.RawFrame{ReceivedAt: time.Now(), Payload: []byte("x")}))
	assert.Error(t, p.Process(context.Background(), models.RawFrame{ProductID: "BTC-USD", Payload: []byte("x")}))
	assert.Error(t, p.Process(context.Background(), models.RawFrame{ProductID: "BTC-USD", ReceivedAt: time.Now()}))
	assert.Zero(t, p.Pending())
}

func TestPipelineRetriesInOrder(t *testing.T) {
	a := &flakyArchive{failures: 2}
	p := NewArchivePipeline(a, metrics.Nop{}, WithRetry(5, time.Millisecond, 2*time.Millisecond))
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, p.Process(context.Background(), frame(s)))
	}
	p.Start(context.Background())

	require.Eventually(t, func() bool { return len(a.got()) == 3 }, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, []string{"a", "b", "c"}, a.got())
	assert.Equal(t, 5, a.calls)
}

func TestPipelineDropsAfterRetries(t *testing.T) {
	a := &flakyArchive{failures: 3}
	p := NewArchivePipeline(a, metrics.Nop{}, WithRetry(1, time.Millisecond, time.Millisecond))
	require.NoError(t, p.Process(context.Background(), frame("lost")))
	require.NoError(t, p.Process(context.Background(), frame("kept")))
	p.Start(context.Background())

	require.Eventually(t, func() bool { return len(a.got()) == 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
	assert.Equal(t, []string{"kept"}, a.got())
}

func TestPipelineBufferFullNeverBlocks(t *testing.T) {
	p := NewArchivePipeline(&flakyArchive{}, metrics.Nop{}, WithBufferSize(1))
	require.NoError(t, p.Process(context.Background(), frame("a")))
	assert.ErrorContains(t, p.Process(context.Background(), frame("b")), "buffer full")
	assert.Equal(t, 1, p.Pending())
}

func TestPipelineStopFlushes(t *testing.T) {
	a := &flakyArchive{}
	p := NewArchivePipeline(a, metrics.Nop{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, s := range []string{"a", "b"} {
		require.NoError(t, p.Process(context.Background(), frame(s)))
	}
	p.Start(ctx)
	p.Stop()
	assert.ElementsMatch(t, []string{"a", "b"}, a.got())
}
