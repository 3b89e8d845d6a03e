package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"railflow/models"
)

type fakeTransport struct {
	mu       sync.Mutex
	deliver  func([]byte)
	lost     chan error
	failures int
	connects int
	closes   int
}

func (f *fakeTransport) Connect(_ context.Context, deliver func([]byte)) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("broker unavailable")
	}
	f.deliver = deliver
	f.lost = make(chan error, 1)
	return f.lost, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) send(payload string) {
	f.mu.Lock()
	deliver := f.deliver
	f.mu.Unlock()
	deliver([]byte(payload))
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost <- errors.New("broker went away")
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type fakeExtractor struct {
	sweeps atomic.Int64
}

func (f *fakeExtractor) Process(ev models.FeedEvent, _ time.Time) []models.Segment {
	return []models.Segment{{Key: models.SegmentKey{RID: ev.RID, Origin: "POOLE", Destination: "PSTONE"}}}
}

func (f *fakeExtractor) Sweep(time.Time) int {
	f.sweeps.Add(1)
	return 0
}

type fakePool struct {
	mu        sync.Mutex
	submitted []models.Segment
	failed    chan struct{}
	drained   atomic.Bool
	drainErr  error
}

func newFakePool() *fakePool { return &fakePool{failed: make(chan struct{})} }

func (f *fakePool) Start(context.Context) {}

func (f *fakePool) Submit(_ context.Context, seg models.Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, seg)
	return nil
}

func (f *fakePool) Failed() <-chan struct{} { return f.failed }

func (f *fakePool) Drain() error {
	f.drained.Store(true)
	return f.drainErr
}

func (f *fakePool) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeWriter struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeWriter() *fakeWriter { return &fakeWriter{closed: make(chan struct{})} }

func (f *fakeWriter) Run(context.Context) error {
	<-f.closed
	return nil
}

func (f *fakeWriter) Close() { f.once.Do(func() { close(f.closed) }) }

func testRuntime(tr Transport, pool *fakePool, w *fakeWriter, duration time.Duration) (*Runtime, *fakeExtractor) {
	ex := &fakeExtractor{}
	rt := NewRuntime(tr, ex, pool, w, RuntimeConfig{
		Duration:         duration,
		Buffer:           4,
		ReconnectInitial: time.Millisecond,
		ReconnectMax:     5 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	}, zap.NewNop())
	return rt, ex
}

func TestRuntimeStreamsAndDrainsOnCancel(t *testing.T) {
	tr := &fakeTransport{}
	pool := newFakePool()
	w := newFakeWriter()
	rt, ex := testRuntime(tr, pool, w, -1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool { return rt.State() == StateStreaming }, time.Second, time.Millisecond)
	tr.send(`not a payload`)
	tr.send(`[{"rid":"a","ssd":"2025-01-15","tpl":"POOLE","type":"departure"},{"rid":"b","ssd":"2025-01-15","tpl":"POOLE","type":"departure"}]`)
	require.Eventually(t, func() bool { return pool.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return ex.sweeps.Load() > 0 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}

	assert.Equal(t, StateStopped, rt.State())
	assert.True(t, pool.drained.Load())

	status := rt.Status()
	assert.Equal(t, "stopped", status.State)
	assert.EqualValues(t, 2, status.Payloads)
	assert.EqualValues(t, 2, status.Events)
	assert.EqualValues(t, 2, status.Segments)
	assert.EqualValues(t, 1, status.DecodeErrors)

	stopped := make(chan struct{})
	go func() {
		tr.send(`[{"rid":"late","ssd":"2025-01-15","tpl":"POOLE","type":"departure"}]`)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("delivery after stop blocked")
	}
	assert.Equal(t, 2, pool.count())
}

func TestRuntimeReconnects(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	rt, _ := testRuntime(tr, newFakePool(), newFakeWriter(), -1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool { return rt.State() == StateStreaming }, time.Second, time.Millisecond)
	assert.Equal(t, 3, tr.connectCount())

	tr.drop()
	require.Eventually(t, func() bool { return tr.connectCount() == 4 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rt.State() == StateStreaming }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, rt.Status().Reconnects)

	cancel()
	require.NoError(t, <-done)
}

func TestRuntimeStopsAfterDuration(t *testing.T) {
	rt, _ := testRuntime(&fakeTransport{}, newFakePool(), newFakeWriter(), 30*time.Millisecond)

	start := time.Now()
	require.NoError(t, rt.Run(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, rt.State())
}

func TestRuntimeStopsOnPipelineFailure(t *testing.T) {
	pool := newFakePool()
	pool.drainErr = errors.New("storage exhausted")
	rt, _ := testRuntime(&fakeTransport{}, pool, newFakeWriter(), -1)

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()
	require.Eventually(t, func() bool { return rt.State() == StateStreaming }, time.Second, time.Millisecond)
	close(pool.failed)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, pool.drainErr)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.Equal(t, StateStopped, rt.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}
