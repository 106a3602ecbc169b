package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awgctl/internal/errors"
	"awgctl/internal/model"
)

type fakeSource struct {
	mu   sync.Mutex
	snap map[string]model.Counters
	err  error
	// during runs inside Snapshot, after the counters are read.
	during func()
}

func (f *fakeSource) set(snap map[string]model.Counters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
}

func (f *fakeSource) Snapshot(ctx context.Context) (map[string]model.Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]model.Counters, len(f.snap))
	for k, v := range f.snap {
		out[k] = v
	}
	if f.during != nil {
		f.during()
	}
	return out, nil
}

type failingStore struct {
	SampleStore
	fail bool
}

func (f *failingStore) Append(ctx context.Context, samples []model.StatSample) error {
	if f.fail {
		return errors.New(errors.KindInternal, "disk full")
	}
	return f.SampleStore.Append(ctx, samples)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func counters(rx, tx uint64) model.Counters {
	return model.Counters{Received: rx, Sent: tx}
}

func TestCollector_DeltasAndReset(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	store := openTestStore(t)
	exp := NewExporter()
	clock := &manualClock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	c := NewCollector(CollectorOptions{Source: src, Store: store, Exporter: exp, Now: clock.Now})
	ctx := context.Background()
	require.NoError(t, c.Load(ctx))

	src.set(map[string]model.Counters{"pa": counters(100000, 50000)})
	s, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, 1, s[0].Epoch)
	assert.Equal(t, uint64(100000), s[0].RxDelta, "first observation counts everything")

	clock.Advance(time.Minute)
	src.set(map[string]model.Counters{"pa": counters(500000, 300000)})
	s, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(400000), s[0].RxDelta)
	assert.Equal(t, uint64(250000), s[0].TxDelta)

	// Data plane restarted.
	clock.Advance(time.Minute)
	src.set(map[string]model.Counters{"pa": counters(0, 0)})
	s, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s[0].Epoch)
	assert.Zero(t, s[0].RxDelta)
	assert.Zero(t, s[0].TxDelta)

	clock.Advance(time.Minute)
	src.set(map[string]model.Counters{"pa": counters(1000, 700)})
	s, err = c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s[0].Epoch)
	assert.Equal(t, uint64(1000), s[0].RxDelta)
	assert.Equal(t, uint64(700), s[0].TxDelta)

	// Unchanged traffic still records a sample.
	clock.Advance(time.Minute)
	s, err = c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Zero(t, s[0].RxDelta)
	assert.Equal(t, int64(5), s[0].Seq)

	assert.Equal(t, 1.0, testutil.ToFloat64(exp.resets))
	assert.Equal(t, 5.0, testutil.ToFloat64(exp.ticks))
	assert.Equal(t, 1000.0, testutil.ToFloat64(exp.received.WithLabelValues("pa")))
}

func TestCollector_OneDirectionRegressionIsReset(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	c := NewCollector(CollectorOptions{Source: src, Store: openTestStore(t)})
	ctx := context.Background()

	src.set(map[string]model.Counters{"pa": counters(100, 100)})
	_, err := c.Tick(ctx)
	require.NoError(t, err)

	src.set(map[string]model.Counters{"pa": counters(200, 50)})
	s, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s[0].Epoch)
	assert.Zero(t, s[0].RxDelta)
	assert.Zero(t, s[0].TxDelta)
}

func TestCollector_LoadSeedsFromStore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	src := &fakeSource{}

	first := NewCollector(CollectorOptions{Source: src, Store: store})
	require.NoError(t, first.Load(ctx))
	src.set(map[string]model.Counters{"pa": counters(1000, 1000)})
	_, err := first.Tick(ctx)
	require.NoError(t, err)

	// Daemon restart: the data plane kept running.
	second := NewCollector(CollectorOptions{Source: src, Store: store})
	require.NoError(t, second.Load(ctx))
	src.set(map[string]model.Counters{"pa": counters(1500, 1000)})
	s, err := second.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), s[0].RxDelta, "not counted twice")
	assert.Equal(t, int64(2), s[0].Seq)
	assert.Equal(t, 1, s[0].Epoch)
}

func TestCollector_FailedAppendKeepsBaseline(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	store := &failingStore{SampleStore: openTestStore(t)}
	c := NewCollector(CollectorOptions{Source: src, Store: store})
	ctx := context.Background()

	src.set(map[string]model.Counters{"pa": counters(100, 0)})
	_, err := c.Tick(ctx)
	require.NoError(t, err)

	store.fail = true
	src.set(map[string]model.Counters{"pa": counters(300, 0)})
	_, err = c.Tick(ctx)
	require.Error(t, err)

	store.fail = false
	src.set(map[string]model.Counters{"pa": counters(400, 0)})
	s, err := c.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), s[0].RxDelta)
	assert.Equal(t, int64(2), s[0].Seq)
}

func TestCollector_SnapshotErrorWritesNothing(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	src := &fakeSource{err: errors.New(errors.KindUnavailable, "interface down")}
	c := NewCollector(CollectorOptions{Source: src, Store: store})

	_, err := c.Tick(context.Background())
	require.Error(t, err)
	seq, err := store.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestCollector_Forget(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	c := NewCollector(CollectorOptions{Source: src, Store: openTestStore(t)})
	ctx := context.Background()

	src.set(map[string]model.Counters{"pa": counters(10, 10)})
	_, err := c.Tick(ctx)
	require.NoError(t, err)
	_, ok := c.Latest("pa")
	require.True(t, ok)

	c.Forget("pa")
	_, ok = c.Latest("pa")
	assert.False(t, ok)
}

func TestCollector_ForgetDuringSnapshot(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	exp := NewExporter()
	c := NewCollector(CollectorOptions{Source: src, Store: openTestStore(t), Exporter: exp})
	ctx := context.Background()

	src.set(map[string]model.Counters{"pa": counters(10, 10), "pb": counters(5, 5)})
	_, err := c.Tick(ctx)
	require.NoError(t, err)

	src.during = func() { c.Forget("pa") }
	samples, err := c.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "pb", samples[0].PublicKey)

	_, ok := c.Latest("pa")
	assert.False(t, ok)
	c.mu.Lock()
	_, ok = c.baselines["pa"]
	c.mu.Unlock()
	assert.False(t, ok, "baseline re-added")
	assert.Equal(t, 1, testutil.CollectAndCount(exp.received))

	// Later ticks no longer carry the forgotten key.
	src.during = nil
	src.set(map[string]model.Counters{"pb": counters(6, 6)})
	_, err = c.Tick(ctx)
	require.NoError(t, err)
	c.mu.Lock()
	assert.Empty(t, c.forgotten)
	c.mu.Unlock()
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(map[string]model.Counters{"pa": counters(1, 1)})
	c := NewCollector(CollectorOptions{Source: src, Store: openTestStore(t)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return !c.LastTick().IsZero() }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestOnline(t *testing.T) {
	t.Parallel()

	now := time.Now()
	window := 300 * time.Second
	assert.False(t, Online(model.Counters{}, now, window))
	assert.True(t, Online(model.Counters{LatestHandshake: now.Add(-299 * time.Second)}, now, window))
	assert.False(t, Online(model.Counters{LatestHandshake: now.Add(-301 * time.Second)}, now, window))
}
