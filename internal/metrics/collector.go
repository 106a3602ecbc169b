package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"awgctl/internal/logging"
	"awgctl/internal/model"
)

// Source reads live per-peer counters.
type Source interface {
	Snapshot(ctx context.Context) (map[string]model.Counters, error)
}

// SampleStore is where ticks land.
type SampleStore interface {
	Append(ctx context.Context, samples []model.StatSample) error
	LastSamples(ctx context.Context) (map[string]model.StatSample, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	Source   Source
	Store    SampleStore
	Exporter *Exporter
	Logger   *logging.Logger
	Now      func() time.Time
}

// baseline is the last cumulative reading of a peer within its epoch.
type baseline struct {
	epoch int
	rx    uint64
	tx    uint64
}

// Collector turns cumulative data-plane counters into per-tick deltas.
//
// A reading lower than the previous one in either direction means the data
// plane restarted: the peer enters a new epoch, the reading becomes the new
// baseline and the tick records a zero delta. Deltas are never negative.
type Collector struct {
	source   Source
	store    SampleStore
	exporter *Exporter
	log      *logging.Logger
	now      func() time.Time

	mu        sync.Mutex
	seq       int64
	baselines map[string]baseline
	latest    map[string]model.Counters
	lastTick  time.Time
	// forgets counts Forget calls; forgotten maps a key to the count at
	// its removal. A tick drops keys forgotten after its snapshot began.
	forgets   uint64
	forgotten map[string]uint64
}

func NewCollector(opts CollectorOptions) *Collector {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		source:    opts.Source,
		store:     opts.Store,
		exporter:  opts.Exporter,
		log:       opts.Logger.WithComponent("stats"),
		now:       opts.Now,
		baselines: map[string]baseline{},
		latest:    map[string]model.Counters{},
		forgotten: map[string]uint64{},
	}
}

// Load seeds baselines and the sequence from the store so a daemon restart
// does not count traffic twice.
func (c *Collector) Load(ctx context.Context) error {
	last, err := c.store.LastSamples(ctx)
	if err != nil {
		return err
	}
	seq, err := c.store.MaxSeq(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for pub, s := range last {
		c.baselines[pub] = baseline{epoch: s.Epoch, rx: s.RxBytes, tx: s.TxBytes}
	}
	c.seq = seq
	c.log.Debug("baselines loaded", "peers", len(last), "seq", seq)
	return nil
}

// Tick takes one snapshot and persists one sample per peer in it. Peers
// forgotten while the snapshot was being read are left out. Ticks must not
// overlap.
func (c *Collector) Tick(ctx context.Context) ([]model.StatSample, error) {
	c.mu.Lock()
	gen := c.forgets
	c.mu.Unlock()

	snap, err := c.source.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	c.seq++
	keys := make([]string, 0, len(snap))
	latest := make(map[string]model.Counters, len(snap))
	for pub, cur := range snap {
		if at, ok := c.forgotten[pub]; ok && at > gen {
			c.log.Debug("dropping reading of forgotten peer", "peer", pub)
			continue
		}
		keys = append(keys, pub)
		latest[pub] = cur
	}
	sort.Strings(keys)
	for pub, at := range c.forgotten {
		if at <= gen {
			delete(c.forgotten, pub)
		}
	}

	samples := make([]model.StatSample, 0, len(keys))
	next := make(map[string]baseline, len(keys))
	for _, pub := range keys {
		cur := snap[pub]
		s := model.StatSample{
			PublicKey: pub,
			Timestamp: now,
			Seq:       c.seq,
			RxBytes:   cur.Received,
			TxBytes:   cur.Sent,
		}

		prev, seen := c.baselines[pub]
		switch {
		case !seen:
			// First observation: everything so far is new traffic.
			s.Epoch = 1
			s.RxDelta, s.TxDelta = cur.Received, cur.Sent
		case cur.Received >= prev.rx && cur.Sent >= prev.tx:
			s.Epoch = prev.epoch
			s.RxDelta, s.TxDelta = cur.Received-prev.rx, cur.Sent-prev.tx
		default:
			s.Epoch = prev.epoch + 1
			c.log.Info("counter reset", "peer", pub, "epoch", s.Epoch,
				"prev_rx", prev.rx, "prev_tx", prev.tx, "rx", cur.Received, "tx", cur.Sent)
			c.exporter.CounterReset()
		}

		next[pub] = baseline{epoch: s.Epoch, rx: cur.Received, tx: cur.Sent}
		samples = append(samples, s)
	}

	if err := c.store.Append(ctx, samples); err != nil {
		// Baselines stay at the last persisted reading; the next tick
		// attributes this tick's traffic.
		c.seq--
		return nil, err
	}

	for pub, b := range next {
		c.baselines[pub] = b
	}
	c.latest = latest
	c.lastTick = now
	for _, s := range samples {
		c.exporter.ObserveSample(s)
	}
	c.exporter.Tick()
	return samples, nil
}

// Run ticks every interval until ctx is cancelled. A tick in progress when
// ctx is cancelled runs to completion.
func (c *Collector) Run(ctx context.Context, interval time.Duration) error {
	c.log.Info("starting stats collector", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			samples, err := c.Tick(context.WithoutCancel(ctx))
			if err != nil {
				c.log.Warn("stats tick failed", "error", err)
				continue
			}
			c.log.Debug("stats tick", "samples", len(samples))
		}
	}
}

// Forget drops the in-memory state of a deleted peer. Its stored samples
// are kept.
func (c *Collector) Forget(publicKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgets++
	c.forgotten[publicKey] = c.forgets
	delete(c.baselines, publicKey)
	delete(c.latest, publicKey)
	c.exporter.ForgetPeer(publicKey)
}

// Latest returns the counters seen by the last successful tick.
func (c *Collector) Latest(publicKey string) (model.Counters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.latest[publicKey]
	return v, ok
}

// LastTick is the time of the last successful tick, zero before the first.
func (c *Collector) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

// Online reports whether the peer completed a handshake within window of now.
func Online(c model.Counters, now time.Time, window time.Duration) bool {
	if c.LatestHandshake.IsZero() {
		return false
	}
	return now.Sub(c.LatestHandshake) <= window
}
