package controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awgctl/internal/addrutil"
	"awgctl/internal/awgconf"
	"awgctl/internal/config"
	"awgctl/internal/errors"
	"awgctl/internal/metrics"
	"awgctl/internal/model"
	"awgctl/internal/wireguard"
)

type memRegistry struct {
	mu      sync.Mutex
	peers   []model.PeerRecord
	saveErr error
	saves   int
	onSave  func()
}

func (r *memRegistry) Load() ([]model.PeerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PeerRecord(nil), r.peers...), nil
}

func (r *memRegistry) Save(peers []model.PeerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.onSave != nil {
		r.onSave()
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	r.peers = append([]model.PeerRecord(nil), peers...)
	return nil
}

func (r *memRegistry) snapshot() []model.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PeerRecord(nil), r.peers...)
}

type fakeLive struct {
	mu        sync.Mutex
	peers     map[string][]string
	applyErr  error
	removeErr error
	syncErr   error
	synced    *awgconf.Document
	calls     []string
}

func newFakeLive() *fakeLive {
	return &fakeLive{peers: map[string][]string{}}
}

func (l *fakeLive) ApplyPeer(ctx context.Context, pub string, allowed []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "apply")
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.applyErr != nil {
		return l.applyErr
	}
	l.peers[pub] = allowed
	return nil
}

func (l *fakeLive) RemovePeer(ctx context.Context, pub string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "remove")
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.removeErr != nil {
		return l.removeErr
	}
	delete(l.peers, pub)
	return nil
}

func (l *fakeLive) SyncConf(_ context.Context, doc *awgconf.Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "syncconf")
	if l.syncErr != nil {
		return l.syncErr
	}
	l.synced = doc
	return nil
}

func (l *fakeLive) has(pub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.peers[pub]
	return ok
}

func (l *fakeLive) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

type fakeTracker struct {
	mu        sync.Mutex
	counters  map[string]model.Counters
	forgotten []string
}

func (f *fakeTracker) Latest(pub string) (model.Counters, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.counters[pub]
	return c, ok
}

func (f *fakeTracker) Forget(pub string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, pub)
}

type failingKeys struct{}

func (failingKeys) Generate(context.Context) (wireguard.KeyPair, error) {
	return wireguard.KeyPair{}, errors.New(errors.KindGeneration, "awg genkey: exit status 1")
}

type fakeSamples struct {
	samples []model.StatSample
	totals  []metrics.Total
}

func (f *fakeSamples) Samples(_ context.Context, pub string, since time.Time) ([]model.StatSample, error) {
	var out []model.StatSample
	for _, s := range f.samples {
		if s.PublicKey == pub && !s.Timestamp.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSamples) Totals(context.Context, time.Time) ([]metrics.Total, error) {
	return f.totals, nil
}

type env struct {
	m       *Manager
	reg     *memRegistry
	live    *fakeLive
	tracker *fakeTracker
	samples *fakeSamples
	pool    *addrutil.Pool
	conf    *awgconf.Store
	now     time.Time
}

func (e *env) configBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(e.conf.Path())
	require.NoError(t, err)
	return data
}

type envOption func(*Options, *env)

func withSubnet(subnet string) envOption {
	return func(o *Options, e *env) {
		pool, err := addrutil.NewPool(subnet, "10.8.0.1")
		if err != nil {
			panic(err)
		}
		o.Pool, e.pool = pool, pool
	}
}

func withRecords(peers ...model.PeerRecord) envOption {
	return func(_ *Options, e *env) {
		e.reg.peers = peers
	}
}

func withKeys(k wireguard.KeyGenerator) envOption {
	return func(o *Options, _ *env) {
		o.Keys = k
	}
}

func withClient(fn func(*ClientSettings)) envOption {
	return func(o *Options, _ *env) {
		fn(&o.Client)
	}
}

// withServerConfig edits the interface file before the manager loads it.
func withServerConfig(fn func(*awgconf.Document)) envOption {
	return func(_ *Options, e *env) {
		doc, err := e.conf.Load()
		if err != nil {
			panic(err)
		}
		fn(doc)
		if err := e.conf.Save(doc); err != nil {
			panic(err)
		}
	}
}

// dropKey removes every entry named key from sec.
func dropKey(sec *awgconf.Section, key string) {
	kept := sec.Entries[:0]
	for _, en := range sec.Entries {
		if !strings.EqualFold(en.Key, key) {
			kept = append(kept, en)
		}
	}
	sec.Entries = kept
}

func writeServerConfig(t *testing.T, path string) {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	doc := awgconf.NewServerDocument(awgconf.ServerParams{
		PrivateKey:      priv.String(),
		Address:         "10.8.0.1/24",
		ListenPort:      51820,
		EgressInterface: "eth0",
		Obfuscation:     config.DefaultObfuscation(),
	})
	require.NoError(t, awgconf.NewStore(path).Save(doc))
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := newUnloadedEnv(t, opts...)
	require.NoError(t, e.m.Load())
	return e
}

func newUnloadedEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	path := filepath.Join(t.TempDir(), "awg0.conf")
	writeServerConfig(t, path)

	pool, err := addrutil.NewPool("10.8.0.0/24", "10.8.0.1/24")
	require.NoError(t, err)

	e := &env{
		reg:     &memRegistry{},
		live:    newFakeLive(),
		tracker: &fakeTracker{counters: map[string]model.Counters{}},
		samples: &fakeSamples{},
		pool:    pool,
		conf:    awgconf.NewStore(path),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	o := Options{
		Registry: e.reg,
		Config:   e.conf,
		Pool:     pool,
		Keys:     wireguard.NativeKeys{},
		Live:     e.live,
		Tracker:  e.tracker,
		Samples:  e.samples,
		Client: ClientSettings{
			Endpoint:     "vpn.example.com:51820",
			DNS:          "1.1.1.1",
			MTU:          1280,
			KeepaliveSec: 25,
			Obfuscation:  config.DefaultObfuscation(),
			ListenPort:   51820,
		},
		Now: func() time.Time { return e.now },
	}
	for _, opt := range opts {
		opt(&o, e)
	}
	e.m = NewManager(o)
	return e
}

func freshPool(t *testing.T) *addrutil.Pool {
	t.Helper()
	pool, err := addrutil.NewPool("10.8.0.0/24", "10.8.0.1/24")
	require.NoError(t, err)
	return pool
}
