package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"awgctl/internal/addrutil"
	"awgctl/internal/awgconf"
	"awgctl/internal/config"
	"awgctl/internal/controller"
	"awgctl/internal/errors"
	"awgctl/internal/store"
	"awgctl/internal/wireguard"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(e string) int {
	for i, v := range l.list() {
		if v == e {
			return i
		}
	}
	return -1
}

type fakeIface struct {
	events   *eventLog
	startErr error

	mu        sync.Mutex
	state     wireguard.State
	healthErr error
}

func (f *fakeIface) Name() string { return "awg0" }

func (f *fakeIface) State() wireguard.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeIface) Start(context.Context, *awgconf.Document) error {
	f.events.add("start")
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.state = wireguard.StateUp
	f.mu.Unlock()
	return nil
}

func (f *fakeIface) Stop(context.Context) error {
	f.events.add("stop")
	f.mu.Lock()
	f.state = wireguard.StateDown
	f.mu.Unlock()
	return nil
}

func (f *fakeIface) Healthy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeIface) setHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *fakeIface) ApplyPeer(context.Context, string, []string) error {
	f.events.add("apply")
	return nil
}

func (f *fakeIface) RemovePeer(context.Context, string) error {
	f.events.add("remove")
	return nil
}

func (f *fakeIface) SyncConf(context.Context, *awgconf.Document) error {
	f.events.add("syncconf")
	return nil
}

type fakeStats struct {
	events *eventLog
}

func (s *fakeStats) Load(context.Context) error {
	s.events.add("stats.load")
	return nil
}

func (s *fakeStats) Run(ctx context.Context, _ time.Duration) error {
	s.events.add("stats.run")
	<-ctx.Done()
	s.events.add("stats.done")
	return nil
}

func (s *fakeStats) LastTick() time.Time { return time.Time{} }

var errUnhealthy = errors.New(errors.KindProcess, "awg show: no such device")

func newManager(t *testing.T, iface *fakeIface) (*controller.Manager, *awgconf.Store) {
	t.Helper()
	dir := t.TempDir()

	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	conf := awgconf.NewStore(filepath.Join(dir, "awg0.conf"))
	require.NoError(t, conf.Save(awgconf.NewServerDocument(awgconf.ServerParams{
		PrivateKey:  priv.String(),
		Address:     "10.8.0.1/24",
		ListenPort:  51820,
		Obfuscation: config.DefaultObfuscation(),
	})))

	pool, err := addrutil.NewPool("10.8.0.0/24", "10.8.0.1/24")
	require.NoError(t, err)
	m := controller.NewManager(controller.Options{
		Registry: store.NewFileStore(filepath.Join(dir, "registry.yaml")),
		Config:   conf,
		Pool:     pool,
		Keys:     wireguard.NativeKeys{},
		Live:     iface,
		Client: controller.ClientSettings{
			Endpoint:    "vpn.example.com:51820",
			Obfuscation: config.DefaultObfuscation(),
		},
	})
	require.NoError(t, m.Load())
	return m, conf
}
