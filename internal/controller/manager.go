package controller

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"awgctl/internal/addrutil"
	"awgctl/internal/awgconf"
	"awgctl/internal/config"
	"awgctl/internal/errors"
	"awgctl/internal/logging"
	"awgctl/internal/metrics"
	"awgctl/internal/model"
	"awgctl/internal/payload"
	"awgctl/internal/store"
	"awgctl/internal/wireguard"
)

const maxNameLen = 32

// compensateTimeout bounds each undo step. Undo steps ignore request
// cancellation.
const compensateTimeout = 10 * time.Second

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Live is the running interface. A nil Live means the manager edits the
// registry and config file only, as `awgctl sync` does.
type Live interface {
	ApplyPeer(ctx context.Context, publicKey string, allowedIPs []string) error
	RemovePeer(ctx context.Context, publicKey string) error
	SyncConf(ctx context.Context, doc *awgconf.Document) error
}

// Tracker is the in-memory stats state kept per peer.
type Tracker interface {
	Latest(publicKey string) (model.Counters, bool)
	Forget(publicKey string)
}

// SampleReader reads persisted stat samples.
type SampleReader interface {
	Samples(ctx context.Context, publicKey string, since time.Time) ([]model.StatSample, error)
	Totals(ctx context.Context, since time.Time) ([]metrics.Total, error)
}

// ClientSettings are the values baked into every issued client config.
type ClientSettings struct {
	Endpoint     string // host:port
	DNS          string
	MTU          int
	KeepaliveSec int
	Obfuscation  config.Obfuscation
	// ListenPort is the port the interface file must listen on. Zero skips
	// the check.
	ListenPort int
}

// Options configures a Manager.
type Options struct {
	Registry store.Persister
	Config   *awgconf.Store
	Pool     *addrutil.Pool
	Keys     wireguard.KeyGenerator
	Live     Live
	Tracker  Tracker
	Samples  SampleReader
	Exporter *metrics.Exporter
	Client   ClientSettings
	// SessionWindow is how recent a handshake must be for a peer to count
	// as online.
	SessionWindow time.Duration
	Logger        *logging.Logger
	Now           func() time.Time
}

// Issued is the result of a successful Create. PrivateKey leaves the
// manager here and nowhere else.
type Issued struct {
	Peer    model.PeerRecord `json:"peer"`
	Config  string           `json:"config"`
	Payload string           `json:"payload"`
}

// PeerStatus is a registry record joined with live session data.
type PeerStatus struct {
	model.PeerRecord
	Online          bool      `json:"online"`
	LatestHandshake time.Time `json:"latest_handshake,omitempty"`
	Received        uint64    `json:"received"`
	Sent            uint64    `json:"sent"`
}

// PeerTotal is traffic attributed to one named peer.
type PeerTotal struct {
	Name string `json:"name,omitempty"`
	metrics.Total
}

// Manager owns the peer set. Every mutation of the registry, the config
// file and the live interface happens under mu, so concurrent requests
// queue rather than interleave. Reads take mu shared.
type Manager struct {
	registry store.Persister
	conf     *awgconf.Store
	pool     *addrutil.Pool
	keys     wireguard.KeyGenerator
	live     Live
	tracker  Tracker
	samples  SampleReader
	exporter *metrics.Exporter
	client   ClientSettings
	window   time.Duration
	log      *logging.Logger
	now      func() time.Time

	mu        sync.RWMutex
	peers     []model.PeerRecord
	serverPub string
	closed    bool
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionWindow == 0 {
		opts.SessionWindow = config.DefaultSessionWindow
	}
	return &Manager{
		registry: opts.Registry,
		conf:     opts.Config,
		pool:     opts.Pool,
		keys:     opts.Keys,
		live:     opts.Live,
		tracker:  opts.Tracker,
		samples:  opts.Samples,
		exporter: opts.Exporter,
		client:   opts.Client,
		window:   opts.SessionWindow,
		log:      opts.Logger.WithComponent("peers"),
		now:      opts.Now,
	}
}

// Load reads the registry, reserves every recorded address in the pool and
// derives the server public key from the interface config.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.conf.Load()
	if err != nil {
		return err
	}
	priv, _ := doc.Interface().Get(awgconf.KeyPrivateKey)
	pub, err := wireguard.PublicKey(priv)
	if err != nil {
		return err
	}
	filled, err := m.checkTunables(doc)
	if err != nil {
		return err
	}
	if filled {
		if err := m.conf.Save(doc); err != nil {
			return err
		}
	}

	peers, err := m.registry.Load()
	if err != nil {
		return err
	}
	for _, p := range peers {
		addr, err := addrutil.ParseHost(p.Address)
		if err != nil {
			return errors.Attr(errors.Wrapf(err, errors.KindConfig, "peer %s address", p.Name), "peer", p.Name)
		}
		if !m.pool.Reserve(addr) {
			return errors.Attr(errors.Errorf(errors.KindConfig, "peer %s address %s is outside %s or already taken", p.Name, addr, m.pool.Subnet()), "peer", p.Name)
		}
	}

	m.peers = peers
	m.serverPub = pub
	m.exporter.SetPeers(len(peers))
	m.log.Info("registry loaded", "peers", len(peers), "pool_used", m.pool.Len(), "pool_capacity", m.pool.Capacity())
	return nil
}

// checkTunables compares the [Interface] obfuscation parameters and listen
// port with the client settings. Issued clients could not complete a
// handshake against different values, so any difference is a config error.
// Parameters the file lacks are added from the settings; the result reports
// whether doc changed.
func (m *Manager) checkTunables(doc *awgconf.Document) (bool, error) {
	iface := doc.Interface()
	want := m.client.Obfuscation
	got, missing, err := awgconf.ReadObfuscation(iface, want)
	if err != nil {
		return false, errors.Attr(err, "path", m.conf.Path())
	}
	// Without configured parameters the file is authoritative.
	if want == (config.Obfuscation{}) {
		m.client.Obfuscation = got
		return false, nil
	}
	if got != want {
		var diff []string
		wf := want.Fields()
		for i, kv := range got.Fields() {
			if kv[1] != wf[i][1] {
				diff = append(diff, fmt.Sprintf("%s=%s (configured %s)", kv[0], kv[1], wf[i][1]))
			}
		}
		return false, errors.Attr(errors.Errorf(errors.KindConfig,
			"obfuscation parameters in %s differ from the configured ones: %s", m.conf.Path(), strings.Join(diff, ", ")), "path", m.conf.Path())
	}

	if m.client.ListenPort != 0 {
		raw, _ := iface.Get(awgconf.KeyListenPort)
		if port, _ := strconv.Atoi(raw); port != m.client.ListenPort {
			return false, errors.Attr(errors.Errorf(errors.KindConfig,
				"ListenPort %s in %s differs from the configured %d", raw, m.conf.Path(), m.client.ListenPort), "path", m.conf.Path())
		}
	}

	if len(missing) == 0 {
		return false, nil
	}
	for _, f := range awgconf.ObfuscationFields(got) {
		iface.SetMissing(f.Key, f.Value)
	}
	m.log.Warn("added missing obfuscation parameters to interface config", "path", m.conf.Path(), "keys", missing)
	return true, nil
}

// Close stops accepting operations. It waits for the one in flight.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Manager) available() error {
	if m.closed {
		return errors.New(errors.KindUnavailable, "peer manager is shutting down")
	}
	return nil
}

// ValidateName checks a peer name before anything else happens.
func ValidateName(name string) error {
	if name == "" || len(name) > maxNameLen || !namePattern.MatchString(name) {
		return errors.Attr(errors.Errorf(errors.KindValidation,
			"invalid peer name %q: use 1-%d letters, digits, '-' or '_'", name, maxNameLen), "peer", name)
	}
	return nil
}

// Create registers a new peer: generate keys, allocate an address, persist
// the record, add the config section and apply it live. A failing step
// undoes the earlier ones in reverse.
func (m *Manager) Create(ctx context.Context, name string) (Issued, error) {
	if err := ValidateName(name); err != nil {
		return Issued{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return Issued{}, err
	}
	if _, ok := m.find(name); ok {
		return Issued{}, errors.Attr(errors.Errorf(errors.KindDuplicateName, "peer %q already exists", name), "peer", name)
	}

	kp, err := m.keys.Generate(ctx)
	if err != nil {
		return Issued{}, errors.Attr(errors.Context(err, "create peer"), "peer", name)
	}

	prefix, err := m.pool.Allocate()
	if err != nil {
		return Issued{}, errors.Attr(errors.Context(err, "create peer"), "peer", name)
	}
	release := func() { m.pool.Release(prefix.Addr()) }

	rec := model.PeerRecord{
		Name:      name,
		PublicKey: kp.PublicKey,
		Address:   prefix.String(),
		CreatedAt: m.now().UTC(),
		Enabled:   true,
	}
	issued, err := m.issue(rec, kp.PrivateKey)
	if err != nil {
		release()
		return Issued{}, errors.Attr(err, "peer", name)
	}

	next := append(append(make([]model.PeerRecord, 0, len(m.peers)+1), m.peers...), rec)
	if err := m.registry.Save(next); err != nil {
		release()
		return Issued{}, errors.Attr(errors.Context(err, "persist peer"), "peer", name)
	}

	if err := m.conf.UpsertPeer(rec.PublicKey, peerFields(rec)...); err != nil {
		m.restoreRegistry()
		release()
		return Issued{}, errors.Attr(errors.Context(err, "add config section"), "peer", name)
	}

	if m.live != nil {
		if err := m.live.ApplyPeer(ctx, rec.PublicKey, []string{rec.Address}); err != nil {
			m.removeSection(rec)
			m.restoreRegistry()
			release()
			return Issued{}, errors.Attr(errors.Context(err, "apply peer"), "peer", name)
		}
	}

	m.peers = next
	m.exporter.SetPeers(len(next))
	m.log.Info("peer created", "peer", name, "address", rec.Address, "keys", kp)
	return issued, nil
}

// Delete removes a peer: live first, then its config section, then the
// record, and finally frees its address.
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	i, ok := m.find(name)
	if !ok {
		return unknownPeer(name)
	}
	rec := m.peers[i]

	if rec.Enabled {
		if err := m.detach(ctx, rec); err != nil {
			return errors.Attr(err, "peer", name)
		}
	}

	next := append(append(make([]model.PeerRecord, 0, len(m.peers)-1), m.peers[:i]...), m.peers[i+1:]...)
	if err := m.registry.Save(next); err != nil {
		if rec.Enabled {
			m.reattach(ctx, rec)
		}
		return errors.Attr(errors.Context(err, "persist peer removal"), "peer", name)
	}

	m.peers = next
	if addr, err := addrutil.ParseHost(rec.Address); err == nil {
		m.pool.Release(addr)
	}
	if m.tracker != nil {
		m.tracker.Forget(rec.PublicKey)
	}
	m.exporter.SetPeers(len(next))
	m.log.Info("peer deleted", "peer", name, "address", rec.Address)
	return nil
}

// Disable removes the peer from the interface and the config file but
// keeps its record and address. It returns the peer as left by the call.
func (m *Manager) Disable(ctx context.Context, name string) (PeerStatus, error) {
	return m.setEnabled(ctx, name, false)
}

// Enable puts a disabled peer back on the interface.
func (m *Manager) Enable(ctx context.Context, name string) (PeerStatus, error) {
	return m.setEnabled(ctx, name, true)
}

func (m *Manager) setEnabled(ctx context.Context, name string, enabled bool) (PeerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return PeerStatus{}, err
	}
	i, ok := m.find(name)
	if !ok {
		return PeerStatus{}, unknownPeer(name)
	}
	rec := m.peers[i]
	if rec.Enabled == enabled {
		return m.status(rec), nil
	}

	if enabled {
		if err := m.attach(ctx, rec); err != nil {
			return PeerStatus{}, errors.Attr(err, "peer", name)
		}
	} else if err := m.detach(ctx, rec); err != nil {
		return PeerStatus{}, errors.Attr(err, "peer", name)
	}

	rec.Enabled = enabled
	next := append([]model.PeerRecord(nil), m.peers...)
	next[i] = rec
	if err := m.registry.Save(next); err != nil {
		if enabled {
			undo, cancel := compensateContext(ctx)
			_ = m.detach(undo, rec)
			cancel()
		} else {
			m.reattach(ctx, rec)
		}
		return PeerStatus{}, errors.Attr(errors.Context(err, "persist peer state"), "peer", name)
	}
	m.peers = next
	m.log.Info("peer state changed", "peer", name, "enabled", enabled)
	return m.status(rec), nil
}

// attach adds the config section and applies the peer live, removing the
// section again if the live step fails.
func (m *Manager) attach(ctx context.Context, rec model.PeerRecord) error {
	if err := m.conf.UpsertPeer(rec.PublicKey, peerFields(rec)...); err != nil {
		return errors.Context(err, "add config section")
	}
	if m.live != nil {
		if err := m.live.ApplyPeer(ctx, rec.PublicKey, []string{rec.Address}); err != nil {
			m.removeSection(rec)
			return errors.Context(err, "apply peer")
		}
	}
	return nil
}

// detach is the mirror of attach: live removal first, then the section.
func (m *Manager) detach(ctx context.Context, rec model.PeerRecord) error {
	if m.live != nil {
		if err := m.live.RemovePeer(ctx, rec.PublicKey); err != nil {
			return errors.Context(err, "remove live peer")
		}
	}
	if _, err := m.conf.RemovePeer(rec.PublicKey); err != nil {
		m.reapply(ctx, rec)
		return errors.Context(err, "remove config section")
	}
	return nil
}

// reattach restores a detached peer after a later step failed.
func (m *Manager) reattach(ctx context.Context, rec model.PeerRecord) {
	if err := m.conf.UpsertPeer(rec.PublicKey, peerFields(rec)...); err != nil {
		m.log.Error("compensation failed: restore config section", "peer", rec.Name, "error", err)
	}
	m.reapply(ctx, rec)
}

func (m *Manager) reapply(ctx context.Context, rec model.PeerRecord) {
	if m.live == nil {
		return
	}
	ctx, cancel := compensateContext(ctx)
	defer cancel()
	if err := m.live.ApplyPeer(ctx, rec.PublicKey, []string{rec.Address}); err != nil {
		m.log.Error("compensation failed: re-apply live peer", "peer", rec.Name, "error", err)
	}
}

// compensateContext keeps the request's values but not its cancellation.
func compensateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
}

func (m *Manager) removeSection(rec model.PeerRecord) {
	if _, err := m.conf.RemovePeer(rec.PublicKey); err != nil {
		m.log.Error("compensation failed: remove config section", "peer", rec.Name, "error", err)
	}
}

func (m *Manager) restoreRegistry() {
	if err := m.registry.Save(m.peers); err != nil {
		m.log.Error("compensation failed: restore registry", "error", err)
	}
}

// Reconcile rewrites the config's peer sections from the enabled records
// and hands the result to the live interface in one syncconf.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}

	doc, err := m.conf.Load()
	if err != nil {
		return err
	}
	before := string(doc.Bytes())
	if _, err := m.checkTunables(doc); err != nil {
		return err
	}

	want := make(map[string]model.PeerRecord, len(m.peers))
	for _, p := range m.peers {
		if p.Enabled {
			want[p.PublicKey] = p
		}
	}
	removed := 0
	for _, sec := range doc.Peers() {
		pub, _ := sec.Get(awgconf.KeyPublicKey)
		if _, ok := want[pub]; !ok {
			doc.RemovePeer(pub)
			removed++
		}
	}
	added := 0
	for _, p := range m.peers {
		if p.Enabled && doc.UpsertPeer(p.PublicKey, peerFields(p)...) {
			added++
		}
	}

	if string(doc.Bytes()) != before {
		if err := m.conf.Save(doc); err != nil {
			return err
		}
	}
	m.log.Info("config reconciled", "added", added, "removed", removed, "peers", len(want))

	if m.live != nil {
		if err := m.live.SyncConf(ctx, doc); err != nil {
			return errors.Context(err, "sync live interface")
		}
	}
	return nil
}

// List returns every record in creation order with live session data.
func (m *Manager) List() ([]PeerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, m.status(p))
	}
	return out, nil
}

// Get returns one peer by name.
func (m *Manager) Get(name string) (PeerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return PeerStatus{}, err
	}
	i, ok := m.find(name)
	if !ok {
		return PeerStatus{}, unknownPeer(name)
	}
	return m.status(m.peers[i]), nil
}

// Stats returns the stored samples of one peer since the given time.
func (m *Manager) Stats(ctx context.Context, name string, since time.Time) ([]model.StatSample, error) {
	m.mu.RLock()
	i, ok := m.find(name)
	var pub string
	if ok {
		pub = m.peers[i].PublicKey
	}
	err := m.available()
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, unknownPeer(name)
	}
	if m.samples == nil {
		return nil, errors.New(errors.KindUnavailable, "stats store not configured")
	}
	return m.samples.Samples(ctx, pub, since)
}

// Totals returns per-peer traffic since the given time, busiest first.
// Samples of deleted peers are reported without a name.
func (m *Manager) Totals(ctx context.Context, since time.Time) ([]PeerTotal, error) {
	if m.samples == nil {
		return nil, errors.New(errors.KindUnavailable, "stats store not configured")
	}
	totals, err := m.samples.Totals(ctx, since)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	names := make(map[string]string, len(m.peers))
	for _, p := range m.peers {
		names[p.PublicKey] = p.Name
	}
	m.mu.RUnlock()

	out := make([]PeerTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, PeerTotal{Name: names[t.PublicKey], Total: t})
	}
	return out, nil
}

// Count is the number of registered peers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

func (m *Manager) status(p model.PeerRecord) PeerStatus {
	st := PeerStatus{PeerRecord: p}
	if m.tracker == nil {
		return st
	}
	if c, ok := m.tracker.Latest(p.PublicKey); ok {
		st.LatestHandshake = c.LatestHandshake
		st.Received, st.Sent = c.Received, c.Sent
		st.Online = metrics.Online(c, m.now(), m.window)
	}
	return st
}

func (m *Manager) find(name string) (int, bool) {
	for i, p := range m.peers {
		if p.Name == name {
			return i, true
		}
	}
	return -1, false
}

// issue renders the client config and the import payload.
func (m *Manager) issue(rec model.PeerRecord, privateKey string) (Issued, error) {
	c := m.client
	cfg, err := awgconf.RenderClient(awgconf.ClientParams{
		PrivateKey:      privateKey,
		Address:         rec.Address,
		DNS:             c.DNS,
		Obfuscation:     c.Obfuscation,
		ServerPublicKey: m.serverPub,
		Endpoint:        c.Endpoint,
		KeepaliveSec:    c.KeepaliveSec,
	})
	if err != nil {
		return Issued{}, errors.Wrap(err, errors.KindConfig, "render client config")
	}

	host, port := addrutil.SplitEndpoint(c.Endpoint, config.DefaultListenPort)
	link, err := payload.Link(payload.Params{
		Config:          cfg,
		PrivateKey:      privateKey,
		Address:         rec.Address,
		ServerPublicKey: m.serverPub,
		Host:            host,
		Port:            port,
		DNS:             c.DNS,
		MTU:             c.MTU,
		KeepaliveSec:    c.KeepaliveSec,
		Obfuscation:     c.Obfuscation,
	})
	if err != nil {
		return Issued{}, errors.Wrap(err, errors.KindConfig, "encode client payload")
	}
	return Issued{Peer: rec, Config: cfg, Payload: link}, nil
}

func peerFields(rec model.PeerRecord) []awgconf.Field {
	return []awgconf.Field{{Key: awgconf.KeyAllowedIPs, Value: hostPrefix(rec.Address)}}
}

func hostPrefix(address string) string {
	addr, err := addrutil.ParseHost(address)
	if err != nil {
		return address
	}
	return netip.PrefixFrom(addr, addr.BitLen()).String()
}

func unknownPeer(name string) error {
	return errors.Attr(errors.Errorf(errors.KindUnknownPeer, "peer %q not found", name), "peer", name)
}
