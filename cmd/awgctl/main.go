package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"awgctl/internal/addrutil"
	"awgctl/internal/agent"
	"awgctl/internal/api"
	"awgctl/internal/audit"
	"awgctl/internal/awgconf"
	"awgctl/internal/config"
	"awgctl/internal/controller"
	"awgctl/internal/errors"
	"awgctl/internal/execx"
	"awgctl/internal/fsutil"
	"awgctl/internal/guard"
	"awgctl/internal/logging"
	"awgctl/internal/metrics"
	"awgctl/internal/payload"
	"awgctl/internal/store"
	"awgctl/internal/stunutil"
	"awgctl/internal/wireguard"
)

const usage = `awgctl - AmneziaWG peer and interface manager

Usage:
  awgctl init --config <path> [--force]
  awgctl serve --config <path> [--retry-delay 2s] [--retry-max-delay 30s]
  awgctl sync --config <path>
  awgctl peer create --config <path> --name <name> [--qr <file.png>]
  awgctl peer delete|get|enable|disable --config <path> --name <name>
  awgctl peer list --config <path>
  awgctl stats --config <path> [--peer <name>] [--window 24h] [--csv <file>]
  awgctl export csv --config <path> --out <file> [--peer <name>] [--window 0]
  awgctl status --config <path>
  awgctl audit --config <path> [--principal <id>] [--limit 50]
  awgctl keygen [--config <path>]
`

const (
	registryFile = "registry.yaml"
	statsFile    = "stats.db"
	auditFile    = "audit.db"

	stunTimeout       = 5 * time.Second
	maxHealthFailures = 10
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "init":
		handleInit(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "sync":
		handleSync(os.Args[2:])
	case "peer":
		handlePeer(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "audit":
		handleAudit(os.Args[2:])
	case "keygen":
		handleKeygen(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	force := fs.Bool("force", false, "overwrite an existing interface config")
	_ = fs.Parse(args)

	if *configPath != "" {
		if _, err := os.Stat(*configPath); os.IsNotExist(err) {
			if err := writeDefaultConfig(*configPath); err != nil {
				fatal(err)
			}
			fmt.Fprintf(os.Stdout, "wrote default config %s\n", *configPath)
		}
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	log := setupLogging(cfg)

	conf := awgconf.NewStore(cfg.Interface.ConfigPath)
	if conf.Exists() && !*force {
		fatal(fmt.Errorf("%s already exists (use --force to overwrite)", conf.Path()))
	}

	runner := execx.NewOSRunner(cfg.Interface.CommandTimeout)
	keys, err := wireguard.NewKeyGenerator(cfg.Interface.Keygen, runner).Generate(context.Background())
	if err != nil {
		fatal(err)
	}

	doc := awgconf.NewServerDocument(awgconf.ServerParams{
		PrivateKey:      keys.PrivateKey,
		Address:         cfg.Interface.Address,
		ListenPort:      cfg.Interface.ListenPort,
		EgressInterface: cfg.Interface.EgressInterface,
		Obfuscation:     cfg.Obfuscation,
	})
	if err := conf.Save(doc); err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(cfg.Controller.DataDir, 0o700); err != nil {
		fatal(err)
	}

	log.Info("interface config written", "path", conf.Path(), "keys", keys)
	fmt.Fprintf(os.Stdout, "wrote %s\npublic_key=%s\n", conf.Path(), keys.PublicKey)
}

func handleServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	retryDelay := fs.Duration("retry-delay", 2*time.Second, "initial retry delay")
	retryMaxDelay := fs.Duration("retry-max-delay", 30*time.Second, "max retry delay")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New(errors.KindValidation, "--config is required"))
	}

	ctx, cancel := signalContext()
	defer cancel()

	delay := *retryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	maxDelay := *retryMaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}

	for {
		// Reload each attempt so operator edits are picked up.
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		log := setupLogging(cfg)

		if err := serveOnce(ctx, cfg, log); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("serve exited", "error", err, "retry_in", delay.String())
			goto retry
		}
		return

	retry:
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = delay * 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// serveOnce builds the daemon from scratch and runs it. The manager is
// closed by agent.Run, so every attempt gets fresh components.
func serveOnce(ctx context.Context, cfg config.Config, log *logging.Logger) error {
	dataDir := cfg.Controller.DataDir
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return errors.Wrap(err, errors.KindConfig, "create data dir")
	}

	samples, err := metrics.OpenSQLite(filepath.Join(dataDir, statsFile))
	if err != nil {
		return err
	}
	defer samples.Close()

	auditStore, err := audit.Open(filepath.Join(dataDir, auditFile))
	if err != nil {
		return err
	}
	defer auditStore.Close()

	addr, err := netip.ParsePrefix(cfg.Interface.Address)
	if err != nil {
		return errors.Wrap(err, errors.KindConfig, "interface.address")
	}

	endpoint, err := resolveEndpoint(ctx, cfg, log)
	if err != nil {
		return err
	}

	exporter := metrics.NewExporter()
	runner := execx.NewOSRunner(cfg.Interface.CommandTimeout)
	iface := wireguard.NewController(wireguard.Options{
		Name:            cfg.Interface.Name,
		Address:         addr,
		MTU:             cfg.Interface.MTU,
		EgressInterface: cfg.Interface.EgressInterface,
		RetryBackoff:    cfg.Interface.RetryBackoff,
		StartAttempts:   cfg.Interface.StartAttempts,
		Runner:          runner,
		Links:           wireguard.NewLinks(cfg.Interface.LinkBackend, cfg.Interface.DataPlane, runner),
		Logger:          log,
	})
	collector := metrics.NewCollector(metrics.CollectorOptions{
		Source:   iface,
		Store:    samples,
		Exporter: exporter,
		Logger:   log,
	})

	mgr, err := newManager(cfg, endpoint, iface, collector, samples, exporter, log)
	if err != nil {
		return err
	}

	g := guard.New(guard.Options{
		Admins:   cfg.Access.Admins,
		Max:      cfg.Access.RateLimit.Max,
		Window:   cfg.Access.RateLimit.Window,
		Recorder: audit.NewLogger(auditStore, log),
		Exporter: exporter,
	})

	return agent.Run(ctx, agent.Options{
		Interface:         iface,
		Config:            awgconf.NewStore(cfg.Interface.ConfigPath),
		Manager:           mgr,
		Stats:             collector,
		Guard:             g,
		Exporter:          exporter,
		MetricsEnabled:    cfg.Controller.MetricsOn(),
		Listen:            cfg.Controller.Listen,
		StatsInterval:     cfg.Controller.StatsInterval,
		MaxHealthFailures: maxHealthFailures,
		Logger:            log,
	})
}

// newManager loads the registry and rebuilds the address pool from it.
// A nil live interface gives an offline manager.
func newManager(cfg config.Config, endpoint string, live controller.Live, tracker controller.Tracker,
	samples controller.SampleReader, exporter *metrics.Exporter, log *logging.Logger) (*controller.Manager, error) {
	pool, err := addrutil.NewPool(cfg.Interface.Subnet, cfg.Interface.Address)
	if err != nil {
		return nil, err
	}

	mgr := controller.NewManager(controller.Options{
		Registry: store.NewFileStore(filepath.Join(cfg.Controller.DataDir, registryFile)),
		Config:   awgconf.NewStore(cfg.Interface.ConfigPath),
		Pool:     pool,
		Keys:     wireguard.NewKeyGenerator(cfg.Interface.Keygen, execx.NewOSRunner(cfg.Interface.CommandTimeout)),
		Live:     live,
		Tracker:  tracker,
		Samples:  samples,
		Exporter: exporter,
		Client: controller.ClientSettings{
			Endpoint:     endpoint,
			DNS:          cfg.Interface.DNS,
			MTU:          cfg.Interface.MTU,
			KeepaliveSec: cfg.Interface.KeepaliveSec,
			Obfuscation:  cfg.Obfuscation,
			ListenPort:   cfg.Interface.ListenPort,
		},
		SessionWindow: cfg.Controller.SessionWindow,
		Logger:        log,
	})
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	return mgr, nil
}

// resolveEndpoint returns the host:port written into client configs:
// interface.endpoint when set, otherwise the STUN-mapped public host.
func resolveEndpoint(ctx context.Context, cfg config.Config, log *logging.Logger) (string, error) {
	host := cfg.Interface.Endpoint
	if host == "" {
		res, err := stunutil.Probe(ctx, cfg.Interface.STUNServers, stunTimeout)
		if err != nil {
			return "", errors.Wrap(err, errors.KindConfig, "interface.endpoint is empty and STUN discovery failed")
		}
		log.Info("public address discovered", "host", res.Host, "nat", res.NAT)
		if res.NAT == stunutil.NATSymmetric {
			log.Warn("symmetric NAT detected; set interface.endpoint if clients cannot connect")
		}
		host = res.Host
	}

	endpoint, ok := addrutil.Endpoint(host, cfg.Interface.ListenPort)
	if !ok {
		return "", errors.Errorf(errors.KindConfig, "invalid endpoint %q", host)
	}
	return endpoint, nil
}

func handleSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	log := setupLogging(cfg)

	mgr, err := newManager(cfg, cfg.Interface.Endpoint, nil, nil, nil, nil, log)
	if err != nil {
		fatal(err)
	}
	defer mgr.Close()

	if err := mgr.Reconcile(context.Background()); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "synced %s peers=%d\n", cfg.Interface.ConfigPath, mgr.Count())
}

func handlePeer(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "peer subcommand required\n")
		os.Exit(2)
	}
	sub := args[0]
	switch sub {
	case "create", "delete", "get", "list", "enable", "disable":
	default:
		fmt.Fprintf(os.Stderr, "unknown peer subcommand %q\n", sub)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("peer "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	name := fs.String("name", "", "peer name")
	qrPath := fs.String("qr", "", "write the import QR code PNG here (create only)")
	principal := fs.String("principal", "", "admin principal override")
	_ = fs.Parse(args[1:])

	if sub != "list" && *name == "" {
		fatal(errors.New(errors.KindValidation, "--name is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	client := newClient(cfg, *principal)
	ctx := context.Background()

	switch sub {
	case "create":
		resp, err := client.CreatePeer(ctx, *name)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "# peer %s address=%s public_key=%s\n", resp.Peer.Name, resp.Peer.Address, resp.Peer.PublicKey)
		fmt.Fprint(os.Stdout, resp.Config)
		if !strings.HasSuffix(resp.Config, "\n") {
			fmt.Fprintln(os.Stdout)
		}
		fmt.Fprintf(os.Stdout, "\n%s\n", resp.Payload)
		if *qrPath != "" {
			png, err := payload.QRPNG(strings.TrimPrefix(resp.Payload, payload.Scheme))
			if err != nil {
				fatal(err)
			}
			if err := fsutil.WriteFileAtomic(*qrPath, png, 0o600); err != nil {
				fatal(err)
			}
			fmt.Fprintf(os.Stderr, "qr code written to %s\n", *qrPath)
		}
	case "delete":
		if err := client.DeletePeer(ctx, *name); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "deleted %s\n", *name)
	case "get":
		p, err := client.GetPeer(ctx, *name)
		if err != nil {
			fatal(err)
		}
		printPeers([]api.Peer{p})
	case "list":
		resp, err := client.ListPeers(ctx)
		if err != nil {
			fatal(err)
		}
		if len(resp.Peers) == 0 {
			fmt.Fprintln(os.Stdout, "no peers")
			return
		}
		printPeers(resp.Peers)
	case "enable", "disable":
		p, err := client.SetEnabled(ctx, *name, sub == "enable")
		if err != nil {
			fatal(err)
		}
		printPeers([]api.Peer{p})
	}
}

func printPeers(peers []api.Peer) {
	fmt.Fprintf(os.Stdout, "%-20s  %-15s  %-8s  %-7s  %-20s  %-12s  %-12s  %s\n",
		"NAME", "ADDRESS", "ENABLED", "ONLINE", "HANDSHAKE", "RX", "TX", "PUBLIC_KEY")
	for _, p := range peers {
		handshake := ""
		if !p.LatestHandshake.IsZero() {
			handshake = p.LatestHandshake.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(os.Stdout, "%-20s  %-15s  %-8t  %-7t  %-20s  %-12d  %-12d  %s\n",
			p.Name, p.Address, p.Enabled, p.Online, handshake, p.Received, p.Sent, p.PublicKey)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	peer := fs.String("peer", "", "peer name (default all peers)")
	window := fs.Duration("window", 24*time.Hour, "time window")
	csvPath := fs.String("csv", "", "summarize an exported CSV file instead of the stats database")
	_ = fs.Parse(args)

	since := time.Now().UTC().Add(-*window)
	if *csvPath != "" {
		items, err := metrics.ReadCSV(*csvPath)
		if err != nil {
			fatal(err)
		}
		printSummary(metrics.Summarize(items, since))
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	samples, err := metrics.OpenSQLite(filepath.Join(cfg.Controller.DataDir, statsFile))
	if err != nil {
		fatal(err)
	}
	defer samples.Close()

	names, err := peerNames(cfg)
	if err != nil {
		fatal(err)
	}
	pub, err := lookupPeer(names, *peer)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()
	items, err := samples.Samples(ctx, pub, since)
	if err != nil {
		fatal(err)
	}

	if !printSummary(metrics.Summarize(items, since)) || pub != "" {
		return
	}
	totals, err := samples.Totals(ctx, since)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "\n%-20s  %-14s  %-14s  %-7s  %s\n", "NAME", "RX", "TX", "SAMPLES", "PUBLIC_KEY")
	for _, t := range totals {
		fmt.Fprintf(os.Stdout, "%-20s  %-14d  %-14d  %-7d  %s\n", names[t.PublicKey], t.Received, t.Sent, t.Samples, t.PublicKey)
	}
}

// printSummary reports whether the window had any samples.
func printSummary(summary metrics.Summary) bool {
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return false
	}
	fmt.Fprintf(os.Stdout, "samples=%d peers=%d from=%s to=%s\n", summary.Count, summary.Peers,
		summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "rx=%d tx=%d rate avg=%.0fB/s p95=%.0fB/s max=%.0fB/s\n",
		summary.RxBytes, summary.TxBytes, summary.AvgRateBps, summary.P95RateBps, summary.MaxRateBps)
	return true
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	peer := fs.String("peer", "", "peer name (default all peers)")
	window := fs.Duration("window", 0, "time window (0 exports everything)")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New(errors.KindValidation, "--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	samples, err := metrics.OpenSQLite(filepath.Join(cfg.Controller.DataDir, statsFile))
	if err != nil {
		fatal(err)
	}
	defer samples.Close()

	names, err := peerNames(cfg)
	if err != nil {
		fatal(err)
	}
	pub, err := lookupPeer(names, *peer)
	if err != nil {
		fatal(err)
	}

	var since time.Time
	if *window > 0 {
		since = time.Now().UTC().Add(-*window)
	}
	items, err := samples.Samples(context.Background(), pub, since)
	if err != nil {
		fatal(err)
	}

	var buf bytes.Buffer
	if err := metrics.WriteCSV(&buf, items); err != nil {
		fatal(err)
	}
	if err := fsutil.WriteFileAtomic(*out, buf.Bytes(), 0o644); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d samples to %s\n", len(items), *out)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	principal := fs.String("principal", "", "admin principal override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	st, err := newClient(cfg, *principal).Status(context.Background())
	if err != nil {
		fatal(err)
	}
	lastTick := "never"
	if !st.LastTick.IsZero() {
		lastTick = st.LastTick.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(os.Stdout, "interface=%s state=%s healthy=%t\n", st.Interface, st.State, st.Healthy)
	fmt.Fprintf(os.Stdout, "peers=%d pool=%d/%d last_tick=%s\n", st.Peers, st.PoolUsed, st.PoolCapacity, lastTick)
}

func handleAudit(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	principal := fs.String("principal", "", "only entries of this principal")
	limit := fs.Int("limit", 50, "max entries, newest first")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	st, err := audit.Open(filepath.Join(cfg.Controller.DataDir, auditFile))
	if err != nil {
		fatal(err)
	}
	defer st.Close()

	entries, err := st.List(context.Background(), *principal, *limit)
	if err != nil {
		fatal(err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no audit entries")
		return
	}
	fmt.Fprintf(os.Stdout, "%-20s  %-16s  %-14s  %-12s  %s\n", "TIME", "PRINCIPAL", "ACTION", "OUTCOME", "DETAIL")
	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "%-20s  %-16s  %-14s  %-12s  %s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Principal, e.Action, e.Outcome, e.Detail)
	}
}

func handleKeygen(args []string) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	kind := config.KeygenNative
	timeout := config.DefaultCommandTimeout
	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		kind, timeout = cfg.Interface.Keygen, cfg.Interface.CommandTimeout
	}

	keys, err := wireguard.NewKeyGenerator(kind, execx.NewOSRunner(timeout)).Generate(context.Background())
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "private_key=%s\npublic_key=%s\n", keys.PrivateKey, keys.PublicKey)
}

// loadConfig reads path, or starts from defaults and AWG_* overrides when
// path is empty, and validates the result.
func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	if path == "" {
		cfg = config.Config{Obfuscation: config.DefaultObfuscation()}
		if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
			return config.Config{}, err
		}
		config.ApplyDefaults(&cfg)
	} else {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, errors.Wrap(err, errors.KindConfig, "load config")
		}
		cfg = loaded
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, errors.Wrap(err, errors.KindConfig, "invalid config")
	}
	return cfg, nil
}

// writeDefaultConfig seeds path with defaults and AWG_* overrides.
func writeDefaultConfig(path string) error {
	cfg := config.Config{Obfuscation: config.DefaultObfuscation()}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return err
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid config")
	}
	return config.Save(path, cfg)
}

func setupLogging(cfg config.Config) *logging.Logger {
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logging.SetDefault(log)
	return log
}

func newClient(cfg config.Config, principal string) *api.Client {
	if principal == "" {
		principal = cfg.Client.Principal
	}
	return api.NewClient(api.NormalizeBaseURL(cfg.Client.Controller), principal)
}

// peerNames maps public keys of registered peers to their names.
func peerNames(cfg config.Config) (map[string]string, error) {
	peers, err := store.NewFileStore(filepath.Join(cfg.Controller.DataDir, registryFile)).Load()
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(peers))
	for _, p := range peers {
		names[p.PublicKey] = p.Name
	}
	return names, nil
}

// lookupPeer resolves a peer name to its public key. An empty name
// selects every peer.
func lookupPeer(names map[string]string, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	for pub, n := range names {
		if n == name {
			return pub, nil
		}
	}
	return "", errors.Attr(errors.New(errors.KindUnknownPeer, "unknown peer"), "name", name)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
