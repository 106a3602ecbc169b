// Package agent runs the awgctl daemon: interface lifecycle, API server,
// stats collection and health checks.
package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"awgctl/internal/awgconf"
	"awgctl/internal/controller"
	"awgctl/internal/errors"
	"awgctl/internal/guard"
	"awgctl/internal/logging"
	"awgctl/internal/metrics"
	"awgctl/internal/wireguard"
)

const (
	DefaultHealthInterval  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Interface is the managed AmneziaWG interface.
type Interface interface {
	Name() string
	State() wireguard.State
	Start(ctx context.Context, doc *awgconf.Document) error
	Stop(ctx context.Context) error
	Healthy(ctx context.Context) error
}

// Stats is the periodic counter collector.
type Stats interface {
	Load(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration) error
	LastTick() time.Time
}

// Options wires the daemon together.
type Options struct {
	Interface Interface
	Config    *awgconf.Store
	Manager   *controller.Manager
	Stats     Stats
	Guard     *guard.Guard
	Exporter  *metrics.Exporter
	// MetricsEnabled exposes /metrics on the API listener.
	MetricsEnabled bool
	Listen         string

	StatsInterval   time.Duration
	HealthInterval  time.Duration
	ShutdownTimeout time.Duration
	// MaxHealthFailures makes Run return ErrInterfaceDead after that many
	// consecutive failed checks. Zero keeps checking forever.
	MaxHealthFailures int

	Logger *logging.Logger
}

// Run brings the interface up from the config file, reconciles the peer
// set and serves until ctx is cancelled. Shutdown order: stop accepting
// admin operations, drain the API, let an in-flight stats tick finish, then
// stop the interface. The interface is stopped however Run exits.
func Run(ctx context.Context, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	log := opts.Logger.WithComponent("agent")

	doc, err := opts.Config.Load()
	if err != nil {
		return err
	}
	if err := opts.Interface.Start(ctx, doc); err != nil {
		return err
	}
	opts.Exporter.SetInterfaceUp(true)
	defer stopInterface(ctx, opts, log)

	if err := opts.Manager.Reconcile(ctx); err != nil {
		return errors.Context(err, "initial reconcile")
	}
	if err := opts.Stats.Load(ctx); err != nil {
		return errors.Context(err, "load stats baselines")
	}

	health := NewHealth(HealthOptions{
		Interface:   opts.Interface,
		Reconcile:   opts.Manager.Reconcile,
		Exporter:    opts.Exporter,
		MaxFailures: opts.MaxHealthFailures,
		Logger:      opts.Logger,
	})

	var exporter *metrics.Exporter
	if opts.MetricsEnabled {
		exporter = opts.Exporter
	}
	server := controller.NewServer(controller.ServerOptions{
		Listen:    opts.Listen,
		Manager:   opts.Manager,
		Guard:     opts.Guard,
		Exporter:  exporter,
		Interface: opts.Interface,
		Healthy:   health.Healthy,
		LastTick:  opts.Stats.LastTick,
		Logger:    opts.Logger,
	})

	// The API gets its own context so it drains only after the manager
	// stops accepting operations.
	apiCtx, stopAPI := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAPI()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(apiCtx, opts.ShutdownTimeout)
	})
	g.Go(func() error {
		return opts.Stats.Run(gctx, opts.StatsInterval)
	})
	g.Go(func() error {
		return health.Run(gctx, opts.HealthInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		opts.Manager.Close()
		stopAPI()
		return nil
	})

	log.Info("daemon running", "interface", opts.Interface.Name(), "listen", opts.Listen)
	return g.Wait()
}

func stopInterface(ctx context.Context, opts Options, log *logging.Logger) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
	defer cancel()
	if err := opts.Interface.Stop(stopCtx); err != nil {
		log.Error("interface stop failed", "error", err)
	}
	opts.Exporter.SetInterfaceUp(false)
}
