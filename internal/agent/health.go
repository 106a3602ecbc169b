package agent

import (
	"context"
	"sync"
	"time"

	"awgctl/internal/errors"
	"awgctl/internal/logging"
	"awgctl/internal/metrics"
)

// ErrInterfaceDead is returned by Run when the interface failed too many
// consecutive health checks.
var ErrInterfaceDead = errors.New(errors.KindUnavailable, "interface health check failed")

// Checker runs one health probe of the interface.
type Checker interface {
	Healthy(ctx context.Context) error
}

type HealthOptions struct {
	Interface   Checker
	Reconcile   func(ctx context.Context) error
	Exporter    *metrics.Exporter
	MaxFailures int
	Timeout     time.Duration
	Logger      *logging.Logger
}

// Health tracks periodic interface checks. A recovery after a failure
// triggers a full reconcile, since the data plane may have lost its peers.
type Health struct {
	opts HealthOptions
	log  *logging.Logger

	mu       sync.Mutex
	healthy  bool
	failures int
}

func NewHealth(opts HealthOptions) *Health {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Health{opts: opts, log: opts.Logger.WithComponent("health"), healthy: true}
}

// Healthy reports the result of the last check. It is true before the first.
func (h *Health) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// Check probes the interface once.
func (h *Health) Check(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	err := h.opts.Interface.Healthy(checkCtx)
	cancel()

	h.mu.Lock()
	wasHealthy := h.healthy
	if err != nil {
		h.healthy = false
		h.failures++
	} else {
		h.healthy = true
		h.failures = 0
	}
	failures := h.failures
	h.mu.Unlock()

	h.opts.Exporter.SetInterfaceUp(err == nil)

	if err != nil {
		if wasHealthy {
			h.log.Warn("interface unhealthy", "error", err)
		} else {
			h.log.Debug("interface still unhealthy", "failures", failures, "error", err)
		}
		if h.opts.MaxFailures > 0 && failures >= h.opts.MaxFailures {
			return errors.Context(ErrInterfaceDead, "%d consecutive failures", failures)
		}
		return nil
	}

	if !wasHealthy {
		h.log.Info("interface recovered, reconciling")
		if h.opts.Reconcile != nil {
			if err := h.opts.Reconcile(ctx); err != nil {
				h.log.Error("reconcile after recovery failed", "error", err)
			}
		}
	}
	return nil
}

// Run checks every interval until ctx is cancelled.
func (h *Health) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.Check(ctx); err != nil {
				return err
			}
		}
	}
}
