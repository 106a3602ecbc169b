package wireguard

import (
	"context"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"awgctl/internal/awgconf"
	"awgctl/internal/errors"
	"awgctl/internal/execx"
	"awgctl/internal/logging"
	"awgctl/internal/model"
)

// State is the lifecycle state of the managed interface.
type State int

const (
	StateDown State = iota
	StateStarting
	StateUp
	StateReconfiguring
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "down"
	case StateStarting:
		return "starting"
	case StateUp:
		return "up"
	case StateReconfiguring:
		return "reconfiguring"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Options configures a Controller.
type Options struct {
	Name            string
	Address         netip.Prefix // interface address with the subnet prefix
	MTU             int
	EgressInterface string // empty disables NAT rules
	Binary          string // awg
	RetryBackoff    time.Duration
	StartAttempts   int
	Runner          execx.Runner
	Links           Links
	Logger          *logging.Logger
}

// Controller owns the live interface. Mutating calls are expected to be
// serialized by the caller; Snapshot and State may run concurrently with them.
type Controller struct {
	opts   Options
	runner execx.Runner
	links  Links
	log    *logging.Logger

	mu    sync.RWMutex
	state State

	// What Start managed to set up, torn down in reverse.
	created    bool
	configured bool
	natRules   [][]string
}

func NewController(opts Options) *Controller {
	if opts.Binary == "" {
		opts.Binary = "awg"
	}
	if opts.StartAttempts <= 0 {
		opts.StartAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Controller{
		opts:   opts,
		runner: opts.Runner,
		links:  opts.Links,
		log:    opts.Logger.WithComponent("interface").With("iface", opts.Name),
	}
}

func (c *Controller) Name() string {
	return c.opts.Name
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transition moves from one of the allowed states to next.
func (c *Controller) transition(next State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = next
			return nil
		}
	}
	return errors.Errorf(errors.KindUnavailable, "interface %s is %s", c.opts.Name, c.state)
}

// Start brings the interface up with doc: create the link, wait for it,
// load the config, address it and install NAT. A failed step undoes the
// earlier ones and leaves the controller Down.
func (c *Controller) Start(ctx context.Context, doc *awgconf.Document) error {
	if err := c.transition(StateStarting, StateDown); err != nil {
		return err
	}
	c.log.Info("starting interface", "address", c.opts.Address, "peers", len(doc.Peers()))

	if err := c.start(ctx, doc); err != nil {
		c.log.Error("start failed, rolling back", "error", err)
		if terr := c.teardown(context.WithoutCancel(ctx)); terr != nil {
			c.log.Warn("rollback incomplete", "error", terr)
		}
		c.setState(StateDown)
		return errors.Wrapf(err, errors.KindProcess, "start %s", c.opts.Name)
	}

	c.setState(StateUp)
	c.log.Info("interface up")
	return nil
}

func (c *Controller) start(ctx context.Context, doc *awgconf.Document) error {
	if err := c.links.Ensure(ctx, c.opts.Name); err != nil {
		return err
	}
	c.created = true

	if err := c.waitLink(ctx); err != nil {
		return err
	}
	if err := c.loadConf(ctx, "setconf", doc); err != nil {
		return err
	}
	if err := c.links.Configure(ctx, c.opts.Name, c.opts.Address, c.opts.MTU); err != nil {
		return err
	}
	c.configured = true

	if c.opts.EgressInterface == "" {
		return nil
	}
	for _, rule := range c.rules() {
		if err := c.addRule(ctx, rule); err != nil {
			return err
		}
		c.natRules = append(c.natRules, rule)
	}
	return nil
}

// waitLink polls until the link is addressable, doubling the delay each time.
func (c *Controller) waitLink(ctx context.Context) error {
	backoff := c.opts.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.StartAttempts; attempt++ {
		ok, err := c.links.Exists(ctx, c.opts.Name)
		if err == nil && ok {
			return nil
		}
		lastErr = err
		if attempt == c.opts.StartAttempts {
			break
		}
		c.log.Debug("waiting for link", "attempt", attempt, "backoff", backoff)
		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
	if lastErr != nil {
		return errors.Context(lastErr, "link %s not ready after %d attempts", c.opts.Name, c.opts.StartAttempts)
	}
	return errors.Errorf(errors.KindProcess, "link %s not ready after %d attempts", c.opts.Name, c.opts.StartAttempts)
}

// rules are the iptables argument lists for forwarding and masquerade.
func (c *Controller) rules() [][]string {
	subnet := c.opts.Address.Masked().String()
	return [][]string{
		{"FORWARD", "-i", c.opts.Name, "-j", "ACCEPT"},
		{"-t", "nat", "POSTROUTING", "-s", subnet, "-o", c.opts.EgressInterface, "-j", "MASQUERADE"},
	}
}

func (c *Controller) addRule(ctx context.Context, rule []string) error {
	// Already present from an earlier run.
	if _, err := c.runner.Output(ctx, "iptables", ruleArgs("-C", rule)...); err == nil {
		return nil
	}
	return execx.Run(ctx, c.runner, "iptables", ruleArgs("-A", rule)...)
}

// ruleArgs places the action before the chain, after an optional "-t table".
func ruleArgs(action string, rule []string) []string {
	if len(rule) > 2 && rule[0] == "-t" {
		return append([]string{rule[0], rule[1], action}, rule[2:]...)
	}
	return append([]string{action}, rule...)
}

// Stop removes NAT rules, brings the link down and deletes it, the reverse
// of Start. Stopping a Down interface is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDown {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	c.log.Info("stopping interface")
	err := c.teardown(ctx)
	c.setState(StateDown)
	if err != nil {
		return errors.Wrapf(err, errors.KindProcess, "stop %s", c.opts.Name)
	}
	return nil
}

func (c *Controller) teardown(ctx context.Context) error {
	var errs []error
	for i := len(c.natRules) - 1; i >= 0; i-- {
		if err := execx.Run(ctx, c.runner, "iptables", ruleArgs("-D", c.natRules[i])...); err != nil {
			errs = append(errs, err)
		}
	}
	c.natRules = nil
	if c.configured {
		if err := c.links.Down(ctx, c.opts.Name); err != nil {
			errs = append(errs, err)
		}
		c.configured = false
	}
	if c.created {
		if err := c.links.Delete(ctx, c.opts.Name); err != nil {
			errs = append(errs, err)
		}
		c.created = false
	}
	return errors.Join(errs...)
}

// ApplyPeer adds or updates one peer on the running interface without
// touching the others.
func (c *Controller) ApplyPeer(ctx context.Context, publicKey string, allowedIPs []string) error {
	if err := c.transition(StateReconfiguring, StateUp); err != nil {
		return err
	}
	defer c.setState(StateUp)

	_, err := c.control(ctx, "set", c.opts.Name, "peer", publicKey, "allowed-ips", strings.Join(allowedIPs, ","))
	if err != nil {
		return errors.Context(err, "apply peer")
	}
	return nil
}

// RemovePeer drops one peer from the running interface. Removing an unknown
// key succeeds.
func (c *Controller) RemovePeer(ctx context.Context, publicKey string) error {
	if err := c.transition(StateReconfiguring, StateUp); err != nil {
		return err
	}
	defer c.setState(StateUp)

	if _, err := c.control(ctx, "set", c.opts.Name, "peer", publicKey, "remove"); err != nil {
		return errors.Context(err, "remove peer")
	}
	return nil
}

// SyncConf replaces the running peer set with doc's, leaving unchanged
// peers connected.
func (c *Controller) SyncConf(ctx context.Context, doc *awgconf.Document) error {
	if err := c.transition(StateReconfiguring, StateUp); err != nil {
		return err
	}
	defer c.setState(StateUp)
	return c.loadConf(ctx, "syncconf", doc)
}

// Snapshot reads live per-peer counters. It does not wait for mutations.
func (c *Controller) Snapshot(ctx context.Context) (map[string]model.Counters, error) {
	switch s := c.State(); s {
	case StateUp, StateReconfiguring:
	default:
		return nil, errors.Errorf(errors.KindUnavailable, "interface %s is %s", c.opts.Name, s)
	}
	out, err := c.control(ctx, "show", c.opts.Name, "dump")
	if err != nil {
		return nil, errors.Context(err, "read counters")
	}
	snap, err := ParseDump(out)
	if err != nil {
		return nil, errors.Attr(err, "interface", c.opts.Name)
	}
	return snap, nil
}

// Healthy runs `awg show <iface>`.
func (c *Controller) Healthy(ctx context.Context) error {
	if s := c.State(); s == StateDown || s == StateStopping {
		return errors.Errorf(errors.KindUnavailable, "interface %s is %s", c.opts.Name, s)
	}
	_, err := c.runner.Output(ctx, c.opts.Binary, "show", c.opts.Name)
	return err
}

// loadConf writes the stripped config to a temp file and hands it to
// `awg setconf` or `awg syncconf`.
func (c *Controller) loadConf(ctx context.Context, verb string, doc *awgconf.Document) error {
	tmp, err := os.CreateTemp("", "awgctl-*.conf")
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "create temp config")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(doc.Strip()); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, errors.KindInternal, "write temp config")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "write temp config")
	}
	if _, err := c.control(ctx, verb, c.opts.Name, tmp.Name()); err != nil {
		return errors.Context(err, "awg %s", verb)
	}
	return nil
}

// control runs an awg subcommand, retrying once after RetryBackoff when the
// first attempt fails with a timeout or process error.
func (c *Controller) control(ctx context.Context, args ...string) (string, error) {
	out, err := c.runner.Output(ctx, c.opts.Binary, args...)
	if err == nil || !retryable(err) {
		return out, err
	}
	c.log.Warn("control command failed, retrying", "cmd", args[0], "error", err)
	if serr := sleepCtx(ctx, c.opts.RetryBackoff); serr != nil {
		return "", err
	}
	return c.runner.Output(ctx, c.opts.Binary, args...)
}

func retryable(err error) bool {
	return errors.IsKind(err, errors.KindTimeout) || errors.IsKind(err, errors.KindProcess)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
