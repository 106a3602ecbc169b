package guard

import (
	"context"
	"sync"
	"time"

	"awgctl/internal/errors"
	"awgctl/internal/metrics"
	"awgctl/internal/model"
)

// Recorder receives one audit entry per administrative action.
type Recorder interface {
	Record(ctx context.Context, principal, action, outcome, detail string) (model.AuditEntry, error)
}

// Options configures a Guard.
type Options struct {
	Admins   []string
	Max      int
	Window   time.Duration
	Recorder Recorder
	Exporter *metrics.Exporter
	Now      func() time.Time
}

// Guard authorizes principals against an allow-list and rate limits them
// with a sliding window. Rejections happen before the action runs.
type Guard struct {
	admins   map[string]bool
	max      int
	window   time.Duration
	recorder Recorder
	exporter *metrics.Exporter
	now      func() time.Time

	mu     sync.Mutex
	recent map[string][]time.Time
}

func New(opts Options) *Guard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	admins := make(map[string]bool, len(opts.Admins))
	for _, id := range opts.Admins {
		admins[id] = true
	}
	return &Guard{
		admins:   admins,
		max:      opts.Max,
		window:   opts.Window,
		recorder: opts.Recorder,
		exporter: opts.Exporter,
		now:      opts.Now,
		recent:   map[string][]time.Time{},
	}
}

// Authorize reports whether principal is on the allow-list. An empty list
// authorizes nobody.
func (g *Guard) Authorize(principal string) bool {
	return principal != "" && g.admins[principal]
}

// CheckRate admits the action when fewer than Max actions were admitted in
// the trailing Window. A rejected action leaves the window untouched.
func (g *Guard) CheckRate(principal string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)
	times := g.recent[principal]
	kept := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			kept++
		}
	}
	if kept >= g.max {
		return false
	}

	pruned := make([]time.Time, 0, kept+1)
	for _, ts := range times {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	g.recent[principal] = append(pruned, now)
	return true
}

// Admit authorizes and rate limits one action. Rejections are audited here;
// admitted actions are audited by Finish.
func (g *Guard) Admit(ctx context.Context, principal, action string) error {
	if !g.Authorize(principal) {
		g.record(ctx, principal, action, model.OutcomeDenied, "")
		return errors.Attr(errors.Errorf(errors.KindUnauthorized, "principal %q is not an administrator", principal), "action", action)
	}
	if !g.CheckRate(principal) {
		g.record(ctx, principal, action, model.OutcomeRateLimited, "")
		return errors.Attr(errors.Errorf(errors.KindRateLimited, "more than %d actions in %s", g.max, g.window), "action", action)
	}
	return nil
}

// Finish audits the outcome of an admitted action.
func (g *Guard) Finish(ctx context.Context, principal, action, detail string, err error) {
	if err != nil {
		if detail == "" {
			detail = err.Error()
		} else {
			detail += ": " + err.Error()
		}
		g.record(ctx, principal, action, model.OutcomeError, detail)
		return
	}
	g.record(ctx, principal, action, model.OutcomeOK, detail)
}

// Do runs fn behind Admit and audits its outcome.
func (g *Guard) Do(ctx context.Context, principal, action, detail string, fn func() error) error {
	if err := g.Admit(ctx, principal, action); err != nil {
		return err
	}
	err := fn()
	g.Finish(ctx, principal, action, detail, err)
	return err
}

func (g *Guard) record(ctx context.Context, principal, action, outcome, detail string) {
	g.exporter.AdminAction(action, outcome)
	if g.recorder == nil {
		return
	}
	// Failures are logged by the recorder; the action itself already happened.
	_, _ = g.recorder.Record(ctx, principal, action, outcome, detail)
}
