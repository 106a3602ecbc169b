package wireguard

import (
	"context"
	"net/netip"
	"os"
	"strings"
	"sync"

	"awgctl/internal/execx"
)

// scriptRunner records commands and answers them by prefix.
type scriptRunner struct {
	mu      sync.Mutex
	cmds    []string
	stdin   []string
	outputs map[string]string
	errs    map[string][]error // consumed one per matching call
	files   map[string]string  // setconf/syncconf contents by verb
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{
		outputs: map[string]string{},
		errs:    map[string][]error{},
		files:   map[string]string{},
	}
}

func (r *scriptRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return r.Input(ctx, "", name, args...)
}

func (r *scriptRunner) Input(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := name + " " + strings.Join(args, " ")
	r.cmds = append(r.cmds, cmd)
	r.stdin = append(r.stdin, stdin)
	if name == "awg" && len(args) == 3 && (args[0] == "setconf" || args[0] == "syncconf") {
		if data, err := os.ReadFile(args[2]); err == nil {
			r.files[args[0]] = string(data)
		}
	}
	for prefix, queue := range r.errs {
		if strings.HasPrefix(cmd, prefix) && len(queue) > 0 {
			r.errs[prefix] = queue[1:]
			if queue[0] != nil {
				return "", queue[0]
			}
		}
	}
	for prefix, out := range r.outputs {
		if strings.HasPrefix(cmd, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (r *scriptRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}

func (r *scriptRunner) count(prefix string) int {
	n := 0
	for _, c := range r.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

var _ execx.Runner = (*scriptRunner)(nil)

// fakeLinks is an in-memory Links.
type fakeLinks struct {
	mu         sync.Mutex
	ops        []string
	exists     bool
	readyAfter int // Exists calls that report false before the link appears
	ensureErr  error
	configErr  error
}

func (l *fakeLinks) record(op string) {
	l.ops = append(l.ops, op)
}

func (l *fakeLinks) Ensure(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("ensure " + name)
	if l.ensureErr != nil {
		return l.ensureErr
	}
	l.exists = true
	return nil
}

func (l *fakeLinks) Exists(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("exists " + name)
	if l.readyAfter > 0 {
		l.readyAfter--
		return false, nil
	}
	return l.exists, nil
}

func (l *fakeLinks) Configure(ctx context.Context, name string, addr netip.Prefix, mtu int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("configure " + name + " " + addr.String())
	return l.configErr
}

func (l *fakeLinks) Down(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("down " + name)
	return nil
}

func (l *fakeLinks) Delete(ctx context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record("delete " + name)
	l.exists = false
	return nil
}

func (l *fakeLinks) history() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

var _ Links = (*fakeLinks)(nil)
