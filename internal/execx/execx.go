package execx

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"awgctl/internal/errors"
)

// Runner abstracts command execution so packages can be unit-tested without
// touching real system networking (ip/awg/iptables).
type Runner interface {
	// Output runs name with args and returns trimmed stdout.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Input is Output with stdin fed from the given string.
	Input(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// Run executes a command and discards its output.
func Run(ctx context.Context, r Runner, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

// OSRunner executes commands on the host via os/exec. Every invocation is
// bounded by Timeout when it is positive.
type OSRunner struct {
	Timeout time.Duration
}

func NewOSRunner(timeout time.Duration) *OSRunner {
	return &OSRunner{Timeout: timeout}
}

func (r *OSRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	return r.exec(ctx, nil, name, args...)
}

func (r *OSRunner) Input(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	return r.exec(ctx, strings.NewReader(stdin), name, args...)
}

func (r *OSRunner) exec(ctx context.Context, stdin io.Reader, name string, args ...string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return strings.TrimSpace(stdout.String()), nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.Wrapf(ctx.Err(), errors.KindTimeout, "%s %s timed out after %s", name, firstArg(args), r.Timeout)
	}
	if ctx.Err() != nil {
		return "", errors.Wrapf(ctx.Err(), errors.KindProcess, "%s %s cancelled", name, firstArg(args))
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return "", errors.Wrapf(err, errors.KindProcess, "%s %s: %s", name, firstArg(args), msg)
	}
	return "", errors.Wrapf(err, errors.KindProcess, "%s %s", name, firstArg(args))
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
