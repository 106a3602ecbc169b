//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"syscall"
	"testing"
	"time"
)

// This test requires:
// - Linux
// - root (netns + link creation)
// - iproute2 (`ip`) and iptables
// - AmneziaWG tools (`awg`) with the kernel module or amneziawg-go
//
// It is gated behind -tags=integration and AWGCTL_INTEGRATION=1 to avoid
// accidental local network disruption.
func TestNetns_PeerLifecycle(t *testing.T) {
	if os.Getenv("AWGCTL_INTEGRATION") != "1" {
		t.Skip("set AWGCTL_INTEGRATION=1 to run")
	}
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	for _, tool := range []string{"ip", "awg", "iptables"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("missing %s", tool)
		}
	}

	tmp := t.TempDir()
	bin := filepath.Join(tmp, "awgctl")
	run(t, "../..", "go", "build", "-o", bin, "./cmd/awgctl")

	ns := fmt.Sprintf("awgctl-%d", os.Getpid())
	t.Cleanup(func() { _ = exec.Command("ip", "netns", "del", ns).Run() })
	run(t, ".", "ip", "netns", "add", ns)
	run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "lo", "up")
	run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "add", "eth0", "type", "dummy")
	run(t, ".", "ip", "netns", "exec", ns, "ip", "addr", "add", "192.168.100.1/24", "dev", "eth0")
	run(t, ".", "ip", "netns", "exec", ns, "ip", "link", "set", "eth0", "up")

	cfgPath := filepath.Join(tmp, "awgctl.yaml")
	mustWrite(t, cfgPath, fmt.Sprintf(`interface:
  name: awg0
  config_path: %q
  subnet: 10.9.0.0/24
  endpoint: 192.168.100.1
  egress_interface: eth0
controller:
  listen: 127.0.0.1:8080
  data_dir: %q
  stats_interval: 1s
access:
  admins: [ops]
client:
  controller: 127.0.0.1:8080
  principal: ops
log:
  level: debug
`, filepath.Join(tmp, "awg0.conf"), filepath.Join(tmp, "data")))

	awgctl := func(args ...string) []byte {
		t.Helper()
		return runOut(t, ".", "ip", append([]string{"netns", "exec", ns, bin}, args...)...)
	}

	awgctl("init", "--config", cfgPath)

	serve := exec.Command("ip", "netns", "exec", ns, bin, "serve", "--config", cfgPath,
		"--retry-delay", "200ms", "--retry-max-delay", "1s")
	serve.Stdout = os.Stdout
	serve.Stderr = os.Stderr
	if err := serve.Start(); err != nil {
		t.Fatalf("start serve: %v", err)
	}
	t.Cleanup(func() { _ = serve.Process.Kill() })

	waitFor(t, 10*time.Second, func() bool {
		out, err := exec.Command("ip", "netns", "exec", ns, bin, "status", "--config", cfgPath).CombinedOutput()
		return err == nil && bytes.Contains(out, []byte("state=up"))
	})

	created := awgctl("peer", "create", "--config", cfgPath, "--name", "alice", "--qr", filepath.Join(tmp, "alice.png"))
	m := regexp.MustCompile(`public_key=(\S+)`).FindSubmatch(created)
	if m == nil {
		t.Fatalf("no public key in create output:\n%s", created)
	}
	pub := m[1]
	if !bytes.Contains(created, []byte("address=10.9.0.2/32")) {
		t.Fatalf("unexpected address:\n%s", created)
	}
	if !bytes.Contains(created, []byte("vpn://")) {
		t.Fatalf("no import link:\n%s", created)
	}

	show := runOut(t, ".", "ip", "netns", "exec", ns, "awg", "show", "awg0")
	if !bytes.Contains(show, pub) {
		t.Fatalf("peer not applied to awg0:\n%s", show)
	}

	awgctl("peer", "delete", "--config", cfgPath, "--name", "alice")
	show = runOut(t, ".", "ip", "netns", "exec", ns, "awg", "show", "awg0")
	if bytes.Contains(show, pub) {
		t.Fatalf("peer still on awg0 after delete:\n%s", show)
	}

	if err := serve.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal serve: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- serve.Wait() }()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not exit after SIGTERM")
	}

	if err := exec.Command("ip", "netns", "exec", ns, "ip", "link", "show", "awg0").Run(); err == nil {
		t.Fatal("awg0 still present after shutdown")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	runOut(t, dir, name, args...)
}

func runOut(t *testing.T, dir, name string, args ...string) []byte {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, string(out))
	}
	return out
}
