// Package stunutil discovers the public address clients should dial.
package stunutil

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATUnknown   = "unknown"
	NATSymmetric = "symmetric"
	NATStable    = "stable"
)

// DefaultServers is used when interface.stun_servers is empty.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Result is the outcome of asking several STUN servers for our mapping.
type Result struct {
	// Addr is the first mapped host:port.
	Addr string
	// Host is Addr without the port.
	Host string
	// NAT is NATStable when every server saw the same mapping.
	NAT string
}

// Probe queries servers in order and returns the first mapped address.
// The mapped port belongs to the probe socket, so only Host is meaningful
// for the interface endpoint.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		servers = DefaultServers
	}

	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("stun probe failed")
		}
		return Result{NAT: NATUnknown}, lastErr
	}

	host, _, err := net.SplitHostPort(mapped[0])
	if err != nil {
		return Result{NAT: NATUnknown}, err
	}
	return Result{Addr: mapped[0], Host: host, NAT: Classify(mapped)}, nil
}

// Classify compares mapped addresses reported by different servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATStable
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}

	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
