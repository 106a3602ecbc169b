package addrutil

import (
	"net"
	"strconv"
	"strings"
)

// Endpoint builds the host:port that clients dial.
//
// host may come from config ("vpn.example.com"), from config with a stale
// port ("vpn.example.com:443") or from a STUN mapped address whose port
// belongs to the STUN socket, not the AmneziaWG listener. In every case the
// host is kept and joined with listenPort.
func Endpoint(host string, listenPort int) (string, bool) {
	if listenPort <= 0 || listenPort > 65535 {
		return "", false
	}
	h := HostFromAddr(host)
	if h == "" {
		return "", false
	}
	return net.JoinHostPort(h, strconv.Itoa(listenPort)), true
}

// SplitEndpoint splits host:port, defaulting the port when absent.
func SplitEndpoint(endpoint string, defaultPort int) (string, int) {
	host := HostFromAddr(endpoint)
	if _, p, err := net.SplitHostPort(strings.TrimSpace(endpoint)); err == nil {
		if port, err := strconv.Atoi(p); err == nil {
			return host, port
		}
	}
	return host, defaultPort
}

// HostFromAddr strips an optional port from addr.
func HostFromAddr(addr string) string {
	a := strings.TrimSpace(addr)
	if a == "" {
		return ""
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// Unbracketed IPv6 "host:port": peel off the last ":port" only when the
	// remainder is still a valid address.
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			if _, err := strconv.Atoi(a[last+1:]); err == nil && net.ParseIP(host) != nil {
				return host
			}
		}
	}

	// No port at all: raw IPv6 (maybe bracketed) or a plain host.
	return strings.Trim(a, "[]")
}
