package wireguard

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"

	"awgctl/internal/config"
	"awgctl/internal/errors"
	"awgctl/internal/execx"
)

// LinkType is the rtnetlink kind registered by the amneziawg kernel module.
const LinkType = "amneziawg"

// Links manages the network link that carries the interface.
type Links interface {
	// Ensure creates the link, or spawns the userspace data plane, when missing.
	Ensure(ctx context.Context, name string) error
	// Exists reports whether the link is present and addressable.
	Exists(ctx context.Context, name string) (bool, error)
	// Configure assigns addr, sets the MTU and brings the link up.
	Configure(ctx context.Context, name string, addr netip.Prefix, mtu int) error
	Down(ctx context.Context, name string) error
	// Delete removes the link. A userspace data plane exits with it.
	Delete(ctx context.Context, name string) error
}

// NewLinks returns the backend selected by interface.link_backend.
func NewLinks(backend, dataPlane string, r execx.Runner) Links {
	userspace := dataPlane == config.DataPlaneUserspace
	if backend == config.LinkBackendIPRoute {
		return &IPLinks{Runner: r, Userspace: userspace}
	}
	return &NetlinkLinks{Runner: r, Userspace: userspace}
}

// NetlinkLinks talks rtnetlink directly.
type NetlinkLinks struct {
	Runner    execx.Runner
	Userspace bool
}

func (l *NetlinkLinks) Ensure(ctx context.Context, name string) error {
	if ok, err := l.Exists(ctx, name); err != nil || ok {
		return err
	}
	if l.Userspace {
		return spawnUserspace(ctx, l.Runner, name)
	}
	link := &netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		LinkType:  LinkType,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return errors.Wrapf(err, errors.KindProcess, "create link %s", name)
	}
	return nil
}

func (l *NetlinkLinks) Exists(ctx context.Context, name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, errors.Wrapf(err, errors.KindProcess, "lookup link %s", name)
}

func (l *NetlinkLinks) Configure(ctx context.Context, name string, addr netip.Prefix, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, errors.KindProcess, "lookup link %s", name)
	}
	nlAddr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(addr.Addr().AsSlice()),
		Mask: net.CIDRMask(addr.Bits(), addr.Addr().BitLen()),
	}}
	if err := netlink.AddrReplace(link, nlAddr); err != nil {
		return errors.Wrapf(err, errors.KindProcess, "assign %s to %s", addr, name)
	}
	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return errors.Wrapf(err, errors.KindProcess, "set mtu on %s", name)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, errors.KindProcess, "bring up %s", name)
	}
	return nil
}

func (l *NetlinkLinks) Down(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrapf(err, errors.KindProcess, "lookup link %s", name)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return errors.Wrapf(err, errors.KindProcess, "bring down %s", name)
	}
	return nil
}

func (l *NetlinkLinks) Delete(ctx context.Context, name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrapf(err, errors.KindProcess, "lookup link %s", name)
	}
	if err := netlink.LinkDel(link); err != nil {
		return errors.Wrapf(err, errors.KindProcess, "delete link %s", name)
	}
	return nil
}

// IPLinks drives iproute2. Useful where rtnetlink access is filtered.
type IPLinks struct {
	Runner    execx.Runner
	Userspace bool
}

func (l *IPLinks) Ensure(ctx context.Context, name string) error {
	if ok, err := l.Exists(ctx, name); err != nil || ok {
		return err
	}
	if l.Userspace {
		return spawnUserspace(ctx, l.Runner, name)
	}
	err := execx.Run(ctx, l.Runner, "ip", "link", "add", "dev", name, "type", LinkType)
	// Best-effort idempotency (e.g. concurrent starts).
	if err != nil && strings.Contains(err.Error(), "File exists") {
		return nil
	}
	return err
}

func (l *IPLinks) Exists(ctx context.Context, name string) (bool, error) {
	err := execx.Run(ctx, l.Runner, "ip", "link", "show", "dev", name)
	if err == nil {
		return true, nil
	}
	if missingLink(err) {
		return false, nil
	}
	return false, err
}

func (l *IPLinks) Configure(ctx context.Context, name string, addr netip.Prefix, mtu int) error {
	if err := execx.Run(ctx, l.Runner, "ip", "address", "replace", addr.String(), "dev", name); err != nil {
		return err
	}
	if mtu > 0 {
		if err := execx.Run(ctx, l.Runner, "ip", "link", "set", "dev", name, "mtu", strconv.Itoa(mtu)); err != nil {
			return err
		}
	}
	return execx.Run(ctx, l.Runner, "ip", "link", "set", "dev", name, "up")
}

func (l *IPLinks) Down(ctx context.Context, name string) error {
	err := execx.Run(ctx, l.Runner, "ip", "link", "set", "dev", name, "down")
	if err != nil && missingLink(err) {
		return nil
	}
	return err
}

func (l *IPLinks) Delete(ctx context.Context, name string) error {
	err := execx.Run(ctx, l.Runner, "ip", "link", "del", "dev", name)
	if err != nil && missingLink(err) {
		return nil
	}
	return err
}

// spawnUserspace starts amneziawg-go, which daemonizes once the tun device exists.
func spawnUserspace(ctx context.Context, r execx.Runner, name string) error {
	if err := execx.Run(ctx, r, "amneziawg-go", name); err != nil {
		return errors.Context(err, "spawn userspace data plane for %s", name)
	}
	return nil
}

func missingLink(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Cannot find device") || strings.Contains(msg, "does not exist")
}
