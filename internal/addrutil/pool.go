package addrutil

import (
	"fmt"
	"net/netip"
	"sync"

	"awgctl/internal/errors"
)

// maxPoolSize guards against iterating millions of addresses on a
// misconfigured subnet. The interface serves a bounded peer set.
const maxPoolSize = 1 << 20

// Pool hands out single-host addresses from an IPv4 subnet. The network,
// broadcast and interface addresses are never allocated.
type Pool struct {
	mu     sync.Mutex
	subnet netip.Prefix
	self   netip.Addr
	size   uint32
	used   map[netip.Addr]bool
}

// NewPool builds a pool for subnet (e.g. 10.8.0.0/24). self is the
// interface's own address, with or without a prefix length.
func NewPool(subnet, self string) (*Pool, error) {
	prefix, err := netip.ParsePrefix(subnet)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "subnet %q", subnet)
	}
	if !prefix.Addr().Is4() {
		return nil, errors.Errorf(errors.KindValidation, "subnet %s must be IPv4", subnet)
	}
	if prefix.Bits() > 30 {
		return nil, errors.Errorf(errors.KindValidation, "subnet %s has no assignable hosts", subnet)
	}
	size := uint64(1) << uint(32-prefix.Bits())
	if size > maxPoolSize {
		return nil, errors.Errorf(errors.KindValidation, "subnet %s is too large (size=%d)", subnet, size)
	}

	selfAddr, err := parseHost(self)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "interface address %q", self)
	}
	prefix = prefix.Masked()
	if !prefix.Contains(selfAddr) {
		return nil, errors.Errorf(errors.KindValidation, "interface address %s is outside %s", selfAddr, prefix)
	}

	return &Pool{
		subnet: prefix,
		self:   selfAddr,
		size:   uint32(size),
		used:   make(map[netip.Addr]bool),
	}, nil
}

// Allocate returns the lowest free host as a /32.
func (p *Pool) Allocate() (netip.Prefix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.subnet.Addr()
	for i := uint32(1); i < p.size-1; i++ { // skip network/broadcast
		addr := addIPv4(base, i)
		if addr == p.self || p.used[addr] {
			continue
		}
		p.used[addr] = true
		return netip.PrefixFrom(addr, 32), nil
	}
	return netip.Prefix{}, errors.Errorf(errors.KindExhausted, "no free address in %s", p.subnet)
}

// Release returns addr to the pool. Releasing a free address is a no-op.
func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, addr)
}

// Reserve marks addr as taken. It reports false when addr is outside the
// usable range or already taken.
func (p *Pool) Reserve(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.usable(addr) || p.used[addr] {
		return false
	}
	p.used[addr] = true
	return true
}

// InUse reports whether addr is currently allocated.
func (p *Pool) InUse(addr netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used[addr]
}

// Len is the number of allocated addresses.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// Capacity is the number of assignable addresses.
func (p *Pool) Capacity() int {
	return int(p.size) - 3
}

func (p *Pool) Subnet() netip.Prefix {
	return p.subnet
}

func (p *Pool) usable(addr netip.Addr) bool {
	if !addr.Is4() || !p.subnet.Contains(addr) || addr == p.self {
		return false
	}
	network := p.subnet.Addr()
	broadcast := addIPv4(network, p.size-1)
	return addr != network && addr != broadcast
}

// ParseHost accepts "10.8.0.2", "10.8.0.2/32" or "10.8.0.1/24" and returns the address.
func ParseHost(value string) (netip.Addr, error) {
	return parseHost(value)
}

func parseHost(value string) (netip.Addr, error) {
	if p, err := netip.ParsePrefix(value); err == nil {
		return p.Addr(), nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q", value)
	}
	return addr, nil
}

func addIPv4(base netip.Addr, offset uint32) netip.Addr {
	v := base.As4()
	val := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	val += offset
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}
