package security

import (
	"errors"
	"net"
	"net/netip"
	"sync"
)

var ErrNoInterfaces = errors.New("security: no usable interfaces")

// Link is one multicast-capable interface with its link-local address.
type Link struct {
	Index     int
	Name      string
	LinkLocal netip.Addr
}

// Provider reports whether a trusted channel exists and resolves the local
// addresses GRASP should use. ResolveLocalAddress returns the preferred
// routable address (invalid when none) and, when build is set, the links.
type Provider interface {
	Status() bool
	ResolveLocalAddress(build bool) (netip.Addr, []Link, error)
}

// StaticProvider is a Provider with fixed answers that can be changed at run
// time.
type StaticProvider struct {
	mu      sync.RWMutex
	secure  bool
	address netip.Addr
	links   []Link
}

func NewStaticProvider(secure bool, address netip.Addr, links []Link) *StaticProvider {
	return &StaticProvider{secure: secure, address: address, links: append([]Link(nil), links...)}
}

func (p *StaticProvider) Status() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.secure
}

func (p *StaticProvider) ResolveLocalAddress(build bool) (netip.Addr, []Link, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !build {
		return p.address, nil, nil
	}
	return p.address, append([]Link(nil), p.links...), nil
}

func (p *StaticProvider) SetSecure(secure bool) {
	p.mu.Lock()
	p.secure = secure
	p.mu.Unlock()
}

func (p *StaticProvider) SetAddress(addr netip.Addr) {
	p.mu.Lock()
	p.address = addr
	p.mu.Unlock()
}

// SystemProvider reads addresses from the host interfaces. Trusted reports
// the channel state of the surrounding substrate.
type SystemProvider struct {
	Trusted bool
	// Interfaces restricts the links to these names when non-empty.
	Interfaces []string
}

func (p SystemProvider) Status() bool {
	return p.Trusted
}

func (p SystemProvider) allowed(name string) bool {
	if len(p.Interfaces) == 0 {
		return true
	}
	for _, n := range p.Interfaces {
		if n == name {
			return true
		}
	}
	return false
}

// ResolveLocalAddress prefers a global unicast address over a unique local
// one and ignores link-local and loopback addresses.
func (p SystemProvider) ResolveLocalAddress(build bool) (netip.Addr, []Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, nil, err
	}
	var global, ula netip.Addr
	var links []Link
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || !p.allowed(ifi.Name) {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		var ll netip.Addr
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok || !addr.Is6() || addr.Is4In6() {
				continue
			}
			switch {
			case addr.IsLinkLocalUnicast():
				if !ll.IsValid() {
					ll = addr
				}
			case addr.IsPrivate():
				if !ula.IsValid() {
					ula = addr
				}
			case addr.IsGlobalUnicast():
				if !global.IsValid() {
					global = addr
				}
			}
		}
		if build && ll.IsValid() && ifi.Flags&net.FlagMulticast != 0 {
			links = append(links, Link{Index: ifi.Index, Name: ifi.Name, LinkLocal: ll.WithZone(ifi.Name)})
		}
	}
	if !global.IsValid() {
		global = ula
	}
	if build && len(links) == 0 {
		return global, nil, ErrNoInterfaces
	}
	return global, links, nil
}
