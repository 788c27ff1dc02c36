package grasp

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/graspd/internal/protocol"
)

// Locator is a discovered or flooded place where an objective is served.
type Locator struct {
	Kind     protocol.OptionType `json:"kind"`
	Addr     netip.Addr          `json:"addr,omitzero"`
	Name     string              `json:"name,omitempty"`
	Protocol int                 `json:"protocol"`
	Port     int                 `json:"port"`
	// Ifi is the interface the locator was learned on.
	Ifi int `json:"ifi,omitempty"`
	// Expire is zero when the locator never expires.
	Expire   time.Time `json:"expire,omitzero"`
	Diverted bool      `json:"diverted,omitempty"`
}

// AddressLocator returns an IP locator for addr:port over TCP.
func AddressLocator(addr netip.Addr, port int) *Locator {
	kind := protocol.OptionIPv6Locator
	if addr.Is4() || addr.Is4In6() {
		kind = protocol.OptionIPv4Locator
		addr = addr.Unmap()
	}
	return &Locator{Kind: kind, Addr: addr, Protocol: protocol.ProtoTCP, Port: port}
}

// UnspecifiedLocator marks a link-local-only flood; the engine substitutes
// each interface's link-local address.
func UnspecifiedLocator(port int) *Locator {
	return AddressLocator(netip.IPv6Unspecified(), port)
}

func locatorFromOption(o protocol.Option, ifi int, diverted bool, expire time.Time) Locator {
	return Locator{
		Kind:     o.Type,
		Addr:     o.Addr,
		Name:     o.Name,
		Protocol: o.Protocol,
		Port:     o.Port,
		Ifi:      ifi,
		Expire:   expire,
		Diverted: diverted,
	}
}

func (l Locator) IsIP() bool { return l.Kind.IsIPLocator() }

// Option renders l as a wire locator option.
func (l Locator) Option() protocol.Option {
	switch l.Kind {
	case protocol.OptionFQDNLocator:
		return protocol.FQDNLocator(l.Name, l.Protocol, l.Port)
	case protocol.OptionURILocator:
		return protocol.URILocator(l.Name, l.Protocol, l.Port)
	}
	return protocol.IPLocator(l.Addr, l.Protocol, l.Port)
}

func (l Locator) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(l.Addr, uint16(l.Port))
}

func (l Locator) Expired(now time.Time) bool {
	return !l.Expire.IsZero() && l.Expire.Before(now)
}

// Same reports whether l and o name the same endpoint.
func (l Locator) Same(o Locator) bool {
	return l.Kind == o.Kind && l.Addr == o.Addr && l.Name == o.Name &&
		l.Protocol == o.Protocol && l.Port == o.Port
}

func (l Locator) String() string {
	switch l.Kind {
	case protocol.OptionFQDNLocator, protocol.OptionURILocator:
		return fmt.Sprintf("%s:%d", l.Name, l.Port)
	}
	return l.AddrPort().String()
}

// TaggedObjective is an objective value together with where it came from.
type TaggedObjective struct {
	Objective protocol.Objective
	Source    *Locator
}

// SessionHandle identifies an open negotiation.
type SessionHandle struct {
	ID     uint32
	Source netip.Addr
}

// Outcome is the result of one negotiation exchange. Session is nil once the
// peer has ended the negotiation with an accept.
type Outcome struct {
	Session   *SessionHandle
	Objective protocol.Objective
}

// DiscoverOptions tune a single discovery.
type DiscoverOptions struct {
	// Flush drops any cached locators first.
	Flush bool
	// MinTTL forces a fresh discovery when a cached locator expires sooner.
	MinTTL time.Duration
}
