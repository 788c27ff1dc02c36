package mcast

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

var (
	ErrUnknownInterface = errors.New("mcast: unknown interface")
	ErrClosed           = errors.New("mcast: network closed")
)

var (
	// GroupIPv6 is ALL_GRASP_NEIGHBORS for IPv6.
	GroupIPv6 = netip.MustParseAddr("ff02::13")
	// GroupIPv4 is ALL_GRASP_NEIGHBORS for IPv4.
	GroupIPv4 = netip.MustParseAddr("224.0.0.119")
)

// Interface is one link the engine multicasts on.
type Interface struct {
	Index     int        `json:"index"`
	Name      string     `json:"name"`
	LinkLocal netip.Addr `json:"link_local"`
}

// Packet is one received multicast datagram. Src carries the sender's
// address and source port; discovery responses go back to that port over TCP.
type Packet struct {
	Payload []byte
	Src     netip.AddrPort
	Ifi     int
}

// Network is the transport the engine runs on.
type Network interface {
	Interfaces() []Interface
	// Serve delivers received multicasts until ctx is done.
	Serve(ctx context.Context, deliver func(Packet)) error
	Multicast(ifi int, payload []byte) error
	// ResponseListener accepts discovery responses addressed to the source
	// port of multicasts sent on ifi.
	ResponseListener(ifi int) (net.Listener, error)
	// Listen opens an ephemeral TCP listener for an objective.
	Listen() (net.Listener, error)
	Dial(ctx context.Context, dst netip.AddrPort, ifi int) (net.Conn, error)
}

// Refresher is implemented by networks that can rebuild their multicast
// sockets after an address change.
type Refresher interface {
	Refresh() error
}

// ListenerPort extracts the TCP port of ln.
func ListenerPort(ln net.Listener) int {
	if ap, err := netip.ParseAddrPort(ln.Addr().String()); err == nil {
		return int(ap.Port())
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// RemoteAddrPort returns the peer of conn without any zone.
func RemoteAddrPort(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port())
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port())
}
