// Package memnet is an in-process multi-node network for engine tests.
// Multicast is delivered to every other node attached to the same named
// link; TCP runs over loopback with virtual addresses.
package memnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/security"
)

var (
	ErrNoRoute = errors.New("memnet: no route to host")
	ErrRefused = errors.New("memnet: connection refused")
)

const preambleLen = 18

// Hub owns every node and link.
type Hub struct {
	mu     sync.Mutex
	nodes  []*Node
	byAddr map[netip.Addr]*Node
}

func NewHub() *Hub {
	return &Hub{byAddr: make(map[netip.Addr]*Node)}
}

// AddNode attaches a node to the named links; interface i+1 joins links[i].
func (h *Hub) AddNode(name string, links ...string) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := len(h.nodes) + 1
	n := &Node{
		hub:       h,
		name:      name,
		links:     make(map[int]string),
		listeners: make(map[uint16]*listener),
		respPorts: make(map[int]uint16),
		nextPort:  40000,
	}
	var g [16]byte
	g[0], g[1], g[15] = 0xfd, 0x00, byte(id)
	n.global = netip.AddrFrom16(g)
	h.byAddr[n.global] = n
	for i, link := range links {
		var ll [16]byte
		ll[0], ll[1], ll[13], ll[15] = 0xfe, 0x80, byte(id), byte(i+1)
		addr := netip.AddrFrom16(ll)
		n.ifaces = append(n.ifaces, mcast.Interface{Index: i + 1, Name: fmt.Sprintf("%s-eth%d", name, i), LinkLocal: addr})
		n.links[i+1] = link
		h.byAddr[addr] = n
	}
	h.nodes = append(h.nodes, n)
	return n
}

// Node is one simulated host; it implements mcast.Network.
type Node struct {
	hub    *Hub
	name   string
	ifaces []mcast.Interface
	links  map[int]string
	global netip.Addr

	mu        sync.Mutex
	deliver   func(mcast.Packet)
	listeners map[uint16]*listener
	respPorts map[int]uint16
	nextPort  uint16

	multicasts atomic.Int64
}

func (n *Node) Name() string { return n.name }
func (n *Node) Global() netip.Addr { return n.global }
func (n *Node) Multicasts() int64 { return n.multicasts.Load() }
func (n *Node) Interfaces() []mcast.Interface {
	return append([]mcast.Interface(nil), n.ifaces...)
}

// Links returns the node's interfaces as provider links.
func (n *Node) Links() []security.Link {
	out := make([]security.Link, 0, len(n.ifaces))
	for _, ifi := range n.ifaces {
		out = append(out, security.Link{Index: ifi.Index, Name: ifi.Name, LinkLocal: ifi.LinkLocal})
	}
	return out
}

// Provider returns a static provider for this node. A false routable flag
// leaves the node with link-local addresses only.
func (n *Node) Provider(secure, routable bool) *security.StaticProvider {
	addr := n.global
	if !routable {
		addr = netip.Addr{}
	}
	return security.NewStaticProvider(secure, addr, n.Links())
}

// LinkLocal returns the link-local address of interface ifi.
func (n *Node) LinkLocal(ifi int) netip.Addr {
	for _, i := range n.ifaces {
		if i.Index == ifi {
			return i.LinkLocal
		}
	}
	return netip.Addr{}
}

// Serving reports whether an engine is receiving multicasts on this node.
func (n *Node) Serving() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deliver != nil
}

func (n *Node) allocPort() uint16 {
	n.nextPort++
	return n.nextPort
}

func (n *Node) Serve(ctx context.Context, deliver func(mcast.Packet)) error {
	n.mu.Lock()
	n.deliver = deliver
	n.mu.Unlock()
	<-ctx.Done()
	n.mu.Lock()
	n.deliver = nil
	n.mu.Unlock()
	return nil
}

type target struct {
	deliver func(mcast.Packet)
	ifi     int
}

func (n *Node) Multicast(ifi int, payload []byte) error {
	link, ok := n.links[ifi]
	if !ok {
		return fmt.Errorf("%w: %d", mcast.ErrUnknownInterface, ifi)
	}
	n.multicasts.Add(1)
	n.mu.Lock()
	src := netip.AddrPortFrom(n.LinkLocal(ifi), n.respPorts[ifi])
	n.mu.Unlock()

	var targets []target
	n.hub.mu.Lock()
	for _, other := range n.hub.nodes {
		if other == n {
			continue
		}
		for idx, l := range other.links {
			if l != link {
				continue
			}
			other.mu.Lock()
			if other.deliver != nil {
				targets = append(targets, target{deliver: other.deliver, ifi: idx})
			}
			other.mu.Unlock()
		}
	}
	n.hub.mu.Unlock()

	for _, tg := range targets {
		tg.deliver(mcast.Packet{Payload: append([]byte(nil), payload...), Src: src, Ifi: tg.ifi})
	}
	return nil
}

func (n *Node) ResponseListener(ifi int) (net.Listener, error) {
	addr := n.LinkLocal(ifi)
	if !addr.IsValid() {
		return nil, fmt.Errorf("%w: %d", mcast.ErrUnknownInterface, ifi)
	}
	n.mu.Lock()
	port, ok := n.respPorts[ifi]
	if ok {
		l := n.listeners[port]
		n.mu.Unlock()
		return l, nil
	}
	port = n.allocPort()
	n.respPorts[ifi] = port
	n.mu.Unlock()
	return n.listen(netip.AddrPortFrom(addr, port))
}

func (n *Node) Listen() (net.Listener, error) {
	n.mu.Lock()
	port := n.allocPort()
	n.mu.Unlock()
	return n.listen(netip.AddrPortFrom(netip.IPv6Unspecified(), port))
}

func (n *Node) listen(virt netip.AddrPort) (net.Listener, error) {
	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	l := &listener{node: n, virt: virt, tcp: tcp}
	n.mu.Lock()
	n.listeners[virt.Port()] = l
	n.mu.Unlock()
	return l, nil
}

func (n *Node) sharesLink(ifi int, other *Node, addr netip.Addr) bool {
	for _, i := range other.ifaces {
		if i.LinkLocal == addr {
			return n.links[ifi] == other.links[i.Index]
		}
	}
	return false
}

func (n *Node) Dial(ctx context.Context, dst netip.AddrPort, ifi int) (net.Conn, error) {
	addr := dst.Addr().WithZone("")
	n.hub.mu.Lock()
	peer := n.hub.byAddr[addr]
	n.hub.mu.Unlock()
	if peer == nil {
		return nil, ErrNoRoute
	}
	src := n.global
	if addr.IsLinkLocalUnicast() {
		if !n.sharesLink(ifi, peer, addr) {
			return nil, ErrNoRoute
		}
		src = n.LinkLocal(ifi)
	}
	peer.mu.Lock()
	l := peer.listeners[dst.Port()]
	peer.mu.Unlock()
	if l == nil {
		return nil, ErrRefused
	}
	n.mu.Lock()
	from := netip.AddrPortFrom(src, n.allocPort())
	n.mu.Unlock()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", l.tcp.Addr().String())
	if err != nil {
		return nil, ErrRefused
	}
	var pre [preambleLen]byte
	a16 := from.Addr().As16()
	copy(pre[:16], a16[:])
	binary.BigEndian.PutUint16(pre[16:], from.Port())
	if _, err := c.Write(pre[:]); err != nil {
		c.Close()
		return nil, err
	}
	return &conn{Conn: c, local: from, remote: netip.AddrPortFrom(addr, dst.Port())}, nil
}

type listener struct {
	node *Node
	virt netip.AddrPort
	tcp  net.Listener
	once sync.Once
}

func (l *listener) Accept() (net.Conn, error) {
	for {
		c, err := l.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, net.ErrClosed
			}
			return nil, err
		}
		var pre [preambleLen]byte
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(c, pre[:]); err != nil {
			c.Close()
			continue
		}
		_ = c.SetReadDeadline(time.Time{})
		var a16 [16]byte
		copy(a16[:], pre[:16])
		from := netip.AddrPortFrom(netip.AddrFrom16(a16), binary.BigEndian.Uint16(pre[16:]))
		return &conn{Conn: c, local: l.virt, remote: from}, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		l.node.mu.Lock()
		if l.node.listeners[l.virt.Port()] == l {
			delete(l.node.listeners, l.virt.Port())
		}
		l.node.mu.Unlock()
		err = l.tcp.Close()
	})
	return err
}

func (l *listener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(l.virt)
}

type conn struct {
	net.Conn
	local  netip.AddrPort
	remote netip.AddrPort
}

func (c *conn) LocalAddr() net.Addr { return net.TCPAddrFromAddrPort(c.local) }
func (c *conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.remote) }
