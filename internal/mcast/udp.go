package mcast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/session"
)

// UDPConfig configures the host network implementation.
type UDPConfig struct {
	Interfaces []Interface
	Port       int
	// ListenSelf keeps multicasts sent from our own link-local addresses.
	ListenSelf bool
	Backoff    session.BackoffConfig
	Logger     zerolog.Logger
}

type sender struct {
	iface    *net.Interface
	conn     net.PacketConn
	pc       *ipv6.PacketConn
	listener net.Listener
}

// UDP is the IPv6 link-local multicast network.
type UDP struct {
	cfg    UDPConfig
	group  *net.UDPAddr
	logger zerolog.Logger

	mu      sync.Mutex
	recv    *ipv6.PacketConn
	senders map[int]*sender
	own     map[netip.Addr]struct{}
	closed  bool
}

func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.Port == 0 {
		cfg.Port = protocol.Port
	}
	if len(cfg.Interfaces) == 0 {
		return nil, ErrUnknownInterface
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = session.DefaultConfig().Backoff
	}
	u := &UDP{
		cfg:     cfg,
		group:   &net.UDPAddr{IP: net.IP(GroupIPv6.AsSlice()), Port: cfg.Port},
		logger:  cfg.Logger,
		senders: make(map[int]*sender),
		own:     make(map[netip.Addr]struct{}),
	}
	for _, ifi := range cfg.Interfaces {
		u.own[ifi.LinkLocal.WithZone("")] = struct{}{}
		s, err := u.openSender(ifi)
		if err != nil {
			u.Close()
			return nil, err
		}
		u.senders[ifi.Index] = s
	}
	return u, nil
}

func (u *UDP) openSender(ifi Interface) (*sender, error) {
	iface, err := net.InterfaceByIndex(ifi.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %v", ErrUnknownInterface, ifi.Index, err)
	}
	conn, err := net.ListenPacket("udp6", "[::]:0")
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetMulticastHopLimit(1); err != nil {
		conn.Close()
		return nil, err
	}
	if err := pc.SetMulticastLoopback(u.cfg.ListenSelf); err != nil {
		conn.Close()
		return nil, err
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	ln, err := net.Listen("tcp6", net.JoinHostPort("::", strconv.Itoa(port)))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mcast: response listener port %d: %w", port, err)
	}
	return &sender{iface: iface, conn: conn, pc: pc, listener: ln}, nil
}

func (u *UDP) openReceiver() (*ipv6.PacketConn, error) {
	conn, err := net.ListenPacket("udp6", net.JoinHostPort("::", strconv.Itoa(u.cfg.Port)))
	if err != nil {
		return nil, err
	}
	pc := ipv6.NewPacketConn(conn)
	joined := 0
	for _, ifi := range u.cfg.Interfaces {
		iface, err := net.InterfaceByIndex(ifi.Index)
		if err != nil {
			continue
		}
		if err := pc.JoinGroup(iface, &net.UDPAddr{IP: u.group.IP}); err != nil {
			u.logger.Warn().Str("ifi", iface.Name).Err(err).Msg("mcast.UDP join group failed")
			continue
		}
		joined++
	}
	if joined == 0 {
		conn.Close()
		return nil, ErrUnknownInterface
	}
	if err := pc.SetControlMessage(ipv6.FlagInterface, true); err != nil {
		conn.Close()
		return nil, err
	}
	return pc, nil
}

func (u *UDP) Interfaces() []Interface {
	return append([]Interface(nil), u.cfg.Interfaces...)
}

// Serve reads the GRASP port until ctx is done, rebuilding the receive socket
// with backoff after failures.
func (u *UDP) Serve(ctx context.Context, deliver func(Packet)) error {
	backoff := session.NewBackoff(u.cfg.Backoff, nil)
	for {
		pc, err := u.openReceiver()
		if err != nil {
			u.logger.Warn().Err(err).Int("attempt", backoff.Attempts()+1).Msg("mcast.UDP open receiver failed")
			if werr := backoff.Wait(ctx); werr != nil {
				return nil
			}
			continue
		}
		backoff.Reset()
		u.mu.Lock()
		u.recv = pc
		u.mu.Unlock()
		u.logger.Info().Int("port", u.cfg.Port).Int("interfaces", len(u.cfg.Interfaces)).Msg("mcast.UDP receiving")

		err = u.readLoop(ctx, pc, deliver)
		if ctx.Err() != nil {
			return nil
		}
		u.logger.Warn().Err(err).Msg("mcast.UDP receiver stopped; rebuilding")
	}
}

func (u *UDP) readLoop(ctx context.Context, pc *ipv6.PacketConn, deliver func(Packet)) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-done:
		}
		return pc.Close()
	})
	g.Go(func() error {
		defer close(done)
		buf := make([]byte, protocol.MaxSize+1)
		for {
			n, cm, src, err := pc.ReadFrom(buf)
			if err != nil {
				return err
			}
			udp, ok := src.(*net.UDPAddr)
			if !ok {
				continue
			}
			ap := udp.AddrPort()
			from := netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port())
			if _, mine := u.own[from.Addr()]; mine && !u.cfg.ListenSelf {
				continue
			}
			ifi := 0
			if cm != nil {
				ifi = cm.IfIndex
			}
			deliver(Packet{Payload: append([]byte(nil), buf[:n]...), Src: from, Ifi: ifi})
		}
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (u *UDP) Multicast(ifi int, payload []byte) error {
	u.mu.Lock()
	s, ok := u.senders[ifi]
	u.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownInterface, ifi)
	}
	dst := &net.UDPAddr{IP: u.group.IP, Port: u.cfg.Port, Zone: s.iface.Name}
	_, err := s.pc.WriteTo(payload, nil, dst)
	return err
}

func (u *UDP) ResponseListener(ifi int) (net.Listener, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.senders[ifi]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownInterface, ifi)
	}
	return s.listener, nil
}

func (u *UDP) Listen() (net.Listener, error) {
	return net.Listen("tcp6", "[::]:0")
}

func (u *UDP) Dial(ctx context.Context, dst netip.AddrPort, ifi int) (net.Conn, error) {
	addr := dst.Addr()
	if addr.IsLinkLocalUnicast() && addr.Zone() == "" {
		if iface, err := net.InterfaceByIndex(ifi); err == nil {
			addr = addr.WithZone(iface.Name)
		}
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, dst.Port()).String())
}

// Refresh drops the receive socket; Serve reopens it.
func (u *UDP) Refresh() error {
	u.mu.Lock()
	pc := u.recv
	u.recv = nil
	u.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.Close()
}

func (u *UDP) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	var errs []error
	for _, s := range u.senders {
		errs = append(errs, s.listener.Close(), s.conn.Close())
	}
	if u.recv != nil {
		errs = append(errs, u.recv.Close())
	}
	return errors.Join(errs...)
}
