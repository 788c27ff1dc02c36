package grasp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/danmuck/graspd/internal/logging"
	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/frame"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/registry"
	"github.com/danmuck/graspd/internal/security"
)

var ErrStarted = errors.New("grasp: engine already started")

// bogonPrefix seeds the session locator of a node without a routable
// address: 2001:db8:f000:baaa:f000:baaa followed by 32 random bits.
var bogonPrefix = [12]byte{0x20, 0x01, 0x0d, 0xb8, 0xf0, 0x00, 0xba, 0xaa, 0xf0, 0x00, 0xba, 0xaa}

type inbound struct {
	msg protocol.Message
	src netip.AddrPort
	ifi int
}

// Engine is one GRASP instance: registries, caches and the multicast and
// TCP machinery serving them.
type Engine struct {
	cfg      Config
	network  mcast.Network
	provider security.Provider
	gate     *security.Gate
	cipher   *frame.Cipher
	limits   frame.Limits
	logger   zerolog.Logger

	agents     *registry.Agents
	objectives *registry.Objectives
	sessions   *session.Cache
	discovery  *discoveryCache
	floods     *floodCache

	inbound chan inbound
	relayq  chan inbound
	limiter *rate.Limiter

	mu         sync.RWMutex
	address    netip.Addr
	sessionLoc netip.Addr
	ifaces     []mcast.Interface

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	workers sync.WaitGroup
	started atomic.Bool
	once    sync.Once
}

// New builds an engine on network. The provider supplies the security
// status and the routable address.
func New(cfg Config, network mcast.Network, provider security.Provider) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if network == nil {
		return nil, errors.New("grasp: nil network")
	}
	if provider == nil {
		return nil, errors.New("grasp: nil security provider")
	}
	cipher, err := frame.NewCipher(cfg.CipherPassword, []byte(cfg.CipherSalt))
	if err != nil {
		return nil, fmt.Errorf("grasp: cipher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		network:    network,
		provider:   provider,
		cipher:     cipher,
		limits:     frame.Limits{MaxMessageBytes: cfg.MaxMessageBytes},
		logger:     logging.Component("grasp"),
		agents:     registry.NewAgents(cfg.AgentLimit),
		objectives: registry.NewObjectives(cfg.ObjectiveLimit, cfg.ListenQueue, cfg.DiscoveryTTL),
		sessions:   session.NewCache(cfg.Session),
		discovery:  newDiscoveryCache(cfg.DiscoveryLimit),
		floods:     newFloodCache(cfg.FloodLimit),
		inbound:    make(chan inbound, cfg.MulticastQueue),
		relayq:     make(chan inbound, cfg.RelayQueue),
		limiter:    rate.NewLimiter(rate.Every(cfg.RelayGap), cfg.RelayBurst),
		ifaces:     network.Interfaces(),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.gate = security.NewGate(provider, security.Policy{
		CipherEnabled:      cipher.Enabled(),
		AllowLinkLocalOnly: cfg.AllowLinkLocalOnly,
	})
	addr, _, err := provider.ResolveLocalAddress(false)
	if err != nil {
		e.logger.Warn().Err(err).Msg("grasp.New resolve address failed, using link-local")
		addr = netip.Addr{}
	}
	e.setAddress(addr)
	e.logger.Info().
		Str("mode", e.gate.Mode().String()).
		Str("session_locator", e.SessionLocator().String()).
		Int("interfaces", len(e.ifaces)).
		Msg("grasp.New")
	return e, nil
}

func (e *Engine) setAddress(addr netip.Addr) {
	if !addr.IsValid() || addr.IsLinkLocalUnicast() || addr.IsLoopback() {
		addr = netip.Addr{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.address = addr
	switch {
	case addr.IsValid():
		e.sessionLoc = addr
	case !isBogon(e.sessionLoc):
		var b [16]byte
		copy(b[:], bogonPrefix[:])
		_, _ = rand.Read(b[12:])
		e.sessionLoc = netip.AddrFrom16(b)
	}
}

func isBogon(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}
	b := addr.As16()
	return [12]byte(b[:12]) == bogonPrefix
}

// Address returns the routable address, invalid when the node only has
// link-local addresses.
func (e *Engine) Address() netip.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.address
}

// SessionLocator is the initiator address placed in discoveries and floods.
func (e *Engine) SessionLocator() netip.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionLoc
}

func (e *Engine) interfaces() []mcast.Interface {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]mcast.Interface(nil), e.ifaces...)
}

func (e *Engine) linkLocal(ifi int) netip.Addr {
	for _, i := range e.interfaces() {
		if i.Index == ifi {
			return i.LinkLocal
		}
	}
	return netip.Addr{}
}

func (e *Engine) Mode() security.Mode { return e.gate.Mode() }

// Start launches the receive, dispatch, relay and watcher goroutines. The
// engine stops when ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	context.AfterFunc(ctx, e.cancel)
	g, gctx := errgroup.WithContext(e.ctx)
	e.group = g

	var listeners []net.Listener
	for _, ifi := range e.interfaces() {
		ln, err := e.network.ResponseListener(ifi.Index)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			e.cancel()
			return fmt.Errorf("grasp: response listener on %s: %w", ifi.Name, err)
		}
		listeners = append(listeners, ln)
		ifi := ifi
		g.Go(func() error {
			e.acceptResponses(gctx, ln, ifi.Index)
			return nil
		})
	}
	g.Go(func() error { return e.network.Serve(gctx, e.receive) })
	g.Go(func() error {
		e.dispatchMulticasts(gctx)
		return nil
	})
	g.Go(func() error {
		e.dispatchRelays(gctx)
		return nil
	})
	w := &security.Watcher{
		Gate:     e.gate,
		Provider: e.provider,
		Interval: e.cfg.WatchInterval,
		Logger:   e.logger,
		OnChange: e.addressChanged,
	}
	g.Go(func() error { return w.Run(gctx, e.Address()) })
	e.logger.Info().Msg("grasp.Engine started")
	return nil
}

func (e *Engine) addressChanged(addr netip.Addr) {
	e.setAddress(addr)
	if r, ok := e.network.(mcast.Refresher); ok {
		if err := r.Refresh(); err != nil {
			e.logger.Warn().Err(err).Msg("grasp.Engine multicast refresh failed")
		}
	}
	ifaces := e.network.Interfaces()
	e.mu.Lock()
	e.ifaces = ifaces
	e.mu.Unlock()
}

// Close stops every goroutine and releases objective listeners.
func (e *Engine) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		e.objectives.CloseAll()
		e.workers.Wait()
		if e.group != nil {
			err = e.group.Wait()
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		e.logger.Info().Msg("grasp.Engine closed")
	})
	return err
}

// Wait blocks until the engine goroutines have exited.
func (e *Engine) Wait() error {
	<-e.ctx.Done()
	return e.Close()
}

// spawn runs fn on a tracked worker goroutine. It reports false once the
// engine is shutting down.
func (e *Engine) spawn(fn func()) bool {
	if e.ctx.Err() != nil {
		return false
	}
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		fn()
	}()
	return true
}

// encode assembles m for the wire and counts it.
func (e *Engine) encode(m protocol.Message) ([]byte, error) {
	b, err := protocol.Encode(m)
	if err != nil {
		return nil, err
	}
	observability.RecordMessage("out", m.Type.String())
	return b, nil
}

func (e *Engine) wrapConn(c net.Conn) *frame.Conn {
	return frame.NewConn(c, e.cipher, e.limits)
}

func (e *Engine) ownInitiator(initiator []byte) bool {
	addr, ok := netip.AddrFromSlice(initiator)
	return ok && addr == e.SessionLocator()
}

func (e *Engine) observe(op string, start time.Time, err error) {
	observability.RecordOperation(op, CodeOf(err).Error(), time.Since(start))
}

// maxWireMS is the largest millisecond count a time.Duration can hold.
const maxWireMS = uint64(math.MaxInt64 / int64(time.Millisecond))

// msDuration converts a wire TTL or wait value, saturating instead of
// wrapping.
func msDuration(ms uint64) time.Duration {
	if ms > maxWireMS {
		ms = maxWireMS
	}
	return time.Duration(ms) * time.Millisecond
}

func durationMS(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}
