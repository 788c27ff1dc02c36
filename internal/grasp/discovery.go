package grasp

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/security"
)

// checkCaller validates the caller and, for negotiation or when sending a
// synchronization value, its ownership of obj.
func (e *Engine) checkCaller(h Handle, obj protocol.Objective, sendingSynch bool) error {
	if obj.Neg && obj.Synch {
		return NotBoth
	}
	if sendingSynch && !obj.Synch {
		return NotSynch
	}
	if !e.agents.Known(h) {
		return NoASA
	}
	if obj.Neg || sendingSynch {
		if _, err := e.objectives.Owned(h, obj.Name); err != nil {
			return NotYourObj
		}
	}
	return nil
}

// Discover returns locators for obj, from the cache when possible. An empty
// result after the timeout is not an error.
func (e *Engine) Discover(ctx context.Context, h Handle, obj protocol.Objective, timeout time.Duration, opts DiscoverOptions) (locs []Locator, err error) {
	start := time.Now()
	defer func() { e.observe("discover", start, err) }()
	if err := e.checkCaller(h, obj, false); err != nil {
		return nil, err
	}
	locs, _, err = e.discover(ctx, obj, timeout, opts, false)
	return locs, err
}

// discover serves Discover and the discovery step of negotiation and
// synchronization. With rapid set, the first response carrying a value for
// obj ends the wait and the value is returned.
func (e *Engine) discover(ctx context.Context, obj protocol.Objective, timeout time.Duration, opts DiscoverOptions, rapid bool) ([]Locator, *protocol.Objective, error) {
	if err := e.gate.Check(security.OpDiscover); err != nil {
		return nil, nil, NoSecurity
	}
	now := time.Now()
	if opts.Flush {
		e.discovery.flush(obj.Name)
	} else if locs, ok := e.discovery.lookup(obj.Name, now, opts.MinTTL); ok {
		e.logger.Debug().Str("objective", obj.Name).Int("locators", len(locs)).Msg("grasp.Discover cache hit")
		return locs, nil, nil
	}
	s, err := e.sessions.New(e.SessionLocator(), e.cfg.DiscoveryQueue)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", NoSession, err)
	}
	locs, value := e.runDiscovery(ctx, s, obj, e.discoveryTimeout(obj, timeout), 0, rapid)
	return locs, value, nil
}

// discoveryTimeout applies the per-hop floor of one unit per loop count.
func (e *Engine) discoveryTimeout(obj protocol.Objective, timeout time.Duration) time.Duration {
	hops := obj.LoopCount
	if hops < 1 {
		hops = 1
	}
	floor := e.cfg.DiscTimeoutUnit * time.Duration(hops)
	if timeout < floor {
		return floor
	}
	return timeout
}

// runDiscovery multicasts a discovery for session s on every interface but
// skip, then collects responses until the timeout. The session is released
// on return.
func (e *Engine) runDiscovery(ctx context.Context, s *session.Session, obj protocol.Objective, timeout time.Duration, skip int, rapid bool) ([]Locator, *protocol.Objective) {
	defer e.sessions.Deactivate(s.Key)
	start := time.Now()
	wire := obj.Clone()
	if e.gate.SingleHop() {
		wire.LoopCount = 1
	}
	initiator := addrBytes(s.Key.Source)
	msg := protocol.Message{
		Type:      protocol.MessageDiscovery,
		SessionID: s.Key.ID,
		Initiator: initiator,
		Objective: &wire,
	}
	if err := e.multicast(msg, skip); err != nil {
		e.logger.Warn().Err(err).Str("objective", obj.Name).Msg("grasp.Discover multicast failed")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.discovery.since(obj.Name, start), nil
		case <-timer.C:
			locs := e.discovery.since(obj.Name, start)
			e.logger.Debug().Str("objective", obj.Name).Int("locators", len(locs)).Msg("grasp.Discover done")
			return locs, nil
		case r := <-s.Responses:
			if r.Message.SessionID != s.Key.ID || !bytes.Equal(r.Message.Initiator, initiator) {
				e.logger.Debug().Uint32("session", r.Message.SessionID).Msg("grasp.Discover response to wrong session")
				continue
			}
			e.absorbResponse(obj.Name, r)
			if v := r.Message.Objective; rapid && v != nil && v.Name == obj.Name && v.Synch {
				got := v.Clone()
				return e.discovery.since(obj.Name, start), &got
			}
		}
	}
}

type divertItem struct {
	opt      protocol.Option
	diverted bool
}

// absorbResponse walks the response options breadth first and caches every
// locator found, marking those reached through a divert.
func (e *Engine) absorbResponse(name string, r session.Response) {
	expire := time.Now().Add(msDuration(r.Message.TTL))
	work := make([]divertItem, 0, len(r.Message.Options))
	for _, o := range r.Message.Options {
		work = append(work, divertItem{opt: o})
	}
	for len(work) > 0 {
		it := work[0]
		work = work[1:]
		switch {
		case it.opt.Type == protocol.OptionDivert:
			for _, inner := range it.opt.Divert {
				work = append(work, divertItem{opt: inner, diverted: true})
			}
		case it.opt.Type.IsLocator():
			e.discovery.add(name, locatorFromOption(it.opt, r.Ifi, it.diverted, expire))
		}
	}
	observability.SetCacheEntries("discovery", e.discovery.len())
}

// answerDiscovery responds to a neighbour's discovery: with our own locator
// when we serve the objective, otherwise with a divert to cached locators.
func (e *Engine) answerDiscovery(in inbound) {
	obj := in.msg.Objective
	if entry, ok := e.objectives.Lookup(obj.Name); ok && entry.Discoverable {
		var locs []protocol.Option
		if len(entry.Locators) > 0 {
			locs = entry.Locators
		} else {
			addr := e.Address()
			if entry.Local || !addr.IsValid() {
				addr = e.linkLocal(in.ifi)
			}
			locs = []protocol.Option{protocol.IPLocator(addr, protocol.ProtoTCP, entry.Port)}
		}
		resp := protocol.Message{
			Type:      protocol.MessageResponse,
			SessionID: in.msg.SessionID,
			Initiator: in.msg.Initiator,
			TTL:       durationMS(entry.TTL),
			Options:   locs,
		}
		if e.cfg.RapidMode && entry.Rapid && entry.Objective.Synch {
			v := entry.Objective
			resp.Objective = &v
		}
		e.spawn(func() { e.sendResponse(in.src, in.ifi, resp) })
		return
	}
	opts, ttl := e.discovery.divert(obj.Name, time.Now(), e.cfg.DiscoveryTTL)
	if len(opts) == 0 {
		return
	}
	resp := protocol.Message{
		Type:      protocol.MessageResponse,
		SessionID: in.msg.SessionID,
		Initiator: in.msg.Initiator,
		TTL:       durationMS(ttl),
		Options:   []protocol.Option{protocol.Divert(opts...)},
	}
	e.spawn(func() { e.sendResponse(in.src, in.ifi, resp) })
}

// sendResponse delivers a discovery response over TCP to the response port
// the discovery came from.
func (e *Engine) sendResponse(dst netip.AddrPort, ifi int, m protocol.Message) {
	b, err := e.encode(m)
	if err != nil {
		e.logger.Warn().Err(err).Msg("grasp.sendResponse encode failed")
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.AcceptTimeout)
	defer cancel()
	c, err := e.network.Dial(ctx, dst, ifi)
	if err != nil {
		e.logger.Debug().Err(err).Str("dst", dst.String()).Msg("grasp.sendResponse dial failed")
		return
	}
	defer c.Close()
	_ = c.SetWriteDeadline(time.Now().Add(e.cfg.AcceptTimeout))
	if err := e.wrapConn(c).WriteMessage(b); err != nil {
		e.logger.Debug().Err(err).Str("dst", dst.String()).Msg("grasp.sendResponse write failed")
	}
}

func addrBytes(a netip.Addr) []byte {
	if a.Is4() {
		b := a.As4()
		return b[:]
	}
	b := a.As16()
	return b[:]
}
