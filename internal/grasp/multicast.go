package grasp

import (
	"context"
	"net/netip"
	"time"

	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/session"
)

// receive runs on the network goroutine for every multicast and must not
// block.
func (e *Engine) receive(pkt mcast.Packet) {
	payload := pkt.Payload
	if e.cipher.Enabled() {
		plain, err := e.cipher.Open(payload)
		if err != nil {
			e.logger.Debug().Err(err).Str("src", pkt.Src.String()).Msg("grasp.receive undecryptable multicast")
			return
		}
		payload = plain
	}
	msg, err := protocol.Decode(payload, e.cfg.Strict)
	if err != nil {
		e.logger.Debug().Err(err).Str("src", pkt.Src.String()).Msg("grasp.receive malformed multicast")
		return
	}
	observability.RecordMessage("in", msg.Type.String())
	if msg.Type != protocol.MessageDiscovery && msg.Type != protocol.MessageFlood {
		e.logger.Debug().Str("type", msg.Type.String()).Msg("grasp.receive unexpected multicast")
		return
	}
	if e.ownInitiator(msg.Initiator) {
		return
	}
	if !e.gate.AcceptSender(pkt.Src.Addr()) {
		e.logger.Debug().Str("src", pkt.Src.String()).Msg("grasp.receive sender refused by security mode")
		return
	}
	in := inbound{msg: msg, src: pkt.Src, ifi: pkt.Ifi}
	if len(e.interfaces()) > 1 && e.gate.RelayAllowed() {
		select {
		case e.relayq <- in:
		default:
			observability.RecordQueueDrop("relay")
			e.logger.Warn().Msg("grasp.receive relay queue full")
		}
	}
	select {
	case e.inbound <- in:
	default:
		observability.RecordQueueDrop("multicast")
		e.logger.Warn().Msg("grasp.receive multicast queue full")
	}
}

// dispatchMulticasts is the single consumer of the multicast queue.
func (e *Engine) dispatchMulticasts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-e.inbound:
			switch in.msg.Type {
			case protocol.MessageDiscovery:
				e.answerDiscovery(in)
			case protocol.MessageFlood:
				e.ingestFlood(in)
			}
		}
	}
}

// multicast sends m on every interface except skip.
func (e *Engine) multicast(m protocol.Message, skip int) error {
	return e.multicastEach(skip, func(mcast.Interface) protocol.Message { return m })
}

// multicastEach sends the message built for each interface except skip. It
// fails only when no interface could be used.
func (e *Engine) multicastEach(skip int, build func(ifi mcast.Interface) protocol.Message) error {
	var sent int
	var last error
	for _, ifi := range e.interfaces() {
		if ifi.Index == skip {
			continue
		}
		b, err := e.encode(build(ifi))
		if err != nil {
			return err
		}
		if e.cipher.Enabled() {
			if b, err = e.cipher.Seal(b); err != nil {
				return err
			}
		}
		if err := e.network.Multicast(ifi.Index, b); err != nil {
			e.logger.Warn().Err(err).Str("ifi", ifi.Name).Msg("grasp.multicast send failed")
			last = err
			continue
		}
		sent++
	}
	if sent == 0 && last != nil {
		return last
	}
	return nil
}

// dispatchRelays forwards queued multicasts to the other interfaces at the
// configured rate.
func (e *Engine) dispatchRelays(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-e.relayq:
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			e.relay(in)
		}
	}
}

func (e *Engine) relay(in inbound) {
	kind := in.msg.Type.String()
	initiator, ok := netip.AddrFromSlice(in.msg.Initiator)
	if !ok {
		observability.RecordRelay(kind, "invalid")
		return
	}
	key := session.Key{ID: in.msg.SessionID, Source: initiator.Unmap()}
	if !e.sessions.ClaimRelay(key) {
		observability.RecordRelay(kind, "duplicate")
		return
	}
	switch in.msg.Type {
	case protocol.MessageFlood:
		e.relayFlood(in, key)
	case protocol.MessageDiscovery:
		e.relayDiscovery(in, key)
	}
}

// relayFlood re-multicasts a flood with every loop count decremented. The
// first entry decides whether the flood travels further.
func (e *Engine) relayFlood(in inbound, key session.Key) {
	m := in.msg
	m.Flood = make([]protocol.FloodEntry, len(in.msg.Flood))
	for i, fe := range in.msg.Flood {
		fe.Objective = fe.Objective.Clone()
		fe.Objective.LoopCount--
		m.Flood[i] = fe
	}
	if m.Flood[0].Objective.LoopCount <= 0 {
		e.sessions.Deactivate(key)
		observability.RecordRelay(m.Type.String(), "exhausted")
		return
	}
	if err := e.multicast(m, in.ifi); err != nil {
		e.logger.Warn().Err(err).Msg("grasp.relay flood failed")
	}
	observability.RecordRelay(m.Type.String(), "forwarded")
	time.AfterFunc(e.cfg.Session.RelayHold, func() { e.sessions.Deactivate(key) })
}

// relayDiscovery repeats the discovery on the other interfaces under the
// original session and diverts the requester to whatever was found.
func (e *Engine) relayDiscovery(in inbound, key session.Key) {
	obj := in.msg.Objective.Clone()
	obj.LoopCount--
	if obj.LoopCount <= 0 {
		e.sessions.Deactivate(key)
		observability.RecordRelay(in.msg.Type.String(), "exhausted")
		return
	}
	s, err := e.sessions.AttachQueue(key, e.cfg.DiscoveryQueue)
	if err != nil {
		observability.RecordRelay(in.msg.Type.String(), "no_session")
		return
	}
	observability.RecordRelay(in.msg.Type.String(), "forwarded")
	e.spawn(func() {
		timeout := e.cfg.DiscTimeoutUnit * time.Duration(obj.LoopCount)
		locs, _ := e.runDiscovery(e.ctx, s, obj, timeout, in.ifi, false)
		if len(locs) == 0 {
			return
		}
		opts, ttl := e.discovery.divert(obj.Name, time.Now(), e.cfg.DiscoveryTTL)
		if len(opts) == 0 {
			return
		}
		e.sendResponse(in.src, in.ifi, protocol.Message{
			Type:      protocol.MessageResponse,
			SessionID: in.msg.SessionID,
			Initiator: in.msg.Initiator,
			TTL:       durationMS(ttl),
			Options:   []protocol.Option{protocol.Divert(opts...)},
		})
	})
}
