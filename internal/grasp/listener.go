package grasp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/frame"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/registry"
)

// acceptRequests serves the TCP listener of one objective until it is
// closed by deregistration or shutdown.
func (e *Engine) acceptRequests(ln net.Listener, name string) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && e.ctx.Err() == nil {
				e.logger.Warn().Err(err).Str("objective", name).Msg("grasp.acceptRequests stopped")
			}
			return
		}
		if !e.spawn(func() { e.serveRequest(c, name) }) {
			_ = c.Close()
			return
		}
	}
}

// readFirst reads one message from a fresh connection. The connection is
// closed and ok is false on any failure or engine shutdown.
func (e *Engine) readFirst(c net.Conn) (*frame.Conn, protocol.Message, bool) {
	stop := context.AfterFunc(e.ctx, func() { _ = c.Close() })
	fc := e.wrapConn(c)
	_ = c.SetReadDeadline(time.Now().Add(e.cfg.AcceptTimeout))
	raw, err := fc.ReadMessage()
	if !stop() {
		return nil, protocol.Message{}, false
	}
	if err != nil {
		e.logger.Debug().Err(err).Str("peer", c.RemoteAddr().String()).Msg("grasp.readFirst read failed")
		_ = c.Close()
		return nil, protocol.Message{}, false
	}
	_ = c.SetReadDeadline(time.Time{})
	msg, err := protocol.Decode(raw, e.cfg.Strict)
	if err != nil {
		e.logger.Debug().Err(err).Str("peer", c.RemoteAddr().String()).Msg("grasp.readFirst decode failed")
		_ = c.Close()
		return nil, protocol.Message{}, false
	}
	observability.RecordMessage("in", msg.Type.String())
	return fc, msg, true
}

// serveRequest queues an incoming request for the listening agent or
// closes the connection.
func (e *Engine) serveRequest(c net.Conn, name string) {
	fc, msg, ok := e.readFirst(c)
	if !ok {
		return
	}
	src := mcast.RemoteAddrPort(c)
	reject := func(reason string) {
		e.logger.Debug().
			Str("objective", name).
			Str("peer", src.String()).
			Str("type", msg.Type.String()).
			Msg("grasp.serveRequest " + reason)
		_ = c.Close()
	}
	switch msg.Type {
	case protocol.MessageInvalid:
		e.logger.Warn().Str("peer", src.String()).Bytes("info", msg.Info).Msg("grasp.serveRequest peer reported invalid message")
		_ = c.Close()
		return
	case protocol.MessageReqNeg:
		if !msg.Objective.Neg {
			reject("negotiation request for non-negotiable objective")
			return
		}
		if msg.Objective.LoopCount <= 0 {
			reject("negotiation request with exhausted loop count")
			return
		}
	case protocol.MessageReqSyn:
		if !msg.Objective.Synch {
			reject("synchronization request for non-synchronizable objective")
			return
		}
	default:
		reject("not a request")
		return
	}
	if !e.gate.AcceptSender(src.Addr()) {
		reject("sender refused by security mode")
		return
	}
	queue, ok := e.objectives.Accepting(*msg.Objective)
	if !ok {
		reject("no listener")
		return
	}
	select {
	case queue <- registry.Request{Conn: fc, Sender: src, Message: msg}:
	default:
		observability.RecordQueueDrop("listen")
		reject("listen queue full")
	}
}

// acceptResponses collects discovery responses arriving on the response
// port of interface ifi.
func (e *Engine) acceptResponses(ctx context.Context, ln net.Listener, ifi int) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				e.logger.Warn().Err(err).Int("ifi", ifi).Msg("grasp.acceptResponses stopped")
			}
			return
		}
		if !e.spawn(func() { e.serveResponse(c, ifi) }) {
			_ = c.Close()
			return
		}
	}
}

func (e *Engine) serveResponse(c net.Conn, ifi int) {
	_, msg, ok := e.readFirst(c)
	if !ok {
		return
	}
	_ = c.Close()
	if msg.Type != protocol.MessageResponse {
		e.logger.Debug().Str("type", msg.Type.String()).Msg("grasp.serveResponse unexpected message")
		return
	}
	initiator, ok := netip.AddrFromSlice(msg.Initiator)
	if !ok {
		return
	}
	key := session.Key{ID: msg.SessionID, Source: initiator.Unmap()}
	if !e.sessions.Deliver(key, session.Response{Message: msg, Ifi: ifi}) {
		e.logger.Debug().Str("session", key.String()).Msg("grasp.serveResponse no waiting discovery")
	}
}
