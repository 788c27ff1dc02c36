package grasp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/registry"
	"github.com/danmuck/graspd/internal/security"
)

// ListenSynchronize publishes obj's value to synchronization requests. The
// first call starts a responder; later calls only refresh the value.
func (e *Engine) ListenSynchronize(h Handle, obj protocol.Objective) error {
	if err := e.checkCaller(h, obj, true); err != nil {
		return err
	}
	if err := e.gate.Check(security.OpListen); err != nil {
		return NoSecurity
	}
	quit, started, err := e.objectives.StartResponder(obj.Name, obj)
	if err != nil {
		return registryCode(err)
	}
	entry, ok := e.objectives.Lookup(obj.Name)
	if started && ok {
		queue := entry.Queue
		e.spawn(func() { e.respond(obj.Name, queue, quit) })
		e.logger.Debug().Str("objective", obj.Name).Msg("grasp.ListenSynchronize responder started")
	}
	return nil
}

// StopSynchronize stops the responder for obj.
func (e *Engine) StopSynchronize(h Handle, obj protocol.Objective) error {
	if err := e.checkCaller(h, obj, true); err != nil {
		return err
	}
	e.objectives.StopListening(obj.Name)
	return nil
}

// respond answers queued synchronization requests with the value current
// at response time, one request per connection.
func (e *Engine) respond(name string, queue <-chan registry.Request, quit <-chan struct{}) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-quit:
			return
		case req := <-queue:
			entry, ok := e.objectives.Lookup(name)
			if !ok || !entry.Responding {
				_ = req.Conn.Close()
				return
			}
			if req.Message.Type != protocol.MessageReqSyn {
				_ = req.Conn.Close()
				continue
			}
			value := entry.Objective
			err := e.send(req.Conn, protocol.Message{
				Type:      protocol.MessageSynch,
				SessionID: req.Message.SessionID,
				Objective: &value,
			})
			if err != nil {
				e.logger.Debug().Err(err).Str("objective", name).Str("peer", req.Sender.String()).Msg("grasp.respond send failed")
			}
			_ = req.Conn.Close()
		}
	}
}

// Synchronize fetches the current value of obj: from the flood cache when
// no locator is given, otherwise from a discovered or given peer. A rapid
// discovery response short-circuits the exchange.
func (e *Engine) Synchronize(ctx context.Context, h Handle, obj protocol.Objective, loc *Locator, timeout time.Duration) (out protocol.Objective, err error) {
	start := time.Now()
	defer func() { e.observe("synchronize", start, err) }()
	if !e.agents.Known(h) {
		return protocol.Objective{}, NoASA
	}
	if !obj.Synch {
		return protocol.Objective{}, NotSynch
	}
	if loc == nil {
		if cached := e.floods.get(obj.Name, start); len(cached) > 0 {
			return cached[0].Objective, nil
		}
	}
	if err := e.gate.Check(security.OpSynchronize); err != nil {
		return protocol.Objective{}, NoSecurity
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if loc == nil {
		locs, value, err := e.discover(ctx, obj, timeout, DiscoverOptions{}, e.cfg.RapidMode)
		if err != nil {
			return protocol.Objective{}, err
		}
		if value != nil {
			value.LoopCount--
			return *value, nil
		}
		if len(locs) == 0 {
			return protocol.Objective{}, NotFloodDisc
		}
		loc = &locs[0]
	}
	if !loc.IsIP() {
		return protocol.Objective{}, InvalidLoc
	}

	s, err := e.sessions.New(e.SessionLocator(), 0)
	if err != nil {
		return protocol.Objective{}, fmt.Errorf("%w: %v", NoSession, err)
	}
	defer e.sessions.Deactivate(s.Key)
	c, err := e.dial(ctx, *loc, timeout)
	if err != nil {
		e.logger.Debug().Err(err).Str("peer", loc.String()).Msg("grasp.Synchronize dial failed")
		return protocol.Objective{}, SockErrSynRq
	}
	defer c.Close()
	fc := e.wrapConn(c)
	if err := e.send(fc, protocol.Message{Type: protocol.MessageReqSyn, SessionID: s.Key.ID, Objective: &obj}); err != nil {
		return protocol.Objective{}, SockErrSynRq
	}

	stop := context.AfterFunc(ctx, func() { _ = fc.SetReadDeadline(time.Now()) })
	defer stop()
	_ = fc.SetReadDeadline(time.Now().Add(timeout))
	raw, err := fc.ReadMessage()
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return protocol.Objective{}, NoListener
		case isFrameError(err):
			return protocol.Objective{}, CBORFail
		}
		return protocol.Objective{}, NoSynchReply
	}
	msg, err := protocol.Decode(raw, e.cfg.Strict)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformed) {
			return protocol.Objective{}, CBORFail
		}
		return protocol.Objective{}, NoValidSynch
	}
	observability.RecordMessage("in", msg.Type.String())
	if msg.Type != protocol.MessageSynch || msg.SessionID != s.Key.ID || msg.Objective.Name != obj.Name {
		return protocol.Objective{}, NoValidSynch
	}
	got := msg.Objective.Clone()
	got.Synch = true
	got.LoopCount--
	return got, nil
}
