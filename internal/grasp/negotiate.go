package grasp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/frame"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/security"
)

// RequestNegotiate opens a negotiation with peer, discovering one first when
// peer is nil. The outcome carries the peer's counter-offer and the session
// to continue with, or a nil session when the peer accepted outright. A
// request without loop count left fails before any network traffic.
func (e *Engine) RequestNegotiate(ctx context.Context, h Handle, obj protocol.Objective, peer *Locator, timeout time.Duration) (out Outcome, err error) {
	start := time.Now()
	defer func() { e.observe("req_negotiate", start, err) }()
	if err := e.checkCaller(h, obj, false); err != nil {
		return Outcome{}, err
	}
	if !obj.Neg && !obj.Dry {
		return Outcome{}, NotNeg
	}
	if obj.LoopCount < 1 {
		return Outcome{}, LoopExhausted
	}
	if err := e.gate.Check(security.OpNegotiate); err != nil {
		return Outcome{}, NoSecurity
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if peer == nil {
		locs, _, err := e.discover(ctx, obj, timeout, DiscoverOptions{}, false)
		if err != nil {
			return Outcome{}, err
		}
		if len(locs) == 0 {
			return Outcome{}, NoDiscReply
		}
		peer = &locs[0]
	}
	if !peer.IsIP() {
		return Outcome{}, InvalidLoc
	}

	s, err := e.sessions.New(e.SessionLocator(), 0)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", NoSession, err)
	}
	c, err := e.dial(ctx, *peer, timeout)
	if err != nil {
		e.sessions.Deactivate(s.Key)
		e.logger.Debug().Err(err).Str("peer", peer.String()).Msg("grasp.RequestNegotiate dial failed")
		return Outcome{}, SockErrNegRq
	}
	fc := e.wrapConn(c)
	if err := e.sessions.Bind(s.Key, fc); err != nil {
		_ = c.Close()
		e.sessions.Deactivate(s.Key)
		return Outcome{}, NoSession
	}
	if err := e.send(fc, protocol.Message{Type: protocol.MessageReqNeg, SessionID: s.Key.ID, Objective: &obj}); err != nil {
		e.terminate(s.Key)
		return Outcome{}, SockErrNegRq
	}
	return e.negLoop(ctx, s.Key, fc, obj, timeout)
}

// NegotiateStep sends the next offer and waits for the peer's answer. The
// offer is refused locally once its loop count is spent.
func (e *Engine) NegotiateStep(ctx context.Context, h Handle, sh SessionHandle, obj protocol.Objective, timeout time.Duration) (out Outcome, err error) {
	start := time.Now()
	defer func() { e.observe("negotiate_step", start, err) }()
	if err := e.checkCaller(h, obj, false); err != nil {
		return Outcome{}, err
	}
	if !obj.Neg {
		return Outcome{}, NotNeg
	}
	if err := e.gate.Check(security.OpNegotiate); err != nil {
		return Outcome{}, NoSecurity
	}
	key, fc, err := e.boundSession(sh)
	if err != nil {
		return Outcome{}, err
	}
	if obj.LoopCount < 1 {
		return Outcome{}, LoopExhausted
	}
	if err := e.send(fc, protocol.Message{Type: protocol.MessageNegotiate, SessionID: key.ID, Objective: &obj}); err != nil {
		e.terminate(key)
		return Outcome{}, SockErrNegStep
	}
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	return e.negLoop(ctx, key, fc, obj, timeout)
}

// NegotiateWait asks the peer to extend its timeout by wait.
func (e *Engine) NegotiateWait(h Handle, sh SessionHandle, wait time.Duration) error {
	if !e.agents.Known(h) {
		return NoASA
	}
	if err := e.gate.Check(security.OpNegotiate); err != nil {
		return NoSecurity
	}
	key, fc, err := e.boundSession(sh)
	if err != nil {
		return err
	}
	if wait <= 0 {
		wait = e.cfg.DefaultTimeout
	}
	if err := e.send(fc, protocol.Message{Type: protocol.MessageWait, SessionID: key.ID, TTL: durationMS(wait)}); err != nil {
		e.terminate(key)
		return SockErrWait
	}
	return nil
}

// EndNegotiate sends the final accept or decline and releases the session.
func (e *Engine) EndNegotiate(h Handle, sh SessionHandle, accept bool, reason string) error {
	if !e.agents.Known(h) {
		return NoASA
	}
	if err := e.gate.Check(security.OpNegotiate); err != nil {
		return NoSecurity
	}
	key, fc, err := e.boundSession(sh)
	if err != nil {
		return err
	}
	opt := protocol.Accept()
	if !accept {
		opt = protocol.Decline(reason)
	}
	err = e.send(fc, protocol.Message{Type: protocol.MessageEnd, SessionID: key.ID, Options: []protocol.Option{opt}})
	e.terminate(key)
	if err != nil {
		return SockErrEnd
	}
	return nil
}

// SendInvalid reports a protocol problem to the peer and releases the
// session. info is any CBOR-encodable diagnostic.
func (e *Engine) SendInvalid(h Handle, sh SessionHandle, info any) error {
	if !e.agents.Known(h) {
		return NoASA
	}
	if err := e.gate.Check(security.OpNegotiate); err != nil {
		return NoSecurity
	}
	key, fc, err := e.boundSession(sh)
	if err != nil {
		return err
	}
	if info == nil {
		info = "No information"
	}
	raw, err := protocol.Marshal(info)
	if err != nil {
		return fmt.Errorf("%w: %v", Unspec, err)
	}
	err = e.send(fc, protocol.Message{Type: protocol.MessageInvalid, SessionID: key.ID, Info: raw})
	e.terminate(key)
	if err != nil {
		return SockErrEnd
	}
	return nil
}

// ListenNegotiate blocks until a peer requests negotiation of obj and
// returns the new session with the requested objective.
func (e *Engine) ListenNegotiate(ctx context.Context, h Handle, obj protocol.Objective) (SessionHandle, protocol.Objective, error) {
	if err := e.checkCaller(h, obj, false); err != nil {
		return SessionHandle{}, protocol.Objective{}, err
	}
	if !obj.Neg {
		return SessionHandle{}, protocol.Objective{}, NotNeg
	}
	if err := e.gate.Check(security.OpListen); err != nil {
		return SessionHandle{}, protocol.Objective{}, NoSecurity
	}
	queue, ok := e.objectives.Listen(obj.Name)
	if !ok {
		return SessionHandle{}, protocol.Objective{}, NotObj
	}
	defer e.objectives.Unlisten(obj.Name)

	select {
	case <-ctx.Done():
		return SessionHandle{}, protocol.Objective{}, ctx.Err()
	case <-e.ctx.Done():
		return SessionHandle{}, protocol.Objective{}, NoSocket
	case req := <-queue:
		key := session.Key{ID: req.Message.SessionID, Source: req.Sender.Addr()}
		if _, err := e.sessions.Insert(key, 0, !e.cfg.TestMode); err != nil {
			_ = req.Conn.Close()
			e.logger.Warn().Err(err).Str("session", key.String()).Msg("grasp.ListenNegotiate session clash")
			return SessionHandle{}, protocol.Objective{}, registryCode(err)
		}
		if err := e.sessions.Bind(key, req.Conn); err != nil {
			_ = req.Conn.Close()
			e.sessions.Deactivate(key)
			return SessionHandle{}, protocol.Objective{}, NoSession
		}
		e.logger.Debug().Str("objective", obj.Name).Str("session", key.String()).Msg("grasp.ListenNegotiate request")
		return SessionHandle(key), req.Message.Objective.Clone(), nil
	}
}

// StopNegotiate stops accepting new requests for obj.
func (e *Engine) StopNegotiate(h Handle, obj protocol.Objective) error {
	if err := e.checkCaller(h, obj, false); err != nil {
		return err
	}
	e.objectives.StopListening(obj.Name)
	return nil
}

func (e *Engine) boundSession(sh SessionHandle) (session.Key, *frame.Conn, error) {
	key := session.Key(sh)
	if _, ok := e.sessions.Get(key); !ok {
		return key, nil, NoSession
	}
	fc, err := e.sessions.Conn(key)
	if err != nil {
		return key, nil, NoSession
	}
	if fc == nil {
		return key, nil, NoSocket
	}
	return key, fc, nil
}

// negLoop waits for the peer's next negotiation message. WAIT re-arms the
// deadline and INVALID is logged; other stray messages are ignored.
func (e *Engine) negLoop(ctx context.Context, key session.Key, fc *frame.Conn, obj protocol.Objective, timeout time.Duration) (Outcome, error) {
	stop := context.AfterFunc(ctx, func() { _ = fc.SetReadDeadline(time.Now()) })
	defer stop()
	deadline := time.Now().Add(timeout)
	for {
		_ = fc.SetReadDeadline(deadline)
		raw, err := fc.ReadMessage()
		if err != nil {
			e.terminate(key)
			switch {
			case errors.Is(err, io.EOF):
				return Outcome{}, NoPeer
			case isFrameError(err):
				return Outcome{}, CBORFail
			}
			return Outcome{}, NoNegReply
		}
		msg, err := protocol.Decode(raw, e.cfg.Strict)
		if err != nil {
			e.terminate(key)
			if errors.Is(err, protocol.ErrMalformed) {
				return Outcome{}, CBORFail
			}
			return Outcome{}, NoValidStep
		}
		observability.RecordMessage("in", msg.Type.String())
		if msg.Type == protocol.MessageInvalid {
			e.logger.Warn().Str("session", key.String()).Bytes("info", msg.Info).Msg("grasp.negotiate peer reported invalid message")
			continue
		}
		if msg.SessionID != key.ID {
			e.logger.Debug().Str("session", key.String()).Uint32("got", msg.SessionID).Msg("grasp.negotiate message for other session")
			continue
		}
		switch msg.Type {
		case protocol.MessageNegotiate:
			got := msg.Objective.Clone()
			if got.Name != obj.Name || !got.Neg {
				e.terminate(key)
				return Outcome{}, InvalidNeg
			}
			if got.LoopCount <= 0 {
				e.terminate(key)
				return Outcome{}, LoopExhausted
			}
			got.LoopCount--
			sh := SessionHandle(key)
			return Outcome{Session: &sh, Objective: got}, nil
		case protocol.MessageWait:
			deadline = time.Now().Add(msDuration(msg.TTL))
		case protocol.MessageEnd:
			e.terminate(key)
			switch opt := msg.Options[0]; opt.Type {
			case protocol.OptionAccept:
				return Outcome{Objective: obj.Clone()}, nil
			case protocol.OptionDecline:
				return Outcome{}, &DeclinedError{Reason: opt.Reason}
			}
			return Outcome{}, InvalidEnd
		default:
			e.logger.Debug().Str("session", key.String()).Str("type", msg.Type.String()).Msg("grasp.negotiate ignored message")
		}
	}
}

func isFrameError(err error) bool {
	return errors.Is(err, frame.ErrMalformed) ||
		errors.Is(err, frame.ErrTooLarge) ||
		errors.Is(err, frame.ErrNotSealed) ||
		errors.Is(err, frame.ErrShortCiphertext) ||
		errors.Is(err, frame.ErrBadPadding)
}

// terminate releases the session and closes its connection.
func (e *Engine) terminate(key session.Key) {
	if c := e.sessions.Deactivate(key); c != nil {
		_ = c.Close()
	}
}

func (e *Engine) send(fc *frame.Conn, m protocol.Message) error {
	b, err := e.encode(m)
	if err != nil {
		return err
	}
	_ = fc.SetWriteDeadline(time.Now().Add(e.cfg.AcceptTimeout))
	return fc.WriteMessage(b)
}

// dial connects to an IP locator; link-local locators go out on the
// interface they were learned on.
func (e *Engine) dial(ctx context.Context, loc Locator, timeout time.Duration) (net.Conn, error) {
	ifi := 0
	if loc.Addr.IsLinkLocalUnicast() {
		ifi = loc.Ifi
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.network.Dial(dctx, loc.AddrPort(), ifi)
}
