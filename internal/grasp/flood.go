package grasp

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/security"
)

// Flood multicasts tagged values on every interface. A first source locator
// of :: restricts the flood to one hop and is replaced per interface by the
// interface's link-local address. A zero ttl never expires.
func (e *Engine) Flood(ctx context.Context, h Handle, ttl time.Duration, tagged ...TaggedObjective) (err error) {
	start := time.Now()
	defer func() { e.observe("flood", start, err) }()
	if len(tagged) == 0 {
		return fmt.Errorf("%w: nothing to flood", Unspec)
	}
	for _, t := range tagged {
		if err := e.checkCaller(h, t.Objective, true); err != nil {
			return err
		}
		if t.Source != nil && (t.Source.Kind == protocol.OptionFQDNLocator || t.Source.Kind == protocol.OptionURILocator) {
			return InvalidLoc
		}
	}
	if err := e.gate.Check(security.OpFlood); err != nil {
		return NoSecurity
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	first := tagged[0].Source
	singleHop := e.gate.SingleHop() || (first != nil && first.Addr.IsUnspecified())

	s, err := e.sessions.New(e.SessionLocator(), 0)
	if err != nil {
		return fmt.Errorf("%w: %v", NoSession, err)
	}
	defer e.sessions.Deactivate(s.Key)
	initiator := addrBytes(s.Key.Source)

	err = e.multicastEach(0, func(ifi mcast.Interface) protocol.Message {
		entries := make([]protocol.FloodEntry, len(tagged))
		for i, t := range tagged {
			entries[i].Objective = t.Objective.Clone()
			if singleHop {
				entries[i].Objective.LoopCount = 1
			}
			if t.Source == nil || !t.Source.Addr.IsValid() {
				continue
			}
			addr := t.Source.Addr
			if addr.IsUnspecified() {
				addr = ifi.LinkLocal
			}
			opt := protocol.IPLocator(addr, t.Source.Protocol, t.Source.Port)
			entries[i].Locator = &opt
		}
		return protocol.Message{
			Type:      protocol.MessageFlood,
			SessionID: s.Key.ID,
			Initiator: initiator,
			TTL:       durationMS(ttl),
			Flood:     entries,
		}
	})
	if err != nil {
		return err
	}
	e.logger.Debug().
		Str("objective", tagged[0].Objective.Name).
		Int("entries", len(tagged)).
		Bool("single_hop", singleHop).
		Msg("grasp.Flood")
	return nil
}

// GetFlood returns the unexpired flooded values of obj. Any registered
// agent may read them.
func (e *Engine) GetFlood(h Handle, obj protocol.Objective) ([]TaggedObjective, error) {
	if !e.agents.Known(h) {
		return nil, NoASA
	}
	if !obj.Synch {
		return nil, NotSynch
	}
	if err := e.gate.Check(security.OpGetFlood); err != nil {
		return nil, NoSecurity
	}
	return e.floods.get(obj.Name, time.Now()), nil
}

// ExpireFlood marks the cached entry matching t as expired.
func (e *Engine) ExpireFlood(h Handle, t TaggedObjective) error {
	if !e.agents.Known(h) {
		return NoASA
	}
	e.floods.expire(t, time.Now())
	return nil
}

// ingestFlood caches the synchronizable entries of a received flood.
func (e *Engine) ingestFlood(in inbound) {
	now := time.Now()
	var expire time.Time
	if in.msg.TTL > 0 {
		expire = now.Add(msDuration(in.msg.TTL))
	}
	for _, fe := range in.msg.Flood {
		if !fe.Objective.Synch {
			continue
		}
		entry := &floodEntry{obj: fe.Objective.Clone(), expire: expire}
		if fe.Locator != nil {
			loc := locatorFromOption(*fe.Locator, in.ifi, false, expire)
			entry.source = &loc
		}
		e.floods.ingest(entry, now)
	}
	observability.SetCacheEntries("flood", e.floods.len())
}
