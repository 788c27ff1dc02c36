package grasp

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/security"
	"github.com/danmuck/graspd/internal/testutil/memnet"
	"github.com/danmuck/graspd/internal/testutil/testlog"
)

type testNode struct {
	eng   *Engine
	net   *memnet.Node
	prov  *security.StaticProvider
	agent Handle
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WatchInterval = time.Hour
	cfg.AcceptTimeout = 2 * time.Second
	return cfg
}

func startNode(t *testing.T, hub *memnet.Hub, name string, cfg Config, secure bool, links ...string) *testNode {
	t.Helper()
	n := hub.AddNode(name, links...)
	return startOn(t, n, n.Provider(secure, true), cfg)
}

func startOn(t *testing.T, n *memnet.Node, prov *security.StaticProvider, cfg Config) *testNode {
	t.Helper()
	eng, err := New(cfg, n, prov)
	if err != nil {
		t.Fatalf("New(%s) error = %v", n.Name(), err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) error = %v", n.Name(), err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	waitFor(t, time.Second, n.Serving)
	h, err := eng.RegisterAgent(n.Name() + "-asa")
	if err != nil {
		t.Fatalf("RegisterAgent error = %v", err)
	}
	return &testNode{eng: eng, net: n, prov: prov, agent: h}
}

func (n *testNode) register(t *testing.T, obj protocol.Objective, opts RegisterOptions) {
	t.Helper()
	if err := n.eng.RegisterObjective(n.agent, obj, opts); err != nil {
		t.Fatalf("RegisterObjective(%s) error = %v", obj.Name, err)
	}
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", within)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func objective(t *testing.T, name string, neg, synch bool, value any) protocol.Objective {
	t.Helper()
	obj := protocol.NewObjective(name)
	obj.Neg, obj.Synch = neg, synch
	if value != nil {
		if err := obj.SetValue(value); err != nil {
			t.Fatalf("SetValue error = %v", err)
		}
	}
	return obj
}

func intValue(t *testing.T, obj protocol.Objective) int {
	t.Helper()
	var v int
	if err := obj.DecodeValue(&v); err != nil {
		t.Fatalf("DecodeValue(%s) error = %v", obj.Name, err)
	}
	return v
}

func TestFloodValueExpiresAfterTTL(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")

	p := objective(t, "EX1", false, true, 42)
	x.register(t, p, RegisterOptions{})
	src := AddressLocator(x.net.Global(), protocol.Port)
	if err := x.eng.Flood(context.Background(), x.agent, 400*time.Millisecond, TaggedObjective{Objective: p, Source: src}); err != nil {
		t.Fatalf("Flood error = %v", err)
	}

	var got []TaggedObjective
	waitFor(t, time.Second, func() bool {
		got, _ = y.eng.GetFlood(y.agent, p)
		return len(got) == 1
	})
	if v := intValue(t, got[0].Objective); v != 42 {
		t.Fatalf("flooded value = %d, want 42", v)
	}
	if got[0].Source == nil || got[0].Source.Addr != x.net.Global() || got[0].Source.Port != protocol.Port {
		t.Fatalf("flood source = %+v, want %s port %d", got[0].Source, x.net.Global(), protocol.Port)
	}

	time.Sleep(500 * time.Millisecond)
	got, err := y.eng.GetFlood(y.agent, p)
	if err != nil {
		t.Fatalf("GetFlood error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetFlood after ttl = %d entries, want 0", len(got))
	}
}

func TestExpireFloodHidesEntry(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")

	p := objective(t, "EX1b", false, true, "on")
	x.register(t, p, RegisterOptions{})
	if err := x.eng.Flood(context.Background(), x.agent, time.Minute, TaggedObjective{Objective: p}); err != nil {
		t.Fatalf("Flood error = %v", err)
	}
	var got []TaggedObjective
	waitFor(t, time.Second, func() bool {
		got, _ = y.eng.GetFlood(y.agent, p)
		return len(got) == 1
	})
	if err := y.eng.ExpireFlood(y.agent, got[0]); err != nil {
		t.Fatalf("ExpireFlood error = %v", err)
	}
	if got, _ := y.eng.GetFlood(y.agent, p); len(got) != 0 {
		t.Fatalf("GetFlood after expire = %d entries, want 0", len(got))
	}
}

func TestNegotiationCounterOfferAccepted(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	q := objective(t, "EX2", true, false, nil)
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})

	type result struct {
		req protocol.Objective
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		sh, req, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		if err != nil {
			done <- result{err: err}
			return
		}
		offer := req.Clone()
		if err := offer.SetValue(5); err != nil {
			done <- result{err: err}
			return
		}
		out, err := x.eng.NegotiateStep(ctx, x.agent, sh, offer, 2*time.Second)
		done <- result{req: req, out: out, err: err}
	}()
	waitFor(t, time.Second, func() bool {
		e, ok := x.eng.objectives.Lookup(q.Name)
		return ok && e.Listening > 0
	})

	locs, err := y.eng.Discover(ctx, y.agent, q, 300*time.Millisecond, DiscoverOptions{})
	if err != nil || len(locs) != 1 {
		t.Fatalf("Discover = %v, %v; want one locator", locs, err)
	}
	if locs[0].Addr != x.net.Global() {
		t.Fatalf("discovered %s, want %s", locs[0].Addr, x.net.Global())
	}

	req := q.Clone()
	req.LoopCount = 3
	if err := req.SetValue(10); err != nil {
		t.Fatalf("SetValue error = %v", err)
	}
	out, err := y.eng.RequestNegotiate(ctx, y.agent, req, &locs[0], 2*time.Second)
	if err != nil {
		t.Fatalf("RequestNegotiate error = %v", err)
	}
	if out.Session == nil {
		t.Fatalf("RequestNegotiate ended the session, want counter-offer")
	}
	if v := intValue(t, out.Objective); v != 5 {
		t.Fatalf("counter-offer = %d, want 5", v)
	}
	if out.Objective.LoopCount != 2 {
		t.Fatalf("counter-offer loop count = %d, want 2", out.Objective.LoopCount)
	}
	if err := y.eng.EndNegotiate(y.agent, *out.Session, true, ""); err != nil {
		t.Fatalf("EndNegotiate error = %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("listener side error = %v", r.err)
		}
		if v := intValue(t, r.req); v != 10 {
			t.Fatalf("received request value = %d, want 10", v)
		}
		if r.req.LoopCount != 3 {
			t.Fatalf("received request loop count = %d, want 3", r.req.LoopCount)
		}
		if r.out.Session != nil {
			t.Fatalf("listener outcome still has a session after accept")
		}
		if v := intValue(t, r.out.Objective); v != 5 {
			t.Fatalf("accepted value = %d, want 5", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener side did not finish")
	}
	if _, err := y.eng.NegotiateStep(ctx, y.agent, *out.Session, out.Objective, time.Second); !errors.Is(err, NoSession) {
		t.Fatalf("NegotiateStep after end error = %v, want NoSession", err)
	}
}

func TestNegotiationDecline(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	q := objective(t, "EX3", true, false, 100)
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})
	go func() {
		sh, _, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		if err == nil {
			_ = x.eng.EndNegotiate(x.agent, sh, false, "too high")
		}
	}()
	waitFor(t, time.Second, func() bool {
		e, ok := x.eng.objectives.Lookup(q.Name)
		return ok && e.Listening > 0
	})

	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	_, err := y.eng.RequestNegotiate(ctx, y.agent, q, peer, 2*time.Second)
	if !errors.Is(err, Declined) {
		t.Fatalf("RequestNegotiate error = %v, want Declined", err)
	}
	var d *DeclinedError
	if !errors.As(err, &d) || d.Reason != "too high" {
		t.Fatalf("decline reason = %v, want too high", err)
	}
}

func TestNegotiationLoopCountExhausts(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	q := objective(t, "EX4", true, false, 1)
	q.LoopCount = 1
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})

	listenerErr := make(chan error, 1)
	go func() {
		sh, req, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		if err != nil {
			listenerErr <- err
			return
		}
		_, err = x.eng.NegotiateStep(ctx, x.agent, sh, req, 2*time.Second)
		listenerErr <- err
	}()
	waitFor(t, time.Second, func() bool {
		e, ok := x.eng.objectives.Lookup(q.Name)
		return ok && e.Listening > 0
	})

	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	out, err := y.eng.RequestNegotiate(ctx, y.agent, q, peer, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestNegotiate error = %v", err)
	}
	if out.Session == nil || out.Objective.LoopCount != 0 {
		t.Fatalf("outcome = %+v, want open session with loop count 0", out)
	}
	if _, err := y.eng.NegotiateStep(ctx, y.agent, *out.Session, out.Objective, time.Second); !errors.Is(err, LoopExhausted) {
		t.Fatalf("NegotiateStep error = %v, want LoopExhausted", err)
	}
	if err := y.eng.EndNegotiate(y.agent, *out.Session, false, "exhausted"); err != nil {
		t.Fatalf("EndNegotiate error = %v", err)
	}
	select {
	case err := <-listenerErr:
		if !errors.Is(err, Declined) {
			t.Fatalf("listener error = %v, want Declined", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener side did not finish")
	}
}

func mustPort(t *testing.T, n *testNode, name string) int {
	t.Helper()
	e, ok := n.eng.objectives.Lookup(name)
	if !ok || e.Port == 0 {
		t.Fatalf("objective %s has no listener port", name)
	}
	return e.Port
}

func TestEmptyDiscoveryWaitsForTimeout(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")

	r := objective(t, "EX5", false, false, nil)
	start := time.Now()
	locs, err := y.eng.Discover(context.Background(), y.agent, r, 200*time.Millisecond, DiscoverOptions{})
	if err != nil {
		t.Fatalf("Discover error = %v", err)
	}
	if len(locs) != 0 {
		t.Fatalf("Discover = %v, want none", locs)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("Discover returned after %s, want at least 200ms", elapsed)
	}
}

func TestInsecureModeRefusesWithoutNetworkIO(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), false, "lan")
	ctx := context.Background()

	if x.eng.Mode() != security.ModeInsecure {
		t.Fatalf("mode = %s, want insecure", x.eng.Mode())
	}
	q := objective(t, "EX6", true, false, 1)
	s := objective(t, "EX6s", false, true, 1)
	x.register(t, q, RegisterOptions{})
	x.register(t, s, RegisterOptions{})
	peer := AddressLocator(x.net.Global(), protocol.Port)

	if _, err := x.eng.RequestNegotiate(ctx, x.agent, q, peer, time.Second); !errors.Is(err, NoSecurity) {
		t.Fatalf("RequestNegotiate error = %v, want NoSecurity", err)
	}
	if _, _, err := x.eng.ListenNegotiate(ctx, x.agent, q); !errors.Is(err, NoSecurity) {
		t.Fatalf("ListenNegotiate error = %v, want NoSecurity", err)
	}
	if _, err := x.eng.Synchronize(ctx, x.agent, s, peer, time.Second); !errors.Is(err, NoSecurity) {
		t.Fatalf("Synchronize error = %v, want NoSecurity", err)
	}
	if err := x.eng.ListenSynchronize(x.agent, s); !errors.Is(err, NoSecurity) {
		t.Fatalf("ListenSynchronize error = %v, want NoSecurity", err)
	}
	if err := x.eng.Flood(ctx, x.agent, time.Second, TaggedObjective{Objective: s}); !errors.Is(err, NoSecurity) {
		t.Fatalf("Flood error = %v, want NoSecurity", err)
	}
	if n := x.net.Multicasts(); n != 0 {
		t.Fatalf("multicasts = %d, want 0", n)
	}
	if _, err := x.eng.GetFlood(x.agent, s); err != nil {
		t.Fatalf("GetFlood error = %v, want nil in insecure mode", err)
	}
}

func TestSecurityRegainedAdmitsNegotiation(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), false, "lan")
	q := objective(t, "EX6b", true, false, nil)
	x.register(t, q, RegisterOptions{})

	x.prov.SetSecure(true)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, _, err := x.eng.ListenNegotiate(ctx, x.agent, q); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ListenNegotiate error = %v, want deadline exceeded", err)
	}
	if x.eng.Mode() != security.ModeSecure {
		t.Fatalf("mode = %s, want secure", x.eng.Mode())
	}
}

func TestDiscoveryCacheAvoidsMulticast(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	c := objective(t, "EX7", false, false, nil)
	x.register(t, c, RegisterOptions{Discoverable: true})

	first, err := y.eng.Discover(ctx, y.agent, c, 200*time.Millisecond, DiscoverOptions{})
	if err != nil || len(first) != 1 {
		t.Fatalf("Discover = %v, %v; want one locator", first, err)
	}
	before := y.net.Multicasts()
	second, err := y.eng.Discover(ctx, y.agent, c, 200*time.Millisecond, DiscoverOptions{})
	if err != nil {
		t.Fatalf("cached Discover error = %v", err)
	}
	if len(second) != 1 || !second[0].Same(first[0]) {
		t.Fatalf("cached Discover = %v, want %v", second, first)
	}
	if y.net.Multicasts() != before {
		t.Fatalf("cached Discover multicast")
	}

	if _, err := y.eng.Discover(ctx, y.agent, c, 200*time.Millisecond, DiscoverOptions{Flush: true}); err != nil {
		t.Fatalf("flushed Discover error = %v", err)
	}
	if y.net.Multicasts() == before {
		t.Fatalf("flushed Discover did not multicast")
	}
}

func TestDiscoveryMinTTLRefreshes(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	c := objective(t, "EX8", false, false, nil)
	x.register(t, c, RegisterOptions{Discoverable: true, TTL: 2 * time.Second})
	if locs, err := y.eng.Discover(ctx, y.agent, c, 200*time.Millisecond, DiscoverOptions{}); err != nil || len(locs) != 1 {
		t.Fatalf("Discover = %v, %v; want one locator", locs, err)
	}
	before := y.net.Multicasts()
	if _, err := y.eng.Discover(ctx, y.agent, c, 200*time.Millisecond, DiscoverOptions{MinTTL: time.Minute}); err != nil {
		t.Fatalf("Discover error = %v", err)
	}
	if y.net.Multicasts() == before {
		t.Fatalf("short-lived cache entry satisfied a one minute MinTTL")
	}
}

func TestSynchronizeFromResponder(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	s := objective(t, "EX9", false, true, 1)
	x.register(t, s, RegisterOptions{})
	if err := x.eng.ListenSynchronize(x.agent, s); err != nil {
		t.Fatalf("ListenSynchronize error = %v", err)
	}

	got, err := y.eng.Synchronize(ctx, y.agent, s, nil, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Synchronize error = %v", err)
	}
	if v := intValue(t, got); v != 1 {
		t.Fatalf("synchronized value = %d, want 1", v)
	}
	if got.LoopCount != protocol.DefaultLoopCount-1 {
		t.Fatalf("loop count = %d, want %d", got.LoopCount, protocol.DefaultLoopCount-1)
	}

	if err := s.SetValue(2); err != nil {
		t.Fatalf("SetValue error = %v", err)
	}
	if err := x.eng.ListenSynchronize(x.agent, s); err != nil {
		t.Fatalf("ListenSynchronize update error = %v", err)
	}
	peer := AddressLocator(x.net.Global(), mustPort(t, x, s.Name))
	got, err = y.eng.Synchronize(ctx, y.agent, s, peer, time.Second)
	if err != nil {
		t.Fatalf("Synchronize error = %v", err)
	}
	if v := intValue(t, got); v != 2 {
		t.Fatalf("synchronized value = %d, want 2", v)
	}

	if err := x.eng.StopSynchronize(x.agent, s); err != nil {
		t.Fatalf("StopSynchronize error = %v", err)
	}
	if _, err := y.eng.Synchronize(ctx, y.agent, s, peer, time.Second); !errors.Is(err, NoListener) {
		t.Fatalf("Synchronize after stop error = %v, want NoListener", err)
	}
}

func TestSynchronizePrefersFloodCache(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	s := objective(t, "EX10", false, true, 9)
	x.register(t, s, RegisterOptions{})
	if err := x.eng.Flood(ctx, x.agent, time.Minute, TaggedObjective{Objective: s}); err != nil {
		t.Fatalf("Flood error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		got, _ := y.eng.GetFlood(y.agent, s)
		return len(got) == 1
	})
	before := y.net.Multicasts()
	got, err := y.eng.Synchronize(ctx, y.agent, s, nil, time.Second)
	if err != nil {
		t.Fatalf("Synchronize error = %v", err)
	}
	if v := intValue(t, got); v != 9 {
		t.Fatalf("synchronized value = %d, want 9", v)
	}
	if y.net.Multicasts() != before {
		t.Fatalf("cached Synchronize multicast")
	}
}

func TestRapidModeShortCircuitsSynchronize(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.RapidMode = true
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", cfg, true, "lan")
	y := startNode(t, hub, "y", cfg, true, "lan")

	s := objective(t, "EX11", false, true, 7)
	x.register(t, s, RegisterOptions{Rapid: true})
	if err := x.eng.ListenSynchronize(x.agent, s); err != nil {
		t.Fatalf("ListenSynchronize error = %v", err)
	}
	start := time.Now()
	got, err := y.eng.Synchronize(context.Background(), y.agent, s, nil, 3*time.Second)
	if err != nil {
		t.Fatalf("Synchronize error = %v", err)
	}
	if v := intValue(t, got); v != 7 {
		t.Fatalf("rapid value = %d, want 7", v)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("rapid Synchronize took %s", elapsed)
	}
}

func TestRelayForwardsDiscoveryAcrossLinks(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	a := startNode(t, hub, "a", testConfig(), true, "l1")
	startNode(t, hub, "r", testConfig(), true, "l1", "l2")
	b := startNode(t, hub, "b", testConfig(), true, "l2")

	far := objective(t, "EX12", false, false, nil)
	b.register(t, far, RegisterOptions{Discoverable: true})

	locs, err := a.eng.Discover(context.Background(), a.agent, far, 1500*time.Millisecond, DiscoverOptions{})
	if err != nil {
		t.Fatalf("Discover error = %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("Discover = %v, want one locator", locs)
	}
	if locs[0].Addr != b.net.Global() || !locs[0].Diverted {
		t.Fatalf("locator = %+v, want diverted %s", locs[0], b.net.Global())
	}
}

func TestRelayForwardsFloodAcrossLinks(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	a := startNode(t, hub, "a", testConfig(), true, "l1")
	startNode(t, hub, "r", testConfig(), true, "l1", "l2")
	b := startNode(t, hub, "b", testConfig(), true, "l2")

	p := objective(t, "EX13", false, true, 3)
	p.LoopCount = 3
	a.register(t, p, RegisterOptions{})
	if err := a.eng.Flood(context.Background(), a.agent, time.Minute, TaggedObjective{Objective: p}); err != nil {
		t.Fatalf("Flood error = %v", err)
	}
	var got []TaggedObjective
	waitFor(t, 2*time.Second, func() bool {
		got, _ = b.eng.GetFlood(b.agent, p)
		return len(got) == 1
	})
	if got[0].Objective.LoopCount != 2 {
		t.Fatalf("relayed loop count = %d, want 2", got[0].Objective.LoopCount)
	}
}

func TestLinkLocalOnlyFloodIsSingleHop(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	cfg := testConfig()
	cfg.AllowLinkLocalOnly = true
	xn := hub.AddNode("x", "lan")
	x := startOn(t, xn, xn.Provider(false, false), cfg)
	y := startNode(t, hub, "y", testConfig(), true, "lan")

	if x.eng.Mode() != security.ModeLinkLocalOnly {
		t.Fatalf("mode = %s, want link-local-only", x.eng.Mode())
	}
	if x.eng.Address().IsValid() {
		t.Fatalf("link-local node reports address %s", x.eng.Address())
	}
	p := objective(t, "EX14", false, true, 1)
	x.register(t, p, RegisterOptions{})
	if err := x.eng.Flood(context.Background(), x.agent, time.Minute, TaggedObjective{Objective: p, Source: UnspecifiedLocator(protocol.Port)}); err != nil {
		t.Fatalf("Flood error = %v", err)
	}
	var got []TaggedObjective
	waitFor(t, time.Second, func() bool {
		got, _ = y.eng.GetFlood(y.agent, p)
		return len(got) == 1
	})
	if got[0].Objective.LoopCount != 1 {
		t.Fatalf("loop count = %d, want 1", got[0].Objective.LoopCount)
	}
	if got[0].Source == nil || got[0].Source.Addr != xn.LinkLocal(1) {
		t.Fatalf("source = %+v, want %s", got[0].Source, xn.LinkLocal(1))
	}
}

func TestFloodRejectsNameLocators(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	p := objective(t, "EX15", false, true, 1)
	x.register(t, p, RegisterOptions{})
	src := &Locator{Kind: protocol.OptionFQDNLocator, Name: "example.net", Protocol: protocol.ProtoTCP, Port: 80}
	if err := x.eng.Flood(context.Background(), x.agent, time.Second, TaggedObjective{Objective: p, Source: src}); !errors.Is(err, InvalidLoc) {
		t.Fatalf("Flood error = %v, want InvalidLoc", err)
	}
}

func TestRegistrationErrors(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	other, err := x.eng.RegisterAgent("other")
	if err != nil {
		t.Fatalf("RegisterAgent error = %v", err)
	}

	if _, err := x.eng.RegisterAgent("other"); !errors.Is(err, DupASA) {
		t.Fatalf("duplicate RegisterAgent error = %v, want DupASA", err)
	}
	if err := x.eng.RegisterObjective("nobody", objective(t, "EX16", false, false, nil), RegisterOptions{}); !errors.Is(err, NoASA) {
		t.Fatalf("RegisterObjective unknown agent error = %v, want NoASA", err)
	}
	both := objective(t, "EX16", true, true, nil)
	if err := x.eng.RegisterObjective(x.agent, both, RegisterOptions{}); !errors.Is(err, NotBoth) {
		t.Fatalf("RegisterObjective neg+synch error = %v, want NotBoth", err)
	}
	q := objective(t, "EX16", true, false, nil)
	x.register(t, q, RegisterOptions{})
	if err := x.eng.RegisterObjective(other, q, RegisterOptions{}); !errors.Is(err, ObjReg) {
		t.Fatalf("second RegisterObjective error = %v, want ObjReg", err)
	}
	bad := RegisterOptions{Locators: []protocol.Option{protocol.Accept()}}
	if err := x.eng.RegisterObjective(x.agent, objective(t, "EX17", false, false, nil), bad); !errors.Is(err, InvalidLoc) {
		t.Fatalf("RegisterObjective bad locator error = %v, want InvalidLoc", err)
	}
	if _, err := x.eng.RequestNegotiate(context.Background(), other, q, nil, time.Second); !errors.Is(err, NotYourObj) {
		t.Fatalf("RequestNegotiate by non-owner error = %v, want NotYourObj", err)
	}

	shared := objective(t, "EX18", false, false, nil)
	x.register(t, shared, RegisterOptions{Overlap: true})
	if err := x.eng.RegisterObjective(other, shared, RegisterOptions{Overlap: true}); err != nil {
		t.Fatalf("overlapping RegisterObjective error = %v", err)
	}
	if err := x.eng.DeregisterAgent(x.agent, "x-asa"); err != nil {
		t.Fatalf("DeregisterAgent error = %v", err)
	}
	if _, ok := x.eng.objectives.Lookup(q.Name); ok {
		t.Fatalf("objective %s survived its only owner", q.Name)
	}
	if _, ok := x.eng.objectives.Lookup(shared.Name); !ok {
		t.Fatalf("shared objective %s removed with one of two owners", shared.Name)
	}
}

func TestStatusReflectsRegistries(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	x.register(t, objective(t, "EX19", true, false, nil), RegisterOptions{})

	st := x.eng.Status()
	if st.Mode != "secure" || st.Agents != 1 || st.Objectives != 1 {
		t.Fatalf("Status = %+v", st)
	}
	if !x.eng.Ready() {
		t.Fatalf("Ready = false for a started engine")
	}
	table := x.eng.ObjectiveTable()
	if len(table) != 1 || table[0].Name != "EX19" || len(table[0].Owners) != 1 || table[0].Owners[0] != "x-asa" {
		t.Fatalf("ObjectiveTable = %+v", table)
	}
}

func TestCloseStopsEngine(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	q := objective(t, "EX20", true, false, nil)
	x.register(t, q, RegisterOptions{})

	errc := make(chan error, 1)
	go func() {
		_, _, err := x.eng.ListenNegotiate(context.Background(), x.agent, q)
		errc <- err
	}()
	waitFor(t, time.Second, func() bool {
		e, ok := x.eng.objectives.Lookup(q.Name)
		return ok && e.Listening > 0
	})
	if err := x.eng.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, NoSocket) {
			t.Fatalf("ListenNegotiate after close error = %v, want NoSocket", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ListenNegotiate did not return after Close")
	}
	if x.net.Serving() {
		t.Fatalf("network still serving after Close")
	}
	if err := x.eng.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start error = %v, want ErrStarted", err)
	}
}

func waitListening(t *testing.T, n *testNode, name string) {
	t.Helper()
	waitFor(t, time.Second, func() bool {
		e, ok := n.eng.objectives.Lookup(name)
		return ok && e.Listening > 0
	})
}

func TestRequestNegotiateRefusesSpentLoopCount(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	q := objective(t, "EX21", true, false, 1)
	y.register(t, q, RegisterOptions{})

	req := q.Clone()
	req.LoopCount = 0
	before := y.net.Multicasts()
	if _, err := y.eng.RequestNegotiate(context.Background(), y.agent, req, nil, time.Second); !errors.Is(err, LoopExhausted) {
		t.Fatalf("RequestNegotiate error = %v, want LoopExhausted", err)
	}
	peer := AddressLocator(y.net.Global(), protocol.Port)
	if _, err := y.eng.RequestNegotiate(context.Background(), y.agent, req, peer, time.Second); !errors.Is(err, LoopExhausted) {
		t.Fatalf("RequestNegotiate with peer error = %v, want LoopExhausted", err)
	}
	if y.net.Multicasts() != before {
		t.Fatalf("spent request reached the network")
	}
}

func TestListenerDropsSpentLoopCountRequest(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")

	q := objective(t, "EX22", true, false, 1)
	x.register(t, q, RegisterOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenerErr := make(chan error, 1)
	go func() {
		_, _, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		listenerErr <- err
	}()
	waitListening(t, x, q.Name)

	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	c, err := y.eng.dial(ctx, *peer, time.Second)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	fc := y.eng.wrapConn(c)
	defer fc.Close()
	req := q.Clone()
	req.LoopCount = 0
	if err := y.eng.send(fc, protocol.Message{Type: protocol.MessageReqNeg, SessionID: 77, Objective: &req}); err != nil {
		t.Fatalf("send error = %v", err)
	}
	_ = fc.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := fc.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Fatalf("read after spent request error = %v, want io.EOF", err)
	}

	cancel()
	select {
	case err := <-listenerErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("listener error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not return")
	}
}

func TestNegotiateWaitExtendsPeerTimeout(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	q := objective(t, "EX23", true, false, 1)
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})
	listenerErr := make(chan error, 1)
	go func() {
		sh, req, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		if err != nil {
			listenerErr <- err
			return
		}
		if err := x.eng.NegotiateWait(x.agent, sh, 2*time.Second); err != nil {
			listenerErr <- err
			return
		}
		time.Sleep(600 * time.Millisecond)
		offer := req.Clone()
		if err := offer.SetValue(9); err != nil {
			listenerErr <- err
			return
		}
		_, err = x.eng.NegotiateStep(ctx, x.agent, sh, offer, 2*time.Second)
		listenerErr <- err
	}()
	waitListening(t, x, q.Name)

	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	start := time.Now()
	out, err := y.eng.RequestNegotiate(ctx, y.agent, q, peer, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("RequestNegotiate error = %v, want counter-offer after wait", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("counter-offer arrived after %s, before the wait was needed", elapsed)
	}
	if out.Session == nil || intValue(t, out.Objective) != 9 {
		t.Fatalf("outcome = %+v, want counter-offer 9", out)
	}
	if err := y.eng.EndNegotiate(y.agent, *out.Session, true, ""); err != nil {
		t.Fatalf("EndNegotiate error = %v", err)
	}
	select {
	case err := <-listenerErr:
		if err != nil {
			t.Fatalf("listener error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener side did not finish")
	}
}

func TestPeerInvalidMessageIsIgnored(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	q := objective(t, "EX24", true, false, 1)
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})
	listenerErr := make(chan error, 1)
	go func() {
		sh, req, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		if err != nil {
			listenerErr <- err
			return
		}
		key, fc, err := x.eng.boundSession(sh)
		if err != nil {
			listenerErr <- err
			return
		}
		info, err := protocol.Marshal("odd offer")
		if err != nil {
			listenerErr <- err
			return
		}
		if err := x.eng.send(fc, protocol.Message{Type: protocol.MessageInvalid, SessionID: key.ID, Info: info}); err != nil {
			listenerErr <- err
			return
		}
		offer := req.Clone()
		if err := offer.SetValue(7); err != nil {
			listenerErr <- err
			return
		}
		_, err = x.eng.NegotiateStep(ctx, x.agent, sh, offer, 2*time.Second)
		listenerErr <- err
	}()
	waitListening(t, x, q.Name)

	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	out, err := y.eng.RequestNegotiate(ctx, y.agent, q, peer, 2*time.Second)
	if err != nil {
		t.Fatalf("RequestNegotiate error = %v", err)
	}
	if out.Session == nil || intValue(t, out.Objective) != 7 {
		t.Fatalf("outcome = %+v, want counter-offer 7 after the invalid message", out)
	}
	if err := y.eng.EndNegotiate(y.agent, *out.Session, true, ""); err != nil {
		t.Fatalf("EndNegotiate error = %v", err)
	}
	select {
	case err := <-listenerErr:
		if err != nil {
			t.Fatalf("listener error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener side did not finish")
	}
}

func TestSendInvalidReleasesSession(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")
	ctx := context.Background()

	q := objective(t, "EX25", true, false, 1)
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})
	listenerErr := make(chan error, 1)
	go func() {
		sh, req, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		if err != nil {
			listenerErr <- err
			return
		}
		if err := x.eng.SendInvalid(x.agent, sh, "bad value"); err != nil {
			listenerErr <- err
			return
		}
		_, err = x.eng.NegotiateStep(ctx, x.agent, sh, req, time.Second)
		listenerErr <- err
	}()
	waitListening(t, x, q.Name)

	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	if _, err := y.eng.RequestNegotiate(ctx, y.agent, q, peer, 2*time.Second); !errors.Is(err, NoPeer) {
		t.Fatalf("RequestNegotiate error = %v, want NoPeer", err)
	}
	select {
	case err := <-listenerErr:
		if !errors.Is(err, NoSession) {
			t.Fatalf("NegotiateStep after SendInvalid error = %v, want NoSession", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener side did not finish")
	}
}

func TestStopNegotiateRefusesRequests(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", testConfig(), true, "lan")
	y := startNode(t, hub, "y", testConfig(), true, "lan")

	q := objective(t, "EX26", true, false, 1)
	x.register(t, q, RegisterOptions{})
	y.register(t, q, RegisterOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listenerErr := make(chan error, 1)
	go func() {
		_, _, err := x.eng.ListenNegotiate(ctx, x.agent, q)
		listenerErr <- err
	}()
	waitListening(t, x, q.Name)

	if err := x.eng.StopNegotiate(x.agent, q); err != nil {
		t.Fatalf("StopNegotiate error = %v", err)
	}
	if e, _ := x.eng.objectives.Lookup(q.Name); e.Listening != 0 {
		t.Fatalf("listening = %d after stop, want 0", e.Listening)
	}
	peer := AddressLocator(x.net.Global(), mustPort(t, x, q.Name))
	if _, err := y.eng.RequestNegotiate(context.Background(), y.agent, q, peer, time.Second); !errors.Is(err, NoPeer) {
		t.Fatalf("RequestNegotiate after stop error = %v, want NoPeer", err)
	}
	if err := y.eng.StopNegotiate(y.agent, objective(t, "EX26b", true, false, nil)); !errors.Is(err, NotYourObj) {
		t.Fatalf("StopNegotiate without ownership error = %v, want NotYourObj", err)
	}

	cancel()
	select {
	case err := <-listenerErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("listener error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not return")
	}
}

func TestCipherModeSealsTraffic(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.CipherPassword = "domain-secret"
	cfg.CipherSalt = "graspd"
	hub := memnet.NewHub()
	x := startNode(t, hub, "x", cfg, false, "lan")
	y := startNode(t, hub, "y", cfg, false, "lan")
	stranger := cfg
	stranger.CipherPassword = "other-secret"
	z := startNode(t, hub, "z", stranger, false, "lan")
	ctx := context.Background()

	if x.eng.Mode() != security.ModeCipher || x.eng.Status().Mode != "cipher" {
		t.Fatalf("mode = %s, want cipher", x.eng.Mode())
	}
	s := objective(t, "EX27", false, true, 3)
	x.register(t, s, RegisterOptions{})
	if err := x.eng.ListenSynchronize(x.agent, s); err != nil {
		t.Fatalf("ListenSynchronize error = %v", err)
	}

	got, err := y.eng.Synchronize(ctx, y.agent, s, nil, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Synchronize error = %v", err)
	}
	if v := intValue(t, got); v != 3 {
		t.Fatalf("synchronized value = %d, want 3", v)
	}

	if _, err := z.eng.Synchronize(ctx, z.agent, s, nil, 300*time.Millisecond); err == nil {
		t.Fatalf("Synchronize with a different key succeeded")
	}
	peer := AddressLocator(x.net.Global(), mustPort(t, x, s.Name))
	if _, err := z.eng.Synchronize(ctx, z.agent, s, peer, time.Second); err == nil {
		t.Fatalf("direct Synchronize with a different key succeeded")
	}
}
