package grasp

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/testutil/testlog"
)

func TestFloodCacheEvictsOldest(t *testing.T) {
	testlog.Start(t)
	c := newFloodCache(2)
	now := time.Now()
	for i := 0; i < 3; i++ {
		obj := protocol.NewObjective(fmt.Sprintf("F%d", i))
		obj.Synch = true
		c.ingest(&floodEntry{obj: obj, expire: now.Add(time.Minute)}, now)
	}
	if n := c.len(); n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}
	if got := c.get("F0", now); len(got) != 0 {
		t.Fatalf("oldest entry survived eviction: %+v", got)
	}
	if got := c.get("F2", now); len(got) != 1 {
		t.Fatalf("newest entry missing")
	}
}

func TestFloodCacheReplacesSameSource(t *testing.T) {
	testlog.Start(t)
	c := newFloodCache(10)
	now := time.Now()
	src := AddressLocator(netip.MustParseAddr("fd00::1"), 7017)
	for _, v := range []int{1, 2} {
		obj := protocol.NewObjective("F")
		obj.Synch = true
		if err := obj.SetValue(v); err != nil {
			t.Fatalf("SetValue error = %v", err)
		}
		loc := *src
		c.ingest(&floodEntry{obj: obj, source: &loc, expire: now.Add(time.Minute)}, now)
	}
	other := AddressLocator(netip.MustParseAddr("fd00::2"), 7017)
	obj := protocol.NewObjective("F")
	obj.Synch = true
	c.ingest(&floodEntry{obj: obj, source: other}, now)

	got := c.get("F", now)
	if len(got) != 2 {
		t.Fatalf("get = %d entries, want 2", len(got))
	}
	var v int
	if err := got[0].Objective.DecodeValue(&v); err != nil || v != 2 {
		t.Fatalf("first entry value = %d, %v; want 2", v, err)
	}
	if !got[1].Source.Expire.IsZero() {
		t.Fatalf("zero ttl entry has expiry %s", got[1].Source.Expire)
	}
}

func TestFloodCacheDropsExpiredOnIngest(t *testing.T) {
	testlog.Start(t)
	c := newFloodCache(10)
	now := time.Now()
	stale := protocol.NewObjective("old")
	stale.Synch = true
	c.ingest(&floodEntry{obj: stale, expire: now.Add(-time.Second)}, now.Add(-2*time.Second))
	fresh := protocol.NewObjective("new")
	fresh.Synch = true
	c.ingest(&floodEntry{obj: fresh, expire: now.Add(time.Minute)}, now)
	if n := c.len(); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestFloodCacheExpire(t *testing.T) {
	testlog.Start(t)
	c := newFloodCache(10)
	now := time.Now()
	obj := protocol.NewObjective("E")
	obj.Synch = true
	forever := protocol.NewObjective("forever")
	forever.Synch = true
	c.ingest(&floodEntry{obj: obj, expire: now.Add(time.Minute)}, now)
	c.ingest(&floodEntry{obj: forever}, now)

	changed := obj.Clone()
	changed.LoopCount = 1
	if c.expire(TaggedObjective{Objective: changed}, now) {
		t.Fatalf("expire matched a different value")
	}
	if !c.expire(TaggedObjective{Objective: obj}, now) {
		t.Fatalf("expire did not match")
	}
	if got := c.get("E", now); len(got) != 0 {
		t.Fatalf("expired entry still returned")
	}
	if c.expire(TaggedObjective{Objective: forever}, now) {
		t.Fatalf("entry without ttl was expired")
	}
}

func TestDiscoveryCacheLookup(t *testing.T) {
	testlog.Start(t)
	c := newDiscoveryCache(10)
	now := time.Now()
	a := *AddressLocator(netip.MustParseAddr("fd00::1"), 1000)
	a.Expire = now.Add(time.Second)
	b := *AddressLocator(netip.MustParseAddr("fd00::2"), 1000)
	b.Expire = now.Add(time.Hour)
	c.add("D", a)
	c.add("D", b)

	dup := a
	dup.Expire = now.Add(time.Hour)
	c.add("D", dup)
	locs, ok := c.lookup("D", now, 0)
	if !ok || len(locs) != 2 {
		t.Fatalf("lookup = %v, %v; want 2 locators", locs, ok)
	}
	if _, ok := c.lookup("D", now, 2*time.Hour); ok {
		t.Fatalf("lookup satisfied a MinTTL longer than every locator")
	}
	if _, ok := c.lookup("D", now.Add(2*time.Hour), 0); ok {
		t.Fatalf("lookup returned expired locators")
	}
	if _, ok := c.lookup("missing", now, 0); ok {
		t.Fatalf("lookup hit an unknown objective")
	}
}

func TestDiscoveryCacheDivertSkipsLinkLocal(t *testing.T) {
	testlog.Start(t)
	c := newDiscoveryCache(10)
	now := time.Now()
	ll := *AddressLocator(netip.MustParseAddr("fe80::1"), 1000)
	global := *AddressLocator(netip.MustParseAddr("fd00::1"), 1000)
	global.Expire = now.Add(30 * time.Second)
	fqdn := Locator{Kind: protocol.OptionFQDNLocator, Name: "asa.example", Protocol: protocol.ProtoTCP, Port: 80}
	for _, l := range []Locator{ll, global, fqdn} {
		c.add("D", l)
	}
	opts, ttl := c.divert("D", now, time.Hour)
	if len(opts) != 2 {
		t.Fatalf("divert = %d options, want 2", len(opts))
	}
	if opts[0].Addr != global.Addr || opts[1].Name != "asa.example" {
		t.Fatalf("divert = %+v", opts)
	}
	if ttl != 30*time.Second {
		t.Fatalf("divert ttl = %s, want 30s", ttl)
	}
}

func TestAbsorbResponseFollowsDiverts(t *testing.T) {
	testlog.Start(t)
	e := &Engine{discovery: newDiscoveryCache(10)}
	direct := protocol.IPLocator(netip.MustParseAddr("fd00::1"), protocol.ProtoTCP, 1000)
	nested := protocol.IPLocator(netip.MustParseAddr("fd00::2"), protocol.ProtoTCP, 2000)
	msg := protocol.Message{
		Type: protocol.MessageResponse,
		TTL:  60000,
		Options: []protocol.Option{
			direct,
			protocol.Divert(protocol.Divert(nested)),
		},
	}
	e.absorbResponse("D", session.Response{Message: msg, Ifi: 3})
	locs, ok := e.discovery.lookup("D", time.Now(), 0)
	if !ok || len(locs) != 2 {
		t.Fatalf("lookup = %v, %v; want 2 locators", locs, ok)
	}
	if locs[0].Diverted || !locs[1].Diverted {
		t.Fatalf("diverted flags = %v, %v; want false, true", locs[0].Diverted, locs[1].Diverted)
	}
	if locs[1].Ifi != 3 || locs[1].Port != 2000 {
		t.Fatalf("nested locator = %+v", locs[1])
	}
}

func TestCodeTextAndMapping(t *testing.T) {
	testlog.Start(t)
	if OK.Error() != "OK" || NoSecurity.Error() != "No security" {
		t.Fatalf("code text = %q, %q", OK.Error(), NoSecurity.Error())
	}
	if int(InvalidLoc) != 38 {
		t.Fatalf("InvalidLoc = %d, want 38", int(InvalidLoc))
	}
	if CodeOf(nil) != OK {
		t.Fatalf("CodeOf(nil) = %v", CodeOf(nil))
	}
	wrapped := fmt.Errorf("%w: detail", NoSession)
	if CodeOf(wrapped) != NoSession {
		t.Fatalf("CodeOf(wrapped) = %v, want NoSession", CodeOf(wrapped))
	}
	d := &DeclinedError{Reason: "busy"}
	if CodeOf(d) != Declined || !errors.Is(d, Declined) {
		t.Fatalf("declined error does not map to Declined")
	}
	if d.Error() != "Declined: busy" {
		t.Fatalf("declined text = %q", d.Error())
	}
	if CodeOf(errors.New("other")) != Unspec {
		t.Fatalf("foreign error not Unspec")
	}
	if !errors.Is(registryCode(session.ErrClash), IDClash) {
		t.Fatalf("session clash does not map to IDClash")
	}
	if !errors.Is(registryCode(protocol.ErrDryNotNeg), NotDry) {
		t.Fatalf("dry without neg does not map to NotDry")
	}
}

func TestHugeWireTTLSaturates(t *testing.T) {
	testlog.Start(t)
	if d := msDuration(math.MaxUint64); d <= 0 || d != msDuration(1<<62) {
		t.Fatalf("msDuration saturation = %s, %s", d, msDuration(1<<62))
	}
	if d := msDuration(1500); d != 1500*time.Millisecond {
		t.Fatalf("msDuration(1500) = %s", d)
	}

	obj := protocol.NewObjective("FAR")
	obj.Synch = true
	initiator := netip.MustParseAddr("fd00::9").As16()
	raw, err := protocol.Encode(protocol.Message{
		Type:      protocol.MessageFlood,
		SessionID: 9,
		Initiator: initiator[:],
		TTL:       1 << 62,
		Flood:     []protocol.FloodEntry{{Objective: obj}},
	})
	if err != nil {
		t.Fatalf("Encode error = %v", err)
	}
	msg, err := protocol.Decode(raw, true)
	if err != nil {
		t.Fatalf("Decode error = %v", err)
	}

	e := &Engine{floods: newFloodCache(10), discovery: newDiscoveryCache(10)}
	e.ingestFlood(inbound{msg: msg, ifi: 1})
	later := time.Now().Add(24 * time.Hour)
	if got := e.floods.get("FAR", later); len(got) != 1 {
		t.Fatalf("flood with huge ttl = %d entries a day later, want 1", len(got))
	}

	resp := protocol.Message{
		Type:    protocol.MessageResponse,
		TTL:     math.MaxUint64,
		Options: []protocol.Option{protocol.IPLocator(netip.MustParseAddr("fd00::9"), protocol.ProtoTCP, 1000)},
	}
	e.absorbResponse("FAR", session.Response{Message: resp, Ifi: 1})
	if locs, ok := e.discovery.lookup("FAR", later, time.Hour); !ok || len(locs) != 1 {
		t.Fatalf("locator with huge ttl = %v, %v a day later", locs, ok)
	}
}
