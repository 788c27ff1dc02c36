package registry

import (
	"errors"
	"io"
	"net/netip"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/frame"
)

var (
	ErrObjFull    = errors.New("registry: objective registry full")
	ErrObjReg     = errors.New("registry: objective already registered")
	ErrNotObj     = errors.New("registry: objective not registered")
	ErrNotYourObj = errors.New("registry: objective owned by another agent")
)

// Options carries registration parameters beyond the objective itself.
type Options struct {
	// TTL is the lifetime advertised in discovery responses.
	TTL time.Duration
	// Discoverable makes the objective discoverable before any listen call.
	Discoverable bool
	// Overlap permits other agents to register the same name with Overlap.
	Overlap bool
	// Local forces link-local addresses in discovery responses.
	Local bool
	// Rapid appends the current value to discovery responses.
	Rapid bool
	// Locators replace the engine's own address and listener port in
	// discovery responses.
	Locators []protocol.Option
}

// Request is one inbound negotiation or synchronization request waiting for
// a listening agent.
type Request struct {
	Conn    *frame.Conn
	Sender  netip.AddrPort
	Message protocol.Message
}

// Entry is one registered objective.
type Entry struct {
	Objective    protocol.Objective
	Owners       mapset.Set[Handle]
	Overlap      bool
	Port         int
	Discoverable bool
	Local        bool
	Rapid        bool
	TTL          time.Duration
	Locators     []protocol.Option
	Listening    int
	Queue        chan Request
	Responding   bool

	listener io.Closer
	quit     chan struct{}
}

func (e *Entry) snapshot() Entry {
	out := *e
	out.Objective = e.Objective.Clone()
	out.Owners = e.Owners.Clone()
	out.Locators = append([]protocol.Option(nil), e.Locators...)
	return out
}

func (e *Entry) shutdown() {
	if e.listener != nil {
		_ = e.listener.Close()
	}
	if e.quit != nil {
		close(e.quit)
		e.quit = nil
	}
}

// OpenFunc opens the TCP endpoint of a connection-oriented objective and
// returns it with its port. It runs under the registry lock and must not
// block.
type OpenFunc func(obj protocol.Objective) (io.Closer, int, error)

// Objectives stores registered objectives by name.
type Objectives struct {
	mu         sync.RWMutex
	limit      int
	queueDepth int
	defaultTTL time.Duration
	items      map[string]*Entry
}

func NewObjectives(limit, queueDepth int, defaultTTL time.Duration) *Objectives {
	return &Objectives{
		limit:      limit,
		queueDepth: queueDepth,
		defaultTTL: defaultTTL,
		items:      make(map[string]*Entry),
	}
}

// Register adds obj for h. A second registrant is accepted only when both
// it and the existing entry asked for overlap.
func (o *Objectives) Register(h Handle, obj protocol.Objective, opts Options, open OpenFunc) error {
	if err := obj.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.items[obj.Name]; ok {
		if !opts.Overlap || !existing.Overlap {
			return ErrObjReg
		}
		existing.Owners.Add(h)
		return nil
	}
	if len(o.items) >= o.limit {
		return ErrObjFull
	}
	e := &Entry{
		Objective:    obj.Clone(),
		Owners:       mapset.NewSet(h),
		Overlap:      opts.Overlap,
		Discoverable: opts.Discoverable,
		Local:        opts.Local,
		Rapid:        opts.Rapid,
		TTL:          o.defaultTTL,
		Locators:     append([]protocol.Option(nil), opts.Locators...),
		Queue:        make(chan Request, o.queueDepth),
	}
	if opts.TTL > 0 {
		e.TTL = opts.TTL
	}
	if obj.ConnectionOriented() && open != nil {
		ln, port, err := open(obj)
		if err != nil {
			return err
		}
		e.listener = ln
		e.Port = port
	}
	o.items[obj.Name] = e
	return nil
}

// Deregister removes h from the owners of name; the entry goes away with its
// last owner.
func (o *Objectives) Deregister(h Handle, name string) error {
	o.mu.Lock()
	e, ok := o.items[name]
	if !ok {
		o.mu.Unlock()
		return ErrNotObj
	}
	if !e.Owners.Contains(h) {
		o.mu.Unlock()
		return ErrNotYourObj
	}
	e.Owners.Remove(h)
	if e.Owners.Cardinality() > 0 {
		o.mu.Unlock()
		return nil
	}
	delete(o.items, name)
	o.mu.Unlock()
	e.shutdown()
	return nil
}

// RemoveOwner drops h from every entry and deletes the entries it owned
// alone. It returns the deleted names.
func (o *Objectives) RemoveOwner(h Handle) []string {
	var dead []*Entry
	var names []string
	o.mu.Lock()
	for name, e := range o.items {
		if !e.Owners.Contains(h) {
			continue
		}
		e.Owners.Remove(h)
		if e.Owners.Cardinality() == 0 {
			delete(o.items, name)
			dead = append(dead, e)
			names = append(names, name)
		}
	}
	o.mu.Unlock()
	for _, e := range dead {
		e.shutdown()
	}
	sort.Strings(names)
	return names
}

// Lookup returns a copy of the entry for name.
func (o *Objectives) Lookup(name string) (Entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.items[name]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Owned returns a copy of the entry when h owns name.
func (o *Objectives) Owned(h Handle, name string) (Entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.items[name]
	if !ok {
		return Entry{}, ErrNotObj
	}
	if !e.Owners.Contains(h) {
		return Entry{}, ErrNotYourObj
	}
	return e.snapshot(), nil
}

// Update applies fn to the live entry under the registry lock.
func (o *Objectives) Update(name string, fn func(e *Entry)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.items[name]
	if !ok {
		return false
	}
	fn(e)
	return true
}

// Listen marks name discoverable, counts one more waiting listener and
// returns the inbound queue.
func (o *Objectives) Listen(name string) (chan Request, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.items[name]
	if !ok {
		return nil, false
	}
	e.Discoverable = true
	e.Listening++
	return e.Queue, true
}

// Unlisten releases one listener count.
func (o *Objectives) Unlisten(name string) {
	o.Update(name, func(e *Entry) {
		if e.Listening > 0 {
			e.Listening--
		}
	})
}

// StopListening clears the listener count and the responder flag and
// releases a running responder.
func (o *Objectives) StopListening(name string) {
	o.Update(name, func(e *Entry) {
		e.Listening = 0
		e.Responding = false
		if e.quit != nil {
			close(e.quit)
			e.quit = nil
		}
	})
}

// StartResponder marks name as answered by a synchronization responder. It
// returns the responder quit channel and true only on the first call after
// registration or a stop.
func (o *Objectives) StartResponder(name string, value protocol.Objective) (<-chan struct{}, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.items[name]
	if !ok {
		return nil, false, ErrNotObj
	}
	e.Objective.Value = append([]byte(nil), value.Value...)
	e.Objective.LoopCount = value.LoopCount
	e.Discoverable = true
	e.Listening++
	if e.Responding {
		return nil, false, nil
	}
	e.Responding = true
	if e.quit == nil {
		e.quit = make(chan struct{})
	}
	return e.quit, true, nil
}

// Accepting reports whether requests for name may be queued: the entry
// exists, has a listener or responder and matches the requested capability.
func (o *Objectives) Accepting(req protocol.Objective) (chan Request, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.items[req.Name]
	if !ok || e.Listening <= 0 {
		return nil, false
	}
	if !e.Objective.SameCapability(req) {
		return nil, false
	}
	return e.Queue, true
}

// CloseAll deletes every entry and releases its listener and responder.
func (o *Objectives) CloseAll() {
	o.mu.Lock()
	items := o.items
	o.items = make(map[string]*Entry)
	o.mu.Unlock()
	for _, e := range items {
		e.shutdown()
	}
}

func (o *Objectives) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns copies of every entry ordered by name.
func (o *Objectives) List() []Entry {
	o.mu.RLock()
	out := make([]Entry, 0, len(o.items))
	for _, e := range o.items {
		out = append(out, e.snapshot())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Objective.Name < out[j].Objective.Name })
	return out
}
