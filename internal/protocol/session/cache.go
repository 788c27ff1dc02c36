package session

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/frame"
)

var (
	ErrFull     = errors.New("session: cache full")
	ErrClash    = errors.New("session: id clash")
	ErrNoID     = errors.New("session: no unique id after retries")
	ErrNotFound = errors.New("session: not found")
	ErrBound    = errors.New("session: already bound")
)

// Key identifies a session by id and source locator.
type Key struct {
	ID     uint32
	Source netip.Addr
}

func (k Key) String() string {
	return fmt.Sprintf("%08x@%s", k.ID, k.Source)
}

// Response is one message delivered to a waiting session together with
// the interface it arrived on.
type Response struct {
	Message protocol.Message
	Ifi     int
}

// Session is one cache entry. Responses is fixed at creation; the remaining
// state is guarded by the owning cache.
type Session struct {
	Key       Key
	Responses chan Response

	active  bool
	relayed bool
	conn    *frame.Conn
}

// Info is a point-in-time view of one session.
type Info struct {
	ID      uint32 `json:"id"`
	Source  string `json:"source"`
	Active  bool   `json:"active"`
	Relayed bool   `json:"relayed"`
	Bound   bool   `json:"bound"`
}

// Cache holds sessions in insertion order. Inactive entries are retained for
// collision detection and are the only candidates for eviction.
type Cache struct {
	mu       sync.Mutex
	limit    int
	attempts int
	entries  *simplelru.LRU[Key, *Session]
	ids      map[uint32]int
	rand     io.Reader
}

func NewCache(cfg Config) *Cache {
	cfg = cfg.WithDefaults()
	c := &Cache{
		limit:    cfg.CacheLimit,
		attempts: cfg.IDAttempts,
		ids:      make(map[uint32]int),
		rand:     rand.Reader,
	}
	// Capacity is enforced by insert; the lru never evicts on its own.
	entries, err := simplelru.NewLRU[Key, *Session](cfg.CacheLimit+1, c.onRemove)
	if err != nil {
		panic(fmt.Sprintf("session: cache: %v", err))
	}
	c.entries = entries
	return c
}

func (c *Cache) onRemove(key Key, _ *Session) {
	if c.ids[key.ID] <= 1 {
		delete(c.ids, key.ID)
		return
	}
	c.ids[key.ID]--
}

func (c *Cache) randomID() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(c.rand, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// New allocates an active session with a fresh id for source. A positive
// queue attaches a bounded response queue.
func (c *Cache) New(source netip.Addr, queue int) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.attempts; i++ {
		id, err := c.randomID()
		if err != nil {
			return nil, err
		}
		if c.ids[id] > 0 {
			continue
		}
		s := newSession(Key{ID: id, Source: source}, queue)
		if err := c.addLocked(s); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, ErrNoID
}

// Insert adds an externally chosen session. Any id clash fails when
// checkRace is set; otherwise only an active session with the same source
// is a clash.
func (c *Cache) Insert(key Key, queue int, checkRace bool) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ids[key.ID] > 0 {
		if checkRace {
			return nil, ErrClash
		}
		if prev, ok := c.entries.Peek(key); ok && prev.active {
			return nil, ErrClash
		}
	}
	s := newSession(key, queue)
	if err := c.addLocked(s); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(key Key, queue int) *Session {
	s := &Session{Key: key, active: true}
	if queue > 0 {
		s.Responses = make(chan Response, queue)
	}
	return s
}

func (c *Cache) addLocked(s *Session) error {
	if prev, ok := c.entries.Peek(s.Key); ok && !prev.active {
		c.entries.Remove(s.Key)
	}
	if c.entries.Len() >= c.limit && !c.evictInactiveLocked() {
		return ErrFull
	}
	c.entries.Add(s.Key, s)
	c.ids[s.Key.ID]++
	return nil
}

func (c *Cache) evictInactiveLocked() bool {
	for _, key := range c.entries.Keys() {
		if s, ok := c.entries.Peek(key); ok && !s.active {
			c.entries.Remove(key)
			return true
		}
	}
	return false
}

// Get returns the session only while it is active.
func (c *Cache) Get(key Key) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries.Peek(key)
	if !ok || !s.active {
		return nil, false
	}
	return s, true
}

// Bind attaches a connection to an active session.
func (c *Cache) Bind(key Key, conn *frame.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries.Peek(key)
	if !ok || !s.active {
		return ErrNotFound
	}
	if s.conn != nil && s.conn != conn {
		return ErrBound
	}
	s.conn = conn
	return nil
}

// Conn returns the connection bound to an active session.
func (c *Cache) Conn(key Key) (*frame.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries.Peek(key)
	if !ok || !s.active {
		return nil, ErrNotFound
	}
	return s.conn, nil
}

// Deliver offers r to the session's response queue without blocking.
func (c *Cache) Deliver(key Key, r Response) bool {
	c.mu.Lock()
	var ch chan Response
	if s, ok := c.entries.Peek(key); ok && s.active {
		ch = s.Responses
	}
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- r:
		return true
	default:
		return false
	}
}

// Deactivate marks the session inactive and returns any bound connection so
// the caller can close it. The entry stays for collision detection.
func (c *Cache) Deactivate(key Key) *frame.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries.Peek(key)
	if !ok || !s.active {
		return nil
	}
	s.active = false
	conn := s.conn
	s.conn = nil
	return conn
}

// ClaimRelay records that the message identified by key is being relayed.
// It returns false when the message was relayed already or no room remains.
func (c *Cache) ClaimRelay(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.entries.Peek(key); ok && s.active {
		if s.relayed {
			return false
		}
		s.relayed = true
		return true
	}
	s := newSession(key, 0)
	s.relayed = true
	return c.addLocked(s) == nil
}

// AttachQueue gives an active session a response queue if it has none.
func (c *Cache) AttachQueue(key Key, queue int) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries.Peek(key)
	if !ok || !s.active {
		return nil, ErrNotFound
	}
	if s.Responses == nil && queue > 0 {
		s.Responses = make(chan Response, queue)
	}
	return s, nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Snapshot lists sessions oldest first.
func (c *Cache) Snapshot() []Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Info, 0, c.entries.Len())
	for _, key := range c.entries.Keys() {
		s, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		out = append(out, Info{
			ID:      key.ID,
			Source:  key.Source.String(),
			Active:  s.active,
			Relayed: s.relayed,
			Bound:   s.conn != nil,
		})
	}
	return out
}
