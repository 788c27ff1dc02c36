package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAgentFull    = errors.New("registry: agent registry full")
	ErrDupAgent     = errors.New("registry: duplicate agent name")
	ErrNoAgent      = errors.New("registry: agent not registered")
	ErrNotYourAgent = errors.New("registry: handle does not own agent")
	ErrAgentName    = errors.New("registry: empty agent name")
)

// Handle is the opaque token returned to a registered agent.
type Handle string

// Agent is one registered autonomic service agent.
type Agent struct {
	Name       string    `json:"name"`
	Handle     Handle    `json:"-"`
	Registered time.Time `json:"registered"`
}

// Agents stores agents by name and by handle.
type Agents struct {
	mu       sync.RWMutex
	limit    int
	byName   map[string]Agent
	byHandle map[Handle]string
}

func NewAgents(limit int) *Agents {
	return &Agents{
		limit:    limit,
		byName:   make(map[string]Agent),
		byHandle: make(map[Handle]string),
	}
}

// Register adds name and returns its handle.
func (a *Agents) Register(name string) (Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrAgentName
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.byName) >= a.limit {
		return "", ErrAgentFull
	}
	if _, ok := a.byName[name]; ok {
		return "", ErrDupAgent
	}
	h := Handle(uuid.NewString())
	a.byName[name] = Agent{Name: name, Handle: h, Registered: time.Now()}
	a.byHandle[h] = name
	return h, nil
}

// Deregister removes name when h owns it.
func (a *Agents) Deregister(h Handle, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	agent, ok := a.byName[name]
	if !ok {
		return ErrNoAgent
	}
	if agent.Handle != h {
		return ErrNotYourAgent
	}
	delete(a.byName, name)
	delete(a.byHandle, h)
	return nil
}

func (a *Agents) Known(h Handle) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.byHandle[h]
	return ok
}

func (a *Agents) Name(h Handle) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, ok := a.byHandle[h]
	return name, ok
}

func (a *Agents) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.byName)
}

// List returns agents ordered by name.
func (a *Agents) List() []Agent {
	a.mu.RLock()
	out := make([]Agent, 0, len(a.byName))
	for _, agent := range a.byName {
		out = append(out, agent)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
