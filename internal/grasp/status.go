package grasp

import (
	"sort"
	"time"

	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/registry"
)

// Status summarises the engine for the status API.
type Status struct {
	Mode           string            `json:"mode"`
	Address        string            `json:"address"`
	SessionLocator string            `json:"session_locator"`
	Interfaces     []mcast.Interface `json:"interfaces"`
	Agents         int               `json:"agents"`
	Objectives     int               `json:"objectives"`
	Sessions       int               `json:"sessions"`
	Discovery      int               `json:"discovery"`
	Floods         int               `json:"floods"`
}

// ObjectiveInfo is a point-in-time view of one registered objective.
type ObjectiveInfo struct {
	Name         string   `json:"name"`
	Flags        uint     `json:"flags"`
	LoopCount    int      `json:"loop_count"`
	Owners       []string `json:"owners"`
	Port         int      `json:"port"`
	Discoverable bool     `json:"discoverable"`
	Overlap      bool     `json:"overlap"`
	Local        bool     `json:"local"`
	Rapid        bool     `json:"rapid"`
	TTLMillis    uint64   `json:"ttl_ms"`
	Listening    int      `json:"listening"`
	Responding   bool     `json:"responding"`
}

func (e *Engine) Status() Status {
	addr := ""
	if a := e.Address(); a.IsValid() {
		addr = a.String()
	}
	return Status{
		Mode:           e.gate.Mode().String(),
		Address:        addr,
		SessionLocator: e.SessionLocator().String(),
		Interfaces:     e.interfaces(),
		Agents:         e.agents.Len(),
		Objectives:     e.objectives.Len(),
		Sessions:       e.sessions.Len(),
		Discovery:      e.discovery.len(),
		Floods:         e.floods.len(),
	}
}

// Ready reports whether the engine has started and is not shutting down.
func (e *Engine) Ready() bool {
	return e.started.Load() && e.ctx.Err() == nil
}

func (e *Engine) ObjectiveTable() []ObjectiveInfo {
	entries := e.objectives.List()
	out := make([]ObjectiveInfo, 0, len(entries))
	for _, entry := range entries {
		owners := make([]string, 0, entry.Owners.Cardinality())
		for _, h := range entry.Owners.ToSlice() {
			if name, ok := e.agents.Name(h); ok {
				owners = append(owners, name)
			}
		}
		sort.Strings(owners)
		out = append(out, ObjectiveInfo{
			Name:         entry.Objective.Name,
			Flags:        entry.Objective.Flags(),
			LoopCount:    entry.Objective.LoopCount,
			Owners:       owners,
			Port:         entry.Port,
			Discoverable: entry.Discoverable,
			Overlap:      entry.Overlap,
			Local:        entry.Local,
			Rapid:        entry.Rapid,
			TTLMillis:    durationMS(entry.TTL),
			Listening:    entry.Listening,
			Responding:   entry.Responding,
		})
	}
	return out
}

func (e *Engine) AgentTable() []registry.Agent { return e.agents.List() }

// FloodTable lists unexpired flood cache entries, oldest first.
func (e *Engine) FloodTable() []TaggedObjective { return e.floods.snapshot(time.Now()) }

// DiscoveryTable lists the discovery cache, least recently used first.
func (e *Engine) DiscoveryTable() []DiscoveryEntry { return e.discovery.snapshot() }

func (e *Engine) SessionTable() []session.Info { return e.sessions.Snapshot() }
