package security

import (
	"errors"
	"net/netip"
	"sync"
)

var ErrNoSecurity = errors.New("security: operation not permitted without security")

// Mode is the current security posture.
type Mode int

const (
	// ModeInsecure permits discovery and cache reads only.
	ModeInsecure Mode = iota
	// ModeLinkLocalOnly permits single-hop operation with link-local peers.
	ModeLinkLocalOnly
	// ModeCipher relies on the configured message cipher.
	ModeCipher
	// ModeSecure runs over a trusted channel.
	ModeSecure
)

func (m Mode) String() string {
	switch m {
	case ModeSecure:
		return "secure"
	case ModeCipher:
		return "cipher"
	case ModeLinkLocalOnly:
		return "link-local-only"
	default:
		return "insecure"
	}
}

// Op names a gated operation.
type Op int

const (
	OpDiscover Op = iota
	OpGetFlood
	OpFlood
	OpNegotiate
	OpSynchronize
	OpListen
)

// Policy holds the local configuration that feeds mode selection.
type Policy struct {
	CipherEnabled      bool
	AllowLinkLocalOnly bool
}

// Gate evaluates the mode from the provider and policy and admits
// operations accordingly.
type Gate struct {
	provider Provider
	policy   Policy

	mu   sync.RWMutex
	mode Mode
}

func NewGate(provider Provider, policy Policy) *Gate {
	g := &Gate{provider: provider, policy: policy}
	g.Evaluate()
	return g
}

// Evaluate queries the provider and stores the resulting mode.
func (g *Gate) Evaluate() Mode {
	mode := ModeInsecure
	switch {
	case g.provider != nil && g.provider.Status():
		mode = ModeSecure
	case g.policy.CipherEnabled:
		mode = ModeCipher
	case g.policy.AllowLinkLocalOnly:
		mode = ModeLinkLocalOnly
	}
	g.mu.Lock()
	g.mode = mode
	g.mu.Unlock()
	return mode
}

func (g *Gate) Mode() Mode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mode
}

// Check re-evaluates the mode and returns ErrNoSecurity when op is not
// admitted.
func (g *Gate) Check(op Op) error {
	if allows(g.Evaluate(), op) {
		return nil
	}
	return ErrNoSecurity
}

func allows(mode Mode, op Op) bool {
	if mode != ModeInsecure {
		return true
	}
	return op == OpDiscover || op == OpGetFlood
}

// SingleHop reports whether outgoing loop counts are forced to 1.
func (g *Gate) SingleHop() bool {
	m := g.Mode()
	return m == ModeLinkLocalOnly || m == ModeInsecure
}

// RelayAllowed reports whether multicasts may be relayed between links.
func (g *Gate) RelayAllowed() bool {
	m := g.Mode()
	return m == ModeSecure || m == ModeCipher
}

// AcceptSender reports whether a message from src may be processed.
func (g *Gate) AcceptSender(src netip.Addr) bool {
	if g.RelayAllowed() {
		return true
	}
	return src.IsLinkLocalUnicast()
}
