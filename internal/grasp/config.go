package grasp

import (
	"time"

	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/security"
)

// Config holds engine limits, timers and policy switches.
type Config struct {
	AgentLimit     int
	ObjectiveLimit int
	DiscoveryLimit int
	FloodLimit     int
	Session        session.Config

	// DiscoveryTTL is the default locator lifetime advertised for
	// registered objectives and in diverts without a shorter bound.
	DiscoveryTTL    time.Duration
	DiscoveryQueue  int
	ListenQueue     int
	MulticastQueue  int
	RelayQueue      int
	DiscTimeoutUnit time.Duration
	DefaultTimeout  time.Duration
	// AcceptTimeout bounds the wait for the first message on an accepted
	// connection.
	AcceptTimeout time.Duration
	// RelayGap and RelayBurst throttle the relay dispatcher.
	RelayGap      time.Duration
	RelayBurst    int
	WatchInterval time.Duration

	// Strict rejects unknown fields and wrong arity instead of skipping
	// them.
	Strict bool
	// TestMode skips the session race check on incoming requests so one
	// process may negotiate with itself.
	TestMode           bool
	RapidMode          bool
	AllowLinkLocalOnly bool
	CipherPassword     string
	CipherSalt         string
	MaxMessageBytes    int
}

func DefaultConfig() Config {
	return Config{
		AgentLimit:      100,
		ObjectiveLimit:  200,
		DiscoveryLimit:  500,
		FloodLimit:      100,
		Session:         session.DefaultConfig(),
		DiscoveryTTL:    10 * time.Duration(protocol.DefaultTimeout) * time.Millisecond,
		DiscoveryQueue:  10,
		ListenQueue:     5,
		MulticastQueue:  100,
		RelayQueue:      100,
		DiscTimeoutUnit: 100 * time.Millisecond,
		DefaultTimeout:  time.Duration(protocol.DefaultTimeout) * time.Millisecond,
		AcceptTimeout:   30 * time.Second,
		RelayGap:        500 * time.Millisecond,
		RelayBurst:      4,
		WatchInterval:   security.DefaultWatchInterval,
		MaxMessageBytes: protocol.MaxSize,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt(&c.AgentLimit, def.AgentLimit)
	setInt(&c.ObjectiveLimit, def.ObjectiveLimit)
	setInt(&c.DiscoveryLimit, def.DiscoveryLimit)
	setInt(&c.FloodLimit, def.FloodLimit)
	setInt(&c.DiscoveryQueue, def.DiscoveryQueue)
	setInt(&c.ListenQueue, def.ListenQueue)
	setInt(&c.MulticastQueue, def.MulticastQueue)
	setInt(&c.RelayQueue, def.RelayQueue)
	setInt(&c.RelayBurst, def.RelayBurst)
	setInt(&c.MaxMessageBytes, def.MaxMessageBytes)
	setDur(&c.DiscoveryTTL, def.DiscoveryTTL)
	setDur(&c.DiscTimeoutUnit, def.DiscTimeoutUnit)
	setDur(&c.DefaultTimeout, def.DefaultTimeout)
	setDur(&c.AcceptTimeout, def.AcceptTimeout)
	setDur(&c.RelayGap, def.RelayGap)
	setDur(&c.WatchInterval, def.WatchInterval)
	c.Session = c.Session.WithDefaults()
	return c
}
