package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines session cache limits and relay hold time.
type Config struct {
	CacheLimit int
	IDAttempts int
	// RelayHold is how long a relayed flood session stays active so that
	// copies arriving on other interfaces are recognised and dropped.
	RelayHold time.Duration
	Backoff   BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		CacheLimit: 1100,
		IDAttempts: 10,
		RelayHold:  120 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.CacheLimit <= 0 {
		c.CacheLimit = def.CacheLimit
	}
	if c.IDAttempts <= 0 {
		c.IDAttempts = def.IDAttempts
	}
	if c.RelayHold <= 0 {
		c.RelayHold = def.RelayHold
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
