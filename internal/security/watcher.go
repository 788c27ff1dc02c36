package security

import (
	"context"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWatchInterval matches the substrate status poll period.
const DefaultWatchInterval = 10 * time.Second

// Watcher re-evaluates the gate periodically and reports address changes.
type Watcher struct {
	Gate     *Gate
	Provider Provider
	Interval time.Duration
	Logger   zerolog.Logger
	// OnChange receives the new routable address (invalid when none) and
	// should rebuild multicast sockets.
	OnChange func(addr netip.Addr)

	current   netip.Addr
	saidNoAdr bool
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context, initial netip.Addr) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	w.current = initial
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Tick performs one evaluation pass.
func (w *Watcher) Tick() {
	prev := w.Gate.Mode()
	if mode := w.Gate.Evaluate(); mode != prev {
		w.Logger.Warn().Str("from", prev.String()).Str("to", mode.String()).Msg("security.Watcher mode changed")
	}
	addr, _, err := w.Provider.ResolveLocalAddress(false)
	if err != nil {
		w.Logger.Debug().Err(err).Msg("security.Watcher resolve address failed")
		return
	}
	switch {
	case addr.IsLoopback():
		w.Logger.Info().Msg("security.Watcher wakeup without address")
		w.notify(w.current)
	case addr.IsValid() && addr != w.current:
		w.Logger.Info().Str("addr", addr.String()).Msg("security.Watcher address changed")
		w.current = addr
		w.saidNoAdr = false
		w.notify(addr)
	case !addr.IsValid() && w.current.IsValid():
		if !w.saidNoAdr {
			w.Logger.Info().Msg("security.Watcher no routable address, using link-local")
			w.saidNoAdr = true
		}
		w.current = netip.Addr{}
		w.notify(w.current)
	}
}

func (w *Watcher) notify(addr netip.Addr) {
	if w.OnChange != nil {
		w.OnChange(addr)
	}
}
