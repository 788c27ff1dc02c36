package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/graspd/internal/config"
	"github.com/danmuck/graspd/internal/grasp"
	"github.com/danmuck/graspd/internal/logging"
	"github.com/danmuck/graspd/internal/mcast"
	"github.com/danmuck/graspd/internal/protocol"
	"github.com/danmuck/graspd/internal/security"
	"github.com/danmuck/graspd/internal/server"
)

func main() {
	path := flag.String("config", "cmd/graspd/config.toml", "daemon config path")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "graspd: %v\n", err)
		os.Exit(1)
	}
}

type floodJob struct {
	obj   protocol.Objective
	every time.Duration
	ttl   time.Duration
}

func run(path string) error {
	cfg, err := loadDaemonConfig(path)
	if err != nil {
		return err
	}
	var objectives []config.ObjectiveConfig
	if cfg.ObjectivesFile != "" {
		if objectives, err = config.LoadObjectives(cfg.ObjectivesFile); err != nil {
			return err
		}
	}
	logger := logging.Component("graspd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := security.SystemProvider{Trusted: cfg.Trusted, Interfaces: cfg.Interfaces}
	_, links, err := provider.ResolveLocalAddress(true)
	if err != nil {
		return fmt.Errorf("resolve interfaces: %w", err)
	}
	ifaces := make([]mcast.Interface, 0, len(links))
	for _, l := range links {
		ifaces = append(ifaces, mcast.Interface{Index: l.Index, Name: l.Name, LinkLocal: l.LinkLocal})
	}
	network, err := mcast.NewUDP(mcast.UDPConfig{
		Interfaces: ifaces,
		Port:       protocol.Port,
		Backoff:    cfg.Engine.Session.Backoff,
		Logger:     logging.Component("mcast"),
	})
	if err != nil {
		return fmt.Errorf("open multicast: %w", err)
	}
	defer network.Close()

	eng, err := grasp.New(cfg.Engine, network, provider)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	h, err := eng.RegisterAgent(cfg.ID)
	if err != nil {
		return fmt.Errorf("register agent %s: %w", cfg.ID, err)
	}
	jobs, err := registerObjectives(eng, h, objectives, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			runFlood(gctx, eng, h, job, logger)
			return nil
		})
	}
	srv := server.New(cfg.ID, cfg.HTTPAddr, eng, server.Options{CorsOrigins: cfg.CorsOrigins, Token: cfg.APIToken})
	g.Go(func() error { return srv.Serve(gctx) })

	logger.Info().
		Str("id", cfg.ID).
		Str("mode", eng.Mode().String()).
		Int("interfaces", len(ifaces)).
		Int("objectives", len(objectives)).
		Msg("graspd.run ready")
	err = g.Wait()
	if deregErr := eng.DeregisterAgent(h, cfg.ID); deregErr != nil {
		logger.Warn().Err(deregErr).Msg("graspd.run deregister failed")
	}
	return err
}

// registerObjectives registers every configured objective for h, starts a
// responder for synchronizable ones and returns the flood schedule.
func registerObjectives(eng *grasp.Engine, h grasp.Handle, objectives []config.ObjectiveConfig, logger zerolog.Logger) ([]floodJob, error) {
	var jobs []floodJob
	for _, c := range objectives {
		obj, err := c.Objective()
		if err != nil {
			return nil, fmt.Errorf("objective %s: %w", c.Name, err)
		}
		if err := eng.RegisterObjective(h, obj, c.Options()); err != nil {
			return nil, fmt.Errorf("register objective %s: %w", c.Name, err)
		}
		if obj.Synch {
			if err := eng.ListenSynchronize(h, obj); err != nil {
				logger.Warn().Err(err).Str("objective", obj.Name).Msg("graspd.registerObjectives responder not started")
			}
		}
		if every, _ := c.FloodEvery(); every > 0 {
			jobs = append(jobs, floodJob{obj: obj, every: every, ttl: c.FloodTTL()})
		}
		logger.Info().Str("objective", obj.Name).Uint("flags", obj.Flags()).Msg("graspd.registerObjectives registered")
	}
	return jobs, nil
}

// runFlood floods job's value at once and then on every tick.
func runFlood(ctx context.Context, eng *grasp.Engine, h grasp.Handle, job floodJob, logger zerolog.Logger) {
	ticker := time.NewTicker(job.every)
	defer ticker.Stop()
	for {
		if err := eng.Flood(ctx, h, job.ttl, grasp.TaggedObjective{Objective: job.obj}); err != nil {
			logger.Warn().Err(err).Str("objective", job.obj.Name).Msg("graspd.runFlood failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
