// Package server exposes a read-only HTTP view of a running engine: health,
// readiness, metrics and snapshots of the registries and caches.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/graspd/internal/auth"
	"github.com/danmuck/graspd/internal/grasp"
	"github.com/danmuck/graspd/internal/observability"
	"github.com/danmuck/graspd/internal/protocol/session"
	"github.com/danmuck/graspd/internal/registry"
)

const shutdownGrace = 5 * time.Second

// Source is the engine surface the status API reads.
type Source interface {
	Status() grasp.Status
	Ready() bool
	AgentTable() []registry.Agent
	ObjectiveTable() []grasp.ObjectiveInfo
	FloodTable() []grasp.TaggedObjective
	DiscoveryTable() []grasp.DiscoveryEntry
	SessionTable() []session.Info
}

var _ Source = (*grasp.Engine)(nil)

// Options configures the HTTP surface.
type Options struct {
	CorsOrigins []string
	// Token, when set, is required as a bearer token on every route except
	// the health, readiness and metrics probes.
	Token string
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	source Source
	router *gin.Engine
}

// New builds the router with recovery, request logging, request metrics,
// CORS and the optional token guard. Routes are added by RegisterRoutes.
func New(id, addr string, source Source, opts Options) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	if opts.Token != "" {
		r.Use(auth.Middleware(auth.StaticToken{Token: opts.Token}, "/health", "/ready", "/metrics"))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		source:   source,
		router:   r,
	}
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve registers the routes and serves until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.RegisterRoutes()
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("node", s.ID).Str("addr", s.Addr).Msg("server.Serve listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Str("node", s.ID).Msg("server.Serve stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
