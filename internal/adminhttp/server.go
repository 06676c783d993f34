// Package adminhttp implements the gateway's optional operator-facing admin
// surface (spec §12.3/§12.4): an HTTP API over pool health/eviction and
// command execution, plus a websocket bridge that streams internal/events
// to connected observers. Disabled entirely unless config.AdminConfig.Enabled
// is set.
package adminhttp

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/lspgateway/internal/events"
	"github.com/conduit-lang/lspgateway/internal/gateway"
	"github.com/conduit-lang/lspgateway/internal/pool"
	"github.com/conduit-lang/lspgateway/internal/web/auth"
	"github.com/conduit-lang/lspgateway/internal/web/middleware"
	"github.com/conduit-lang/lspgateway/internal/web/ratelimit"
	"github.com/conduit-lang/lspgateway/internal/web/router"
)

// Config parameterizes the admin HTTP server.
type Config struct {
	Addr       string
	AuthSecret string
	TokenTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	return c
}

// Server is the admin HTTP/websocket surface. It owns an http.Server,
// a chi-backed router, and the events->websocket bridge.
type Server struct {
	cfg    Config
	http   *http.Server
	router *router.Router
	bridge *eventBridge
	logger *zap.Logger
}

// New builds the admin server's routes. Call Start to begin listening.
func New(cfg Config, p *pool.Pool, gw *gateway.Gateway, bus *events.Bus, logger *zap.Logger) *Server {
	cfg = cfg.withDefaults()

	authSvc := auth.NewAuthService(cfg.AuthSecret, cfg.TokenTTL)
	limiter := ratelimit.NewTokenBucketWithConfig(ratelimit.DefaultTokenBucketConfig())
	bridge := newEventBridge(bus, logger)

	h := &handlers{pool: p, gateway: gw, logger: logger}

	r := router.NewRouter()
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging())
	r.Use(middleware.RateLimit(limiter))

	r.Get("/healthz", h.healthz)

	authed := middleware.Auth(authSvc)
	r.Get("/pool", authed(http.HandlerFunc(h.listPool)).ServeHTTP)
	r.Post("/pool/{language}/{workspace}/evict", authed(http.HandlerFunc(h.evict)).ServeHTTP)
	r.Post("/commands/{language}", authed(http.HandlerFunc(h.executeCommand)).ServeHTTP)
	r.Get("/events", bridge.upgradeHandler(authSvc))

	return &Server{
		cfg:    cfg,
		router: r,
		bridge: bridge,
		logger: logger,
		http:   &http.Server{Addr: cfg.Addr, Handler: r},
	}
}

// Start begins listening. It blocks until the server stops or ctx is
// canceled, mirroring the embedding program's serve-until-signaled pattern.
func (s *Server) Start(ctx context.Context) error {
	go s.bridge.run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
