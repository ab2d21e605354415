// Package api serves the HTTP surface: health, metrics, signal queries, the
// manual trading endpoints, and the websocket signal stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pulsetrade/pulse/internal/config"
	"github.com/pulsetrade/pulse/internal/executor"
	"github.com/pulsetrade/pulse/internal/metrics"
	"github.com/pulsetrade/pulse/internal/risk"
	"github.com/pulsetrade/pulse/internal/store"
	"github.com/pulsetrade/pulse/internal/strategy"
)

// Server is the HTTP API.
type Server struct {
	cfg       config.APIConfig
	appCfg    config.AppConfig
	features  config.FeatureFlags
	db        *store.Store
	guard     *risk.Guard
	executors map[string]*executor.Executor
	versions  *strategy.Registry
	nc        *nats.Conn
	log       zerolog.Logger

	router    *gin.Engine
	http      *http.Server
	startedAt time.Time
}

// New assembles the server and its routes. nc may be nil when the bus is
// not part of the deployment; readiness then skips it.
func New(cfg config.APIConfig, appCfg config.AppConfig, features config.FeatureFlags, db *store.Store, guard *risk.Guard, executors map[string]*executor.Executor, versions *strategy.Registry, nc *nats.Conn) *Server {
	if appCfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		appCfg:    appCfg,
		features:  features,
		db:        db,
		guard:     guard,
		executors: executors,
		versions:  versions,
		nc:        nc,
		log:       config.NewLogger("api"),
		router:    gin.New(),
		startedAt: time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware())
	s.router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Correlation-ID"},
		ExposeHeaders:    []string{"X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.router.Use(AuthMiddleware(cfg))

	s.registerRoutes()

	s.http = &http.Server{
		Addr:         cfg.GetAPIAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/readiness", s.handleReadiness)
	s.router.GET("/metrics", metrics.Handler())

	signals := s.router.Group("/api/signals")
	{
		signals.GET("/latest", s.handleLatestSignals)
		signals.GET("/stats", s.handleSignalStats)
		signals.GET("/stream", s.handleSignalStream)
		signals.GET("/:id", s.handleGetSignal)
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/trading/execute", s.handleExecute)
		v1.GET("/trading/status", s.handleTradingStatus)

		admin := v1.Group("/execution", RequireAdmin(s.cfg))
		{
			admin.GET("/account-states", s.handleAccountStates)
			admin.POST("/unpause/:executor", s.handleUnpause)
		}
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
