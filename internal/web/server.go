package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/camuig/arena-trader/internal/agentlock"
	"github.com/camuig/arena-trader/internal/logger"
	"github.com/camuig/arena-trader/internal/reconciler"
	"github.com/camuig/arena-trader/internal/scheduler"
	"github.com/camuig/arena-trader/internal/storage"
)

// CycleRunner runs one trading cycle on demand.
type CycleRunner interface {
	RunTradingCycle(ctx context.Context) (*scheduler.CycleReport, error)
}

// Syncer reconciles live agents with their brokerage.
type Syncer interface {
	SyncAgent(ctx context.Context, agentID string) (reconciler.SyncResult, error)
	SyncAllLiveAgents(ctx context.Context) []reconciler.SyncResult
}

type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	repo       *storage.Repository
	locks      *agentlock.Locks
	cycles     CycleRunner
	syncer     Syncer
	port       int
	logger     *logger.Logger
}

func NewServer(port int, repo *storage.Repository, locks *agentlock.Locks, cycles CycleRunner, syncer Syncer, log *logger.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		repo:   repo,
		locks:  locks,
		cycles: cycles,
		syncer: syncer,
		port:   port,
		logger: log.Component("web"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	// A manual cycle answers only after every agent finished.
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/cycle", s.handleRunCycle)
		r.Get("/cycles", s.handleCycles)
		r.Post("/sync", s.handleSyncAll)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleLeaderboard)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleAgent)
				r.Get("/positions", s.handlePositions)
				r.Get("/trades", s.handleTrades)
				r.Get("/decisions", s.handleDecisions)
				r.Get("/performance", s.handlePerformance)
				r.Get("/allocation", s.handleAllocation)
				r.Post("/sync", s.handleSyncAgent)
				r.Post("/reset", s.handleReset)
			})
		})
	})
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
