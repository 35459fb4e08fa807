// Package server exposes the maintenance core's operational HTTP surface.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stratamem/stratamem/internal/index"
	"github.com/stratamem/stratamem/internal/orchestrator"
	"github.com/stratamem/stratamem/internal/store"
	"github.com/stratamem/stratamem/internal/watchdog"
)

// Server is the stratamem operational HTTP server.
type Server struct {
	db      *store.DB
	orch    *orchestrator.Orchestrator
	wd      *watchdog.Watchdog
	idx     *index.Maintenance // nil when index maintenance is disabled
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the wired maintenance components.
func New(db *store.DB, orch *orchestrator.Orchestrator, wd *watchdog.Watchdog, idx *index.Maintenance, version string) *Server {
	s := &Server{
		db:      db,
		orch:    orch,
		wd:      wd,
		idx:     idx,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/items", s.handleIngest)
		r.Get("/items/{itemID}", s.handleGetItem)

		r.Get("/watchdog", s.handleWatchdog)
		r.Post("/maintenance/cycle", s.handleRunCycle)
		r.Get("/maintenance/cycles", s.handleRecentCycles)

		r.Get("/index/integrity", s.handleIntegrity)
		r.Post("/index/reindex", s.handleReindex)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"state":   string(s.orch.State()),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}
