package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/huyyxy/memmachine/internal/profile"
)

// Server is the memmachine HTTP API server.
type Server struct {
	memory  *profile.ProfileMemory
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server around the given profile memory and version string.
func New(memory *profile.ProfileMemory, version string) *Server {
	s := &Server{
		memory:  memory,
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

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/messages", s.handleIngestMessage)
			r.Get("/profile", s.handleGetProfile)
			r.Delete("/profile", s.handleDeleteProfile)
			r.Post("/features", s.handleAddFeature)
			r.Delete("/features", s.handleDeleteFeature)
			r.Post("/search", s.handleSearch)
			r.Get("/history", s.handleGetHistory)
			r.Delete("/history", s.handleDeleteHistory)
		})

		r.Delete("/profiles", s.handleDeleteAll)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storageOK := true
	pending, err := s.memory.UningestedCount(r.Context())
	if err != nil {
		storageOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"storage": storageOK,
		"pending": pending,
	})
}
