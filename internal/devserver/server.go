// Package devserver implements an in-memory backend with the collection
// endpoints the sync engine consumes: CRUD, _count and _deltaset with
// tombstone tracking. It backs the serve command and the end-to-end
// sync tests; it is not a production store.
package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the in-memory backend.
type Server struct {
	apiKey string

	mu          sync.Mutex
	collections map[string]*collection
	epoch       time.Time
}

type collection struct {
	order      []string
	docs       map[string]map[string]any
	updated    map[string]time.Time
	tombstones map[string]time.Time
}

// New creates an empty backend. Deltas are only served for since
// timestamps at or after creation time; older windows report as
// expired, which exercises the client's full-fetch fallback.
func New(apiKey string) *Server {
	return &Server{
		apiKey:      apiKey,
		collections: make(map[string]*collection),
		epoch:       time.Now().UTC(),
	}
}

// Router returns the configured chi router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(s.authMiddleware)
		}
		r.Route("/appdata/{collection}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/_count", s.handleCount)
			r.Get("/_deltaset", s.handleDelta)
			r.Get("/{id}", s.handleGet)
			r.Put("/{id}", s.handleUpsert)
			r.Delete("/{id}", s.handleDelete)
		})
	})

	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// col returns the named collection, creating it on first use. Callers
// must hold s.mu.
func (s *Server) col(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{
			docs:       make(map[string]map[string]any),
			updated:    make(map[string]time.Time),
			tombstones: make(map[string]time.Time),
		}
		s.collections[name] = c
	}
	return c
}
