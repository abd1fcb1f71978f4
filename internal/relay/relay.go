// Package relay is a Phoenix v1 realtime server for local development and
// end-to-end tests. It fans row changes, broadcasts and presence out to
// WebSocket subscribers, takes changes from Postgres LISTEN/NOTIFY or its
// HTTP API, and can bridge several instances through Redis.
package relay

import (
	"context"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markb/fitdesk/internal/log"
)

// Config holds relay configuration
type Config struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string
}

// Server is the relay's HTTP front: WebSocket endpoint, change and
// broadcast API, stats.
type Server struct {
	cfg        Config
	hub        *Hub
	keys       keyring
	router     *chi.Mux

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a relay server
func New(cfg Config) *Server {
	keys := newKeyring(cfg)
	s := &Server{
		cfg:    cfg,
		hub:    NewHub(keys),
		keys:   keys,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Hub returns the connection hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler of the relay.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stats returns relay statistics
func (s *Server) Stats() HubStats {
	return s.hub.Stats()
}

// NotifyChange broadcasts a database change to subscribers
func (s *Server) NotifyChange(schema, table, eventType string, oldRow, newRow map[string]any) int {
	return s.hub.NotifyChange(schema, table, eventType, oldRow, newRow)
}

func (s *Server) setupRoutes() {
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(log.RequestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/realtime/v1", func(r chi.Router) {
		r.Get("/websocket", s.HandleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.serviceRoleMiddleware)
			r.Use(middleware.SetHeader("Content-Type", "application/json"))
			r.Post("/api/changes", s.handleChanges)
			r.Post("/api/broadcast", s.handleBroadcast)
			r.Get("/stats", s.handleStats)
			r.Get("/logs", s.handleLogs)
		})
	})
}

// ListenAndServe serves the relay on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and drops every relay
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.hub.closeAll()
	return err
}
