// Package web provides the JSON HTTP API for vecmemo.
package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/abdul-hamid-achik/vecmemo/internal/service"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	Service *service.Service
}

// Server is the HTTP server for the JSON API.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		handler: NewHandler(cfg.Service),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/index", s.handler.Index)
		r.Get("/search", s.handler.Search)
		r.Get("/stats", s.handler.Stats)
		r.Get("/queue", s.handler.Queue)
		r.Delete("/documents", s.handler.Delete)
		r.Post("/read", s.handler.MarkRead)
		r.Get("/health", s.handler.Health)
	})
}

// Router returns the chi router for external use.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	return http.ListenAndServe(addr, s.router)
}
