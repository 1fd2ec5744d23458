package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr         string
	RateLimitPerMinute int
}

// Server is the gateway's HTTP surface: the weather endpoint plus the
// health, metrics, and root descriptors.
type Server struct {
	cfg      Config
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	limiter  *ipLimiter
}

// NewServer builds the router and middleware chain around the handlers.
// gatherer backs the Prometheus exposition endpoint.
func NewServer(cfg Config, h *Handlers, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		handlers: h,
		limiter:  newIPLimiter(cfg.RateLimitPerMinute),
	}

	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)

	// Prometheus exposition is plain text; it sits outside the JSON chain.
	s.router.Handle("/metrics/prometheus",
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.Handle("/weather", s.limiter.middleware(http.HandlerFunc(h.Weather))).Methods("GET")
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/metrics", h.Metrics).Methods("GET")
	api.HandleFunc("/", h.Root).Methods("GET")

	s.router.NotFoundHandler = jsonContentTypeMiddleware(http.HandlerFunc(h.NotFound))

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the handler chain for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving requests until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.ListenAddr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
