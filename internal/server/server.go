// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamwerks/llmstream/internal/config"
	"github.com/streamwerks/llmstream/internal/engine"
	"github.com/streamwerks/llmstream/internal/metrics"
	"github.com/streamwerks/llmstream/internal/provider"
)

// Server holds the HTTP router and all dependencies that handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	engine *engine.Engine
	reg    *prometheus.Registry

	// models maps model names to the provider that handles them, e.g.
	// "gemini-2.0-flash" -> GoogleProvider,
	// "claude-haiku-4-5-20251001" -> AnthropicProvider.
	//
	// Keyed by model name (not provider name) since that's what the
	// client sends: the handler receives "gemini-2.0-flash" and needs
	// a single O(1) lookup to find the Provider that owns it.
	models map[string]provider.Provider

	metrics *metrics.Collector
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
//
// models is the provider registry built from the config's provider
// entries and their model lists. eng is the StreamingEngine facade that
// owns the coordinator/flow/batch/recovery pipeline; reg is the
// Prometheus registry metrics.NewCollector(reg) was built against, so
// /metrics can expose the same series the collector records into.
func New(cfg *config.Config, models map[string]provider.Provider, eng *engine.Engine, collector *metrics.Collector, reg *prometheus.Registry) *Server {
	s := &Server{cfg: cfg, models: models, engine: eng, metrics: collector, reg: reg}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	r.Get("/v1/streams", s.handleListStreams)
	r.Get("/v1/streams/{id}", s.handleGetStream)
	r.Delete("/v1/streams/{id}", s.handleCancelStream)

	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
