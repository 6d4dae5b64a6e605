package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nikhilbhutani/supertts/internal/api/handlers"
	"github.com/nikhilbhutani/supertts/internal/api/middleware"
	"github.com/nikhilbhutani/supertts/internal/auth"
	"github.com/nikhilbhutani/supertts/internal/config"
	"github.com/nikhilbhutani/supertts/internal/enginepool"
	"github.com/nikhilbhutani/supertts/internal/metrics"
	"github.com/nikhilbhutani/supertts/internal/speech"
)

// Deps are the services the HTTP API is built on. Redis and Batch are
// optional.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Pool     *enginepool.Pool
	Speech   *speech.Service
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Redis    handlers.Pinger
	Batch    handlers.BatchEnqueuer
	Version  string
}

type Router struct {
	mux    *chi.Mux
	deps   Deps
	apikey *auth.APIKeyMiddleware
	rl     *middleware.RateLimiter
}

func NewRouter(deps Deps) *Router {
	cfg := deps.Config
	return &Router{
		mux:    chi.NewRouter(),
		deps:   deps,
		apikey: auth.NewAPIKeyMiddleware(cfg.Auth.APIKey, cfg.Auth.RequireAPIKey),
		rl:     middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	}
}

func (rt *Router) Setup() http.Handler {
	r := rt.mux
	d := rt.deps

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(d.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(middleware.CORS(d.Config.Server.CORSOrigins))
	r.Use(rt.rl.Limit)

	// Probes and listings (no auth)
	health := handlers.NewHealthHandler(d.Pool, d.Redis, d.Version)
	r.Get("/health", health.Health)
	r.Get("/healthz", health.Healthz)
	r.Get("/readyz", health.Readyz)
	r.Get("/voices", handlers.NewVoicesHandler(d.Speech.Resolver()).List)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Gatherer))

	speechH := handlers.NewSpeechHandler(d.Speech, d.Logger)

	r.Route("/v1", func(r chi.Router) {
		r.Use(rt.apikey.Authenticate)

		r.Post("/audio/speech", speechH.CreateSpeech)
		if d.Batch != nil {
			batchH := handlers.NewBatchHandler(d.Batch, d.Metrics, d.Logger)
			r.Post("/audio/speech/batch", batchH.Enqueue)
		}
	})

	return r
}

// Close stops background work owned by the router.
func (rt *Router) Close() {
	rt.rl.Stop()
}
