package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/business-assistant/internal/middleware"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
)

// RouterConfig wires the handlers and limits into one router.
type RouterConfig struct {
	Assistant *AssistantHandler
	Dispatch  *DispatchHandler
	Health    *HealthHandler
	Logger    *logger.Logger

	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TurnRateLimit     int
}

// NewRouter builds the HTTP routes of the assistant API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/assistant", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAssistantUse))
			r.Get("/actions", cfg.Assistant.Actions)
			r.Get("/turns/{turnID}/events", cfg.Assistant.TurnEvents)
			r.With(middleware.UserRateLimit(cfg.TurnRateLimit, cfg.RateLimitWindow)).
				Post("/turn", cfg.Assistant.Turn)
		})

		r.With(middleware.RequireScope(middleware.ScopeAssistantDispatch)).
			Post("/dispatch", cfg.Dispatch.Dispatch)
	})

	return r
}
