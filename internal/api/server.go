// Package api implements the HTTP surface: subscription management, log
// queries, event ingestion and live delivery streams.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hookrelay/internal/auth"
	"hookrelay/internal/broker"
	"hookrelay/internal/config"
	"hookrelay/internal/ingest"
	"hookrelay/internal/metrics"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

type Server struct {
	Store   store.Store
	Pub     *webhooks.Publisher
	Auth    *auth.Verifier
	Broker  broker.EventBroker
	GitHub  ingest.GitHub
	Limiter *RateLimiter
	Log     *zap.Logger
	Config  *config.Config
}

// NewServer wires the handlers to already constructed dependencies.
func NewServer(cfg *config.Config, st store.Store, pub *webhooks.Publisher, b broker.EventBroker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if b == nil {
		b = broker.NewMemory()
	}
	return &Server{
		Store:   st,
		Pub:     pub,
		Auth:    auth.NewVerifier(cfg.Auth),
		Broker:  b,
		GitHub:  ingest.GitHub{Secret: cfg.Ingest.GitHubSecret},
		Limiter: NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Log:     log,
		Config:  cfg,
	}
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.limit(h))
	}

	// Subscriptions
	api("POST /api/webhooks/configs", s.authed(s.CreateSubscriptionHandler))
	api("GET /api/webhooks/configs", s.authed(s.ListSubscriptionsHandler))
	api("GET /api/webhooks/configs/{id}", s.authed(s.GetSubscriptionHandler))
	api("PATCH /api/webhooks/configs/{id}", s.authed(s.UpdateSubscriptionHandler))
	api("DELETE /api/webhooks/configs/{id}", s.authed(s.DeleteSubscriptionHandler))

	// Delivery logs
	api("GET /api/webhooks/logs", s.authed(s.ListLogsHandler))
	api("GET /api/webhooks/logs/{log_id}", s.authed(s.GetLogHandler))

	// Live streams; not rate limited since they are long lived
	mux.HandleFunc("GET /api/webhooks/configs/{id}/deliveries/stream", s.authed(s.DeliveryStreamHandler))
	mux.HandleFunc("GET /api/webhooks/configs/{id}/deliveries/ws", s.authed(s.DeliveryWSHandler))

	// Events
	api("POST /api/events", s.authed(s.EventsHandler))
	api("POST /api/ingest/github", s.GitHubIngestHandler)

	// Ops
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.DebugJSON)
	mux.HandleFunc("GET /openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("GET /openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("GET /docs", s.DocsHandler)
	mux.HandleFunc("GET /swagger", s.SwaggerHandler)

	return s.observe(mux)
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Server) trustProxy() bool {
	return s.Config != nil && s.Config.RateLimit.TrustProxy
}

func (s *Server) defaultLogLimit() int {
	if s.Config != nil && s.Config.Logs.DefaultLimit > 0 {
		return s.Config.Logs.DefaultLimit
	}
	return 50
}

func (s *Server) maxLogLimit() int {
	if s.Config != nil && s.Config.Logs.MaxLimit > 0 && s.Config.Logs.MaxLimit <= store.MaxLogLimit {
		return s.Config.Logs.MaxLimit
	}
	return store.MaxLogLimit
}
