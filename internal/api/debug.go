package api

import (
	"net/http"
	"time"

	"hookrelay/internal/buildinfo"
)

// DebugJSON reports build info and the effective configuration without
// secrets.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	}
	if c := s.Config; c != nil {
		info["config"] = map[string]any{
			"port":                  c.Server.Port,
			"auth_mode":             c.Auth.Mode,
			"dispatch_workers":      c.Dispatch.Workers,
			"dispatch_queue_size":   c.Dispatch.QueueSize,
			"delivery_timeout":      c.Delivery.Timeout.String(),
			"delivery_max_attempts": c.Delivery.MaxAttempts,
			"delivery_backoff_base": c.Delivery.BackoffBase.String(),
			"delivery_jitter":       c.Delivery.Jitter,
			"logs_default_limit":    c.Logs.DefaultLimit,
			"logs_max_limit":        c.Logs.MaxLimit,
			"rate_rps":              c.RateLimit.RPS,
			"rate_burst":            c.RateLimit.Burst,
			"rate_trust_proxy":      c.RateLimit.TrustProxy,
			"has_database_url":      c.Database.URL != "",
			"has_redis_url":         c.Redis.URL != "",
			"has_ingest_secret":     c.Ingest.GitHubSecret != "",
		}
	}
	if s.Pub != nil {
		info["dispatch_queue_depth"] = s.Pub.QueueDepth()
	}
	writeJSON(w, http.StatusOK, info)
}
