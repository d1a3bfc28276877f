package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hookrelay/internal/apperr"
	"hookrelay/internal/auth"
	"hookrelay/internal/ingest"
	"hookrelay/internal/model"
)

const maxIngestBytes = 5 << 20

// CreateSubscriptionHandler handles POST /api/webhooks/configs
func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in model.SubscriptionInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.Owner = p.Owner
	sub, err := s.Store.CreateSubscription(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger().Info("subscription created", zap.String("webhook_id", sub.ID), zap.String("owner", sub.Owner))
	writeJSON(w, http.StatusCreated, sub)
}

// ListSubscriptionsHandler handles GET /api/webhooks/configs
func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	subs, err := s.Store.ListSubscriptions(r.Context(), p.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// ownedSubscription loads the subscription named by the {id} path value and
// checks the caller may access it.
func (s *Server) ownedSubscription(r *http.Request, p auth.Principal) (model.Subscription, error) {
	sub, err := s.Store.GetSubscription(r.Context(), r.PathValue("id"))
	if err != nil {
		return model.Subscription{}, err
	}
	if err := authorize(p, sub.Owner); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

// GetSubscriptionHandler handles GET /api/webhooks/configs/{id}
func (s *Server) GetSubscriptionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	sub, err := s.ownedSubscription(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// UpdateSubscriptionHandler handles PATCH /api/webhooks/configs/{id}
func (s *Server) UpdateSubscriptionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	sub, err := s.ownedSubscription(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch model.SubscriptionPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.Store.UpdateSubscription(r.Context(), sub.ID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteSubscriptionHandler handles DELETE /api/webhooks/configs/{id}
func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	sub, err := s.ownedSubscription(r, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), sub.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger().Info("subscription deleted", zap.String("webhook_id", sub.ID))
	w.WriteHeader(http.StatusNoContent)
}

// parseLogQuery accepts only webhook_id and limit, each at most once.
func (s *Server) parseLogQuery(r *http.Request) (model.LogQuery, error) {
	q := model.LogQuery{Limit: s.defaultLogLimit()}
	for key, vals := range r.URL.Query() {
		if len(vals) > 1 {
			return q, apperr.Validation(key, "must not be repeated")
		}
		v := strings.TrimSpace(vals[0])
		switch key {
		case "webhook_id":
			if v == "" {
				return q, apperr.Validation(key, "must not be empty")
			}
			q.WebhookID = v
		case "limit":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return q, apperr.Validation(key, "must be a positive integer")
			}
			q.Limit = min(n, s.maxLogLimit())
		default:
			return q, apperr.Validation(key, "unknown query parameter")
		}
	}
	return q, nil
}

// ListLogsHandler handles GET /api/webhooks/logs
func (s *Server) ListLogsHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	q, err := s.parseLogQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if q.WebhookID != "" {
		// rows outlive their subscription, so a missing one is not an error
		sub, err := s.Store.GetSubscription(r.Context(), q.WebhookID)
		switch {
		case err == nil:
			if err := authorize(p, sub.Owner); err != nil {
				s.writeError(w, r, err)
				return
			}
		case !apperr.IsNotFound(err):
			s.writeError(w, r, err)
			return
		}
	}
	if !p.IsAdmin() {
		q.Owner = p.Owner
	}
	logs, err := s.Store.QueryLogs(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// GetLogHandler handles GET /api/webhooks/logs/{log_id}
func (s *Server) GetLogHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	row, err := s.Store.GetLog(r.Context(), r.PathValue("log_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := authorize(p, row.Owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// EventsHandler handles POST /api/events. Dispatch is scoped to the
// caller's subscriptions.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var evt model.Event
	if err := decodeJSON(w, r, &evt); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt.Owner = p.Owner
	d, err := s.Pub.Handle(r.Context(), evt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// GitHubIngestHandler handles POST /api/ingest/github?owner=<id>
func (s *Server) GitHubIngestHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		s.writeError(w, r, apperr.Validation("body", "unreadable or too large"))
		return
	}
	if err := s.GitHub.Verify(body, r.Header.Get(ingest.HeaderGitHubSignature)); err != nil {
		s.logger().Warn("github signature rejected",
			zap.String("event", r.Header.Get(ingest.HeaderGitHubEvent)),
			zap.String("delivery", r.Header.Get(ingest.HeaderGitHubDelivery)))
		s.writeError(w, r, err)
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		s.writeError(w, r, apperr.Validation("owner", "required"))
		return
	}
	ghEvent := r.Header.Get(ingest.HeaderGitHubEvent)
	evt, err := s.GitHub.Parse(ghEvent, body, owner)
	if errors.Is(err, ingest.ErrIgnored) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored", "event": ghEvent})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Pub.Handle(r.Context(), evt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "event": ghEvent, "dispatch": d})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the database and broker when they support it.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	type pinger interface{ Ping(ctx context.Context) error }
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	for name, dep := range map[string]any{"store": s.Store, "broker": s.Broker} {
		if pg, ok := dep.(pinger); ok {
			if err := pg.Ping(ctx); err != nil {
				writeProblem(w, http.StatusServiceUnavailable, "Not Ready", name+": "+err.Error(), r.URL.Path)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
