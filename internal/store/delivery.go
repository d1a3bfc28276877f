package store

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/apperr"
	"hookrelay/internal/model"
)

// newLogID returns a time-ordered id so ids sort with creation.
func newLogID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// prepareAttempt fills id and timestamp and checks required fields.
func prepareAttempt(a model.DeliveryAttempt, now time.Time) (model.DeliveryAttempt, error) {
	if strings.TrimSpace(a.WebhookID) == "" {
		return a, apperr.Validation("webhook_id", "required")
	}
	if !model.IsEventKind(a.EventKind) {
		return a, apperr.Validation("event_kind", "unknown event kind: "+a.EventKind)
	}
	switch a.Status {
	case "":
		a.Status = model.DeliveryPending
	case model.DeliveryPending, model.DeliverySuccess, model.DeliveryFailure:
	default:
		return a, apperr.Validation("status", "unknown delivery status: "+a.Status)
	}
	if a.LogID == "" {
		a.LogID = newLogID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	if model.IsTerminal(a.Status) && a.CompletedAt == nil {
		at := a.CreatedAt
		a.CompletedAt = &at
	}
	return a, nil
}
