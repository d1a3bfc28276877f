package model

import (
	"encoding/json"
	"time"
)

// Event kinds a subscription can filter on. EventAll is a wildcard and is
// never the kind of an actual event.
const (
	EventPullRequest = "pull_request"
	EventPush        = "push"
	EventIssue       = "issue"
	EventComment     = "comment"
	EventAll         = "all"
)

// EventKinds lists the concrete kinds in a stable order.
var EventKinds = []string{EventPullRequest, EventPush, EventIssue, EventComment}

// IsEventKind reports whether k names a concrete event kind.
func IsEventKind(k string) bool {
	for _, e := range EventKinds {
		if e == k {
			return true
		}
	}
	return false
}

// IsFilterKind reports whether k may appear in a subscription's event filter.
func IsFilterKind(k string) bool { return k == EventAll || IsEventKind(k) }

// Subscription statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Delivery statuses.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailure = "failure"
)

// IsTerminal reports whether a delivery status is final.
func IsTerminal(status string) bool {
	return status == DeliverySuccess || status == DeliveryFailure
}

// Subscription is a user's registration of an endpoint. Secret is only
// populated on the dispatch path and is never serialized.
type Subscription struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	Name       string    `json:"name"`
	TargetURL  string    `json:"target_url"`
	Events     []string  `json:"events"`
	Repository string    `json:"repository,omitempty"`
	Secret     string    `json:"-"`
	HasSecret  bool      `json:"has_secret"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Active reports whether the subscription receives deliveries.
func (s Subscription) Active() bool { return s.Status == StatusActive }

// Redacted returns a copy without the secret.
func (s Subscription) Redacted() Subscription {
	s.HasSecret = s.HasSecret || s.Secret != ""
	s.Secret = ""
	s.Events = append([]string(nil), s.Events...)
	return s
}

// SubscriptionInput is the create payload.
type SubscriptionInput struct {
	Owner      string   `json:"-"`
	Name       string   `json:"name"`
	TargetURL  string   `json:"target_url"`
	Events     []string `json:"events"`
	Repository string   `json:"repository,omitempty"`
	Secret     string   `json:"secret,omitempty"`
	Status     string   `json:"status,omitempty"`
}

// SubscriptionPatch is a partial update; nil fields are left unchanged.
type SubscriptionPatch struct {
	Name       *string   `json:"name,omitempty"`
	TargetURL  *string   `json:"target_url,omitempty"`
	Events     *[]string `json:"events,omitempty"`
	Repository *string   `json:"repository,omitempty"`
	Secret     *string   `json:"secret,omitempty"`
	Status     *string   `json:"status,omitempty"`
}

// Event is a domain event produced by the upstream source.
type Event struct {
	Kind       string          `json:"kind"`
	Repository string          `json:"repository"`
	PRNumber   *int            `json:"pr_number,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Owner      string          `json:"owner,omitempty"`
}

// DeliveryAttempt is one row of the delivery log: the full outcome of
// delivering one event to one subscription.
type DeliveryAttempt struct {
	LogID          string          `json:"log_id"`
	WebhookID      string          `json:"webhook_id"`
	Owner          string          `json:"-"`
	EventKind      string          `json:"event_kind"`
	Repository     string          `json:"repository,omitempty"`
	PRNumber       *int            `json:"pr_number,omitempty"`
	Status         string          `json:"status"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	RequestPayload json.RawMessage `json:"request_payload,omitempty"`
	Attempts       int             `json:"attempts"`
	LatencyMs      int             `json:"latency_ms"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// DeliveryResult is the terminal outcome written over a pending row.
type DeliveryResult struct {
	Status         string
	ResponseStatus *int
	ErrorMessage   string
	ResponseBody   string
	Attempts       int
	LatencyMs      int
}

// Apply copies the result onto the attempt.
func (r DeliveryResult) Apply(a *DeliveryAttempt, at time.Time) {
	a.Status = r.Status
	a.ResponseStatus = r.ResponseStatus
	a.ErrorMessage = r.ErrorMessage
	a.ResponseBody = r.ResponseBody
	a.Attempts = r.Attempts
	a.LatencyMs = r.LatencyMs
	a.CompletedAt = &at
}

// LogQuery filters delivery log reads. Empty fields are not applied; a zero
// Limit means the store's cap.
type LogQuery struct {
	Owner     string
	WebhookID string
	Limit     int
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
