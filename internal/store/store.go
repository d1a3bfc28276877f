package store

import (
	"context"

	"hookrelay/internal/model"
)

// MaxLogLimit caps a single delivery log read.
const MaxLogLimit = 1000

// SubscriptionStore persists webhook subscriptions. Reads other than
// SubscriptionsForEvent return subscriptions with the secret redacted.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, in model.SubscriptionInput) (model.Subscription, error)
	GetSubscription(ctx context.Context, id string) (model.Subscription, error)
	ListSubscriptions(ctx context.Context, owner string) ([]model.Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) (model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// SubscriptionsForEvent returns dispatch candidates in insertion order,
	// secrets included. An empty owner means every owner.
	SubscriptionsForEvent(ctx context.Context, owner string) ([]model.Subscription, error)
}

// DeliveryLogStore is the append-only delivery log. Rows move from pending
// to a terminal status exactly once.
type DeliveryLogStore interface {
	AppendLog(ctx context.Context, a model.DeliveryAttempt) (string, error)
	UpdateTerminal(ctx context.Context, logID string, res model.DeliveryResult) error
	GetLog(ctx context.Context, logID string) (model.DeliveryAttempt, error)
	QueryLogs(ctx context.Context, q model.LogQuery) ([]model.DeliveryAttempt, error)
}

// Store is the persistence interface used by the API server.
type Store interface {
	SubscriptionStore
	DeliveryLogStore
}
