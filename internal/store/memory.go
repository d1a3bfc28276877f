package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/apperr"
	"hookrelay/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu    sync.RWMutex
	subs  map[string]model.Subscription     // id -> subscription (secret kept)
	order []string                          // subscription ids in insertion order
	logs  map[string]*model.DeliveryAttempt // log id -> row
	Now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		subs: map[string]model.Subscription{},
		logs: map[string]*model.DeliveryAttempt{},
		Now:  time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *Memory) CreateSubscription(ctx context.Context, in model.SubscriptionInput) (model.Subscription, error) {
	in, err := prepareInput(in)
	if err != nil {
		return model.Subscription{}, err
	}
	now := m.now()
	s := model.Subscription{
		ID:         uuid.New().String(),
		Owner:      in.Owner,
		Name:       in.Name,
		TargetURL:  in.TargetURL,
		Events:     in.Events,
		Repository: in.Repository,
		Secret:     in.Secret,
		HasSecret:  in.Secret != "",
		Status:     in.Status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	m.subs[s.ID] = s
	m.order = append(m.order, s.ID)
	m.mu.Unlock()
	return s.Redacted(), nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, apperr.NotFound("webhook", id)
	}
	return s.Redacted(), nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, owner string) ([]model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Subscription{}
	for _, id := range m.order {
		if s := m.subs[id]; s.Owner == owner {
			out = append(out, s.Redacted())
		}
	}
	return out, nil
}

func (m *Memory) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, apperr.NotFound("webhook", id)
	}
	cur.Events = append([]string(nil), cur.Events...)
	next, err := applyPatch(cur, patch)
	if err != nil {
		return model.Subscription{}, err
	}
	next.UpdatedAt = m.now()
	m.subs[id] = next
	return next.Redacted(), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return apperr.NotFound("webhook", id)
	}
	delete(m.subs, id)
	m.order = slices.DeleteFunc(m.order, func(v string) bool { return v == id })
	return nil
}

func (m *Memory) SubscriptionsForEvent(ctx context.Context, owner string) ([]model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Subscription, 0, len(m.order))
	for _, id := range m.order {
		s := m.subs[id]
		if owner != "" && s.Owner != owner {
			continue
		}
		s.Events = append([]string(nil), s.Events...)
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) AppendLog(ctx context.Context, a model.DeliveryAttempt) (string, error) {
	a, err := prepareAttempt(a, m.now())
	if err != nil {
		return "", err
	}
	row := cloneAttempt(a)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.logs[row.LogID]; dup {
		return "", apperr.StateConflict(row.LogID, "already recorded")
	}
	m.logs[row.LogID] = &row
	return row.LogID, nil
}

// UpdateTerminal is a compare-and-swap on status=pending under the write lock.
func (m *Memory) UpdateTerminal(ctx context.Context, logID string, res model.DeliveryResult) error {
	if err := validateResult(res); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.logs[logID]
	if !ok {
		return apperr.NotFound("delivery log", logID)
	}
	if row.Status != model.DeliveryPending {
		return apperr.StateConflict(logID, row.Status)
	}
	next := cloneAttempt(*row)
	res.Apply(&next, m.now())
	next.ResponseStatus = cloneInt(res.ResponseStatus)
	m.logs[logID] = &next
	return nil
}

func (m *Memory) GetLog(ctx context.Context, logID string) (model.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.logs[logID]
	if !ok {
		return model.DeliveryAttempt{}, apperr.NotFound("delivery log", logID)
	}
	return cloneAttempt(*row), nil
}

func (m *Memory) QueryLogs(ctx context.Context, q model.LogQuery) ([]model.DeliveryAttempt, error) {
	limit, err := clampLimit(q.Limit)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]model.DeliveryAttempt, 0)
	for _, row := range m.logs {
		if q.Owner != "" && row.Owner != q.Owner {
			continue
		}
		if q.WebhookID != "" && row.WebhookID != q.WebhookID {
			continue
		}
		out = append(out, cloneAttempt(*row))
	}
	m.mu.RUnlock()
	slices.SortFunc(out, newestFirst)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newestFirst(a, b model.DeliveryAttempt) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.LogID, a.LogID)
}

func cloneAttempt(a model.DeliveryAttempt) model.DeliveryAttempt {
	a.PRNumber = cloneInt(a.PRNumber)
	a.ResponseStatus = cloneInt(a.ResponseStatus)
	if a.RequestPayload != nil {
		a.RequestPayload = append([]byte(nil), a.RequestPayload...)
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		a.CompletedAt = &t
	}
	return a
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
