package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"hookrelay/internal/apperr"
	"hookrelay/internal/broker"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

// Shed reasons recorded as the error message of a refused delivery.
const (
	ReasonSaturated = "dispatch queue saturated"
	ReasonStopped   = "dispatcher stopped"
)

// Deliverer performs one delivery; *Worker satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, sub model.Subscription, evt model.Event) model.DeliveryAttempt
}

// Dispatch summarizes what Handle did with one event.
type Dispatch struct {
	Matched int `json:"matched"`
	Queued  int `json:"queued"`
	Shed    int `json:"shed"`
}

type task struct {
	sub model.Subscription
	evt model.Event
}

// Publisher fans domain events out to matching subscriptions through a
// bounded queue drained by a fixed worker pool. Handle never waits on
// delivery.
type Publisher struct {
	Subs   store.SubscriptionStore
	Logs   store.DeliveryLogStore
	Worker Deliverer
	Broker broker.EventBroker
	Log    *zap.Logger

	workers int
	queue   chan task

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewPublisher(subs store.SubscriptionStore, logs store.DeliveryLogStore, worker Deliverer, workers, queueSize int, log *zap.Logger) *Publisher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		Subs:    subs,
		Logs:    logs,
		Worker:  worker,
		Log:     log,
		workers: workers,
		queue:   make(chan task, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker pool. Calling it twice is a no-op.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for t := range p.queue {
		metrics.DispatchQueueDepth.Dec()
		p.deliver(t)
	}
}

func (p *Publisher) deliver(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Error("delivery panicked", zap.String("webhook_id", t.sub.ID), zap.Any("panic", r))
		}
	}()
	p.Worker.Deliver(p.ctx, t.sub, t.evt)
}

// Handle schedules evt for every matching subscription and returns as soon
// as the tasks are queued. Tasks that do not fit are recorded as failures.
func (p *Publisher) Handle(ctx context.Context, evt model.Event) (Dispatch, error) {
	var d Dispatch
	if !model.IsEventKind(evt.Kind) {
		return d, apperr.Validation("kind", "unknown event kind: "+evt.Kind)
	}
	if len(evt.Payload) > 0 && !json.Valid(evt.Payload) {
		return d, apperr.Validation("payload", "must be valid JSON")
	}
	if strings.ContainsRune(evt.Repository, 0) || !utf8.ValidString(evt.Repository) {
		return d, apperr.Validation("repository", "must be valid UTF-8 without NUL")
	}
	subs, err := p.Subs.SubscriptionsForEvent(ctx, evt.Owner)
	if err != nil {
		return d, err
	}
	matched := Match(evt, subs)
	d.Matched = len(matched)
	metrics.DispatchMatched.WithLabelValues(evt.Kind).Add(float64(len(matched)))
	for _, s := range matched {
		if err := p.enqueue(task{sub: s, evt: evt}); err != nil {
			d.Shed++
			p.shed(ctx, s, evt, err)
			continue
		}
		d.Queued++
	}
	if d.Matched > 0 {
		p.Log.Debug("event dispatched",
			zap.String("event_kind", evt.Kind),
			zap.String("repository", evt.Repository),
			zap.Int("matched", d.Matched),
			zap.Int("queued", d.Queued),
			zap.Int("shed", d.Shed))
	}
	return d, nil
}

var errStopped = errors.New(ReasonStopped)

func (p *Publisher) enqueue(t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errStopped
	}
	select {
	case p.queue <- t:
		metrics.DispatchQueueDepth.Inc()
		return nil
	default:
		return apperr.Capacity(ReasonSaturated)
	}
}

// shed writes the failure row for a task that never reached a worker.
func (p *Publisher) shed(ctx context.Context, s model.Subscription, evt model.Event, cause error) {
	reason := ReasonSaturated
	label := "saturated"
	if errors.Is(cause, errStopped) {
		reason = ReasonStopped
		label = "stopped"
	}
	metrics.DispatchShed.WithLabelValues(label).Inc()
	metrics.WebhookDeliveries.WithLabelValues(evt.Kind, model.DeliveryFailure).Inc()
	now := time.Now().UTC()
	a := model.DeliveryAttempt{
		WebhookID:    s.ID,
		Owner:        s.Owner,
		EventKind:    evt.Kind,
		Repository:   evt.Repository,
		PRNumber:     evt.PRNumber,
		Status:       model.DeliveryFailure,
		ErrorMessage: reason,
		CreatedAt:    now,
		CompletedAt:  &now,
	}
	sctx, cancel := storeContext(ctx)
	defer cancel()
	id, err := p.Logs.AppendLog(sctx, a)
	if err != nil {
		p.Log.Error("record shed delivery", zap.String("webhook_id", s.ID), zap.Error(err))
		return
	}
	a.LogID = id
	p.Log.Warn("delivery shed", zap.String("webhook_id", s.ID), zap.String("log_id", id), zap.String("reason", reason))
	// shed runs on the caller of Handle; a remote broker must not stall it
	if b := p.Broker; b != nil {
		go b.Publish(s.ID, AttemptEvent(a))
	}
}

// Stop refuses new work, lets queued and in-flight deliveries finish, and
// cancels whatever is still running when ctx expires. Cancelled deliveries
// are still finalized as failures.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	started := p.started
	p.mu.Unlock()
	if !started {
		// no workers ever ran: record what was queued instead of dropping it
		for t := range p.queue {
			metrics.DispatchQueueDepth.Dec()
			p.shed(ctx, t.sub, t.evt, errStopped)
		}
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// QueueDepth reports the number of queued tasks.
func (p *Publisher) QueueDepth() int { return len(p.queue) }
