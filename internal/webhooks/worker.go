package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"hookrelay/internal/apperr"
	"hookrelay/internal/broker"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultUserAgent = "hookrelay-webhooks/1.0"

	maxResponseSnippet = 1 << 10
	storeWriteTimeout  = 5 * time.Second
)

// Doer sends one HTTP request; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Worker performs one delivery end to end: pending row, signed POST with
// retries, single terminal update.
type Worker struct {
	Logs      store.DeliveryLogStore
	HTTP      Doer
	Policy    RetryPolicy
	Timeout   time.Duration
	UserAgent string
	Broker    broker.EventBroker
	Log       *zap.Logger

	// Sleep waits between retries; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns jitter draws in [0,1).
	Rand func() float64
}

func NewWorker(logs store.DeliveryLogStore, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Logs:      logs,
		HTTP:      &http.Client{},
		Policy:    DefaultRetryPolicy(),
		Timeout:   DefaultTimeout,
		UserAgent: DefaultUserAgent,
		Log:       log,
		Sleep:     sleepCtx,
		Rand:      rand.Float64,
	}
}

// Deliver sends evt to sub and returns the recorded outcome. It never
// fails: transport and storage problems end up in the returned attempt.
func (w *Worker) Deliver(ctx context.Context, sub model.Subscription, evt model.Event) model.DeliveryAttempt {
	log := w.logger().With(zap.String("webhook_id", sub.ID), zap.String("event_kind", evt.Kind))
	attempt := model.DeliveryAttempt{
		WebhookID:  sub.ID,
		Owner:      sub.Owner,
		EventKind:  evt.Kind,
		Repository: evt.Repository,
		PRNumber:   evt.PRNumber,
		Status:     model.DeliveryPending,
		CreatedAt:  time.Now().UTC(),
	}

	body, err := BuildEnvelope(evt)
	if err != nil {
		attempt.Status = model.DeliveryFailure
		attempt.ErrorMessage = "encode envelope: " + err.Error()
		w.record(ctx, log, attempt)
		return attempt
	}
	attempt.RequestPayload = body

	sctx, cancel := storeContext(ctx)
	id, err := w.Logs.AppendLog(sctx, attempt)
	cancel()
	if err != nil {
		log.Error("record pending delivery", zap.Error(err))
		attempt.Status = model.DeliveryFailure
		attempt.ErrorMessage = "record pending delivery: " + err.Error()
		return attempt
	}
	attempt.LogID = id
	log = log.With(zap.String("log_id", id))
	w.publish(attempt)

	res := w.sendGuarded(ctx, log, sub, evt.Kind, id, body)

	sctx, cancel = storeContext(ctx)
	err = w.Logs.UpdateTerminal(sctx, id, res)
	cancel()
	switch {
	case apperr.IsStateConflict(err):
		log.Error("delivery log already finalized", zap.Error(err))
	case err != nil:
		log.Error("finalize delivery log", zap.Error(err))
	}

	res.Apply(&attempt, time.Now().UTC())
	metrics.WebhookDeliveries.WithLabelValues(evt.Kind, attempt.Status).Inc()
	log.Info("delivery finished",
		zap.String("status", attempt.Status),
		zap.Int("attempts", attempt.Attempts),
		zap.Intp("response_status", attempt.ResponseStatus),
		zap.String("error", attempt.ErrorMessage))
	w.publish(attempt)
	return attempt
}

// record appends a row that is terminal from the start.
func (w *Worker) record(ctx context.Context, log *zap.Logger, a model.DeliveryAttempt) {
	sctx, cancel := storeContext(ctx)
	defer cancel()
	id, err := w.Logs.AppendLog(sctx, a)
	if err != nil {
		log.Error("record delivery", zap.Error(err))
		return
	}
	a.LogID = id
	metrics.WebhookDeliveries.WithLabelValues(a.EventKind, a.Status).Inc()
	w.publish(a)
}

// sendGuarded turns a panic during sending into a failure result so the
// pending row still reaches a terminal state.
func (w *Worker) sendGuarded(ctx context.Context, log *zap.Logger, sub model.Subscription, kind, logID string, body []byte) (res model.DeliveryResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("delivery panicked", zap.Any("panic", r))
			res = model.DeliveryResult{Status: model.DeliveryFailure, ErrorMessage: fmt.Sprintf("delivery panicked: %v", r)}
		}
	}()
	return w.send(ctx, log, sub, kind, logID, body)
}

func (w *Worker) send(ctx context.Context, log *zap.Logger, sub model.Subscription, kind, logID string, body []byte) model.DeliveryResult {
	limit := w.Policy.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var res model.DeliveryResult
	for n := 1; n <= limit; n++ {
		var ok bool
		res, ok = w.sendOnce(ctx, sub, kind, logID, body)
		res.Attempts = n
		if ok {
			return res
		}
		log.Debug("delivery attempt failed", zap.Int("attempt", n), zap.String("error", res.ErrorMessage))
		if n == limit {
			break
		}
		if err := sleep(ctx, w.Policy.Delay(n, w.Rand)); err != nil {
			res.ErrorMessage = fmt.Sprintf("delivery cancelled: %v (last error: %s)", err, res.ErrorMessage)
			return res
		}
	}
	return res
}

func (w *Worker) sendOnce(ctx context.Context, sub model.Subscription, kind, logID string, body []byte) (model.DeliveryResult, bool) {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := model.DeliveryResult{Status: model.DeliveryFailure}
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		fail.ErrorMessage = err.Error()
		return fail, false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", w.UserAgent)
	req.Header.Set(HeaderEvent, kind)
	req.Header.Set(HeaderDelivery, logID)
	if sig := SignatureHeader(sub.Secret, body); sig != "" {
		req.Header.Set(HeaderSignature, sig)
	}

	client := w.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	resp, err := client.Do(req)
	latency := int(time.Since(start).Milliseconds())
	fail.LatencyMs = latency
	if err != nil {
		metrics.WebhookSends.WithLabelValues("transport_error").Inc()
		metrics.WebhookLatency.WithLabelValues(kind, "transport_error").Observe(float64(latency))
		w.logger().Debug("transport failure", zap.Error(apperr.Transport(err, sub.TargetURL)))
		fail.ErrorMessage = err.Error()
		return fail, false
	}
	snippet := readSnippet(resp.Body)
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		metrics.WebhookSends.WithLabelValues("ok").Inc()
		metrics.WebhookLatency.WithLabelValues(kind, "ok").Observe(float64(latency))
		return model.DeliveryResult{
			Status:         model.DeliverySuccess,
			ResponseStatus: model.IntPtr(code),
			ResponseBody:   snippet,
			LatencyMs:      latency,
		}, true
	}
	metrics.WebhookSends.WithLabelValues("http_error").Inc()
	metrics.WebhookLatency.WithLabelValues(kind, "http_error").Observe(float64(latency))
	fail.ResponseStatus = model.IntPtr(code)
	fail.ResponseBody = snippet
	fail.ErrorMessage = strings.TrimSpace(fmt.Sprintf("HTTP %d %s", code, http.StatusText(code)))
	return fail, false
}

// readSnippet keeps the first KiB of the body and drains a bounded remainder
// so the connection can be reused.
func readSnippet(body io.ReadCloser) string {
	if body == nil {
		return ""
	}
	defer func() { _ = body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(body, maxResponseSnippet))
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	return storableText(b)
}

// storableText makes b safe for a TEXT column: a rune cut at the end is
// dropped, other invalid bytes become U+FFFD and NUL bytes are removed.
func storableText(b []byte) string {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				b = b[:i]
			}
			break
		}
	}
	s := strings.ToValidUTF8(string(b), "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

func (w *Worker) logger() *zap.Logger {
	if w.Log == nil {
		return zap.NewNop()
	}
	return w.Log
}

func (w *Worker) publish(a model.DeliveryAttempt) {
	if w.Broker == nil {
		return
	}
	w.Broker.Publish(a.WebhookID, AttemptEvent(a))
}

// AttemptEvent converts a log row into a broker event.
func AttemptEvent(a model.DeliveryAttempt) broker.Event {
	data := map[string]any{
		"log_id":     a.LogID,
		"webhook_id": a.WebhookID,
		"event_kind": a.EventKind,
		"status":     a.Status,
		"attempts":   a.Attempts,
		"latency_ms": a.LatencyMs,
		"created_at": a.CreatedAt.Format(time.RFC3339Nano),
	}
	if a.Repository != "" {
		data["repository"] = a.Repository
	}
	if a.PRNumber != nil {
		data["pr_number"] = *a.PRNumber
	}
	if a.ResponseStatus != nil {
		data["response_status"] = *a.ResponseStatus
	}
	if a.ErrorMessage != "" {
		data["error_message"] = a.ErrorMessage
	}
	return broker.Event{Type: "delivery." + a.Status, Data: data}
}

func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
