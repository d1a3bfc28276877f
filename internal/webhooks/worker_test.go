package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"hookrelay/internal/broker"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
)

type recordStore struct {
	*store.Memory
	mu      sync.Mutex
	appends []model.DeliveryAttempt
	updates []model.DeliveryResult
}

func (r *recordStore) AppendLog(ctx context.Context, a model.DeliveryAttempt) (string, error) {
	r.mu.Lock()
	r.appends = append(r.appends, a)
	r.mu.Unlock()
	return r.Memory.AppendLog(ctx, a)
}

func (r *recordStore) UpdateTerminal(ctx context.Context, id string, res model.DeliveryResult) error {
	r.mu.Lock()
	r.updates = append(r.updates, res)
	r.mu.Unlock()
	return r.Memory.UpdateTerminal(ctx, id, res)
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func respond(code int, body string) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(body))}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestWorker(rs *recordStore, doer Doer, sl *sleepRecorder) *Worker {
	w := NewWorker(rs, nil)
	w.HTTP = doer
	w.Sleep = sl.Sleep
	w.Rand = func() float64 { return 0.5 }
	return w
}

func pushEvent() model.Event {
	return model.Event{Kind: model.EventPush, Repository: "acme/repo", Payload: json.RawMessage(`{"ref":"main"}`)}
}

func TestDeliverSuccessAndSignature(t *testing.T) {
	var gotSig, gotKind, gotUA, gotCT, gotDelivery string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotKind = r.Header.Get(HeaderEvent)
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
		_, _ = w.Write([]byte("thanks"))
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, srv.Client(), &sleepRecorder{})
	sub := model.Subscription{ID: "w1", Owner: "u1", TargetURL: srv.URL, Secret: "secret", Status: model.StatusActive}

	a := w.Deliver(context.Background(), sub, pushEvent())

	if a.Status != model.DeliverySuccess || a.ResponseStatus == nil || *a.ResponseStatus != 200 || a.Attempts != 1 {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) || !strings.HasPrefix(gotSig, "sha256=") {
		t.Fatalf("signature does not verify: %q", gotSig)
	}
	if gotKind != "push" || gotUA != DefaultUserAgent || gotCT != "application/json" || gotDelivery != a.LogID {
		t.Fatalf("headers: kind=%q ua=%q ct=%q delivery=%q", gotKind, gotUA, gotCT, gotDelivery)
	}
	var env map[string]any
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env["event_kind"] != "push" || env["repository"] != "acme/repo" || env["pr_number"] != nil {
		t.Fatalf("envelope fields: %v", env)
	}
	if len(rs.appends) != 1 || len(rs.updates) != 1 {
		t.Fatalf("want one append and one update, got %d/%d", len(rs.appends), len(rs.updates))
	}
	row, err := rs.GetLog(context.Background(), a.LogID)
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if row.Status != model.DeliverySuccess || row.ResponseBody != "thanks" || string(row.RequestPayload) != string(gotBody) {
		t.Fatalf("row: %+v", row)
	}
}

func TestDeliverWithoutSecretOmitsSignature(t *testing.T) {
	var headers http.Header
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		headers = r.Header.Clone()
		return respond(204, ""), nil
	})
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, doer, &sleepRecorder{})
	a := w.Deliver(context.Background(), model.Subscription{ID: "w1", TargetURL: "http://example.test/h"}, pushEvent())
	if a.Status != model.DeliverySuccess {
		t.Fatalf("status: %s", a.Status)
	}
	if _, ok := headers[http.CanonicalHeaderKey(HeaderSignature)]; ok {
		t.Fatalf("signature header must be absent without a secret")
	}
}

func TestDeliverTransportFailuresExhaustRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	rs := &recordStore{Memory: store.NewMemory()}
	sl := &sleepRecorder{}
	w := newTestWorker(rs, doer, sl)

	a := w.Deliver(context.Background(), model.Subscription{ID: "w1", Owner: "u1", TargetURL: "http://example.test/h"}, pushEvent())

	if calls != 3 {
		t.Fatalf("want exactly 3 sends, got %d", calls)
	}
	if a.Status != model.DeliveryFailure || a.Attempts != 3 || a.ResponseStatus != nil {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	if !strings.Contains(a.ErrorMessage, "connection refused") {
		t.Fatalf("error message: %q", a.ErrorMessage)
	}
	logs, _ := rs.QueryLogs(context.Background(), model.LogQuery{WebhookID: "w1"})
	if len(logs) != 1 || logs[0].Status != model.DeliveryFailure {
		t.Fatalf("want exactly one failure row, got %+v", logs)
	}
	if len(rs.updates) != 1 {
		t.Fatalf("only the final outcome may update the row, got %d updates", len(rs.updates))
	}
	if len(sl.delays) != 2 || sl.delays[0] != 1100*time.Millisecond || sl.delays[1] != 2200*time.Millisecond {
		t.Fatalf("backoff delays: %v", sl.delays)
	}
}

func TestDeliverRetriesNon2xxThenSucceeds(t *testing.T) {
	codes := []int{500, 429, 200}
	i := 0
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		c := codes[i]
		i++
		return respond(c, ""), nil
	})
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, doer, &sleepRecorder{})
	a := w.Deliver(context.Background(), model.Subscription{ID: "w1", TargetURL: "http://example.test/h"}, pushEvent())
	if a.Status != model.DeliverySuccess || a.Attempts != 3 || *a.ResponseStatus != 200 || a.ErrorMessage != "" {
		t.Fatalf("unexpected attempt: %+v", a)
	}
}

func TestDeliverHTTPErrorMessage(t *testing.T) {
	doer := doerFunc(func(r *http.Request) (*http.Response, error) { return respond(503, "down"), nil })
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, doer, &sleepRecorder{})
	a := w.Deliver(context.Background(), model.Subscription{ID: "w1", TargetURL: "http://example.test/h"}, pushEvent())
	if a.Status != model.DeliveryFailure || *a.ResponseStatus != 503 || a.ErrorMessage != "HTTP 503 Service Unavailable" || a.ResponseBody != "down" {
		t.Fatalf("unexpected attempt: %+v", a)
	}
}

func TestDeliverCancelledDuringBackoffIsFinalized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	doer := doerFunc(func(r *http.Request) (*http.Response, error) {
		cancel()
		return respond(500, ""), nil
	})
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, doer, &sleepRecorder{})
	a := w.Deliver(ctx, model.Subscription{ID: "w1", TargetURL: "http://example.test/h"}, pushEvent())
	if a.Status != model.DeliveryFailure || a.Attempts != 1 || !strings.Contains(a.ErrorMessage, "delivery cancelled") {
		t.Fatalf("unexpected attempt: %+v", a)
	}
	row, _ := rs.GetLog(context.Background(), a.LogID)
	if row.Status != model.DeliveryFailure {
		t.Fatalf("row must not stay pending: %+v", row)
	}
}

func TestDeliverPublishesRowUpdates(t *testing.T) {
	b := broker.NewMemory()
	ch := b.Subscribe("w1")
	defer b.Unsubscribe("w1", ch)
	doer := doerFunc(func(r *http.Request) (*http.Response, error) { return respond(200, ""), nil })
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, doer, &sleepRecorder{})
	w.Broker = b
	w.Deliver(context.Background(), model.Subscription{ID: "w1", TargetURL: "http://example.test/h"}, pushEvent())

	var types []string
	for len(types) < 2 {
		select {
		case evt := <-ch:
			types = append(types, evt.Type)
		case <-time.After(time.Second):
			t.Fatalf("timeout; got %v", types)
		}
	}
	if types[0] != "delivery.pending" || types[1] != "delivery.success" {
		t.Fatalf("event sequence: %v", types)
	}
}

func TestDeliverInvalidPayloadRecordsFailure(t *testing.T) {
	called := false
	doer := doerFunc(func(r *http.Request) (*http.Response, error) { called = true; return respond(200, ""), nil })
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, doer, &sleepRecorder{})
	evt := pushEvent()
	evt.Payload = json.RawMessage(`{broken`)
	a := w.Deliver(context.Background(), model.Subscription{ID: "w1", TargetURL: "http://example.test/h"}, evt)
	if called {
		t.Fatalf("nothing should be sent for an unencodable event")
	}
	if a.Status != model.DeliveryFailure || len(rs.appends) != 1 || len(rs.updates) != 0 {
		t.Fatalf("want a single terminal failure row: %+v appends=%d updates=%d", a, len(rs.appends), len(rs.updates))
	}
}

func TestDeliverStoresTextSafeResponseBody(t *testing.T) {
	cases := []struct {
		name, body, want string
	}{
		{"rune cut at snippet limit", "a" + strings.Repeat("é", 600), "a" + strings.Repeat("é", 511)},
		{"nul and invalid bytes", "ok\x00bin\xff", "okbin�"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := &recordStore{Memory: store.NewMemory()}
			doer := doerFunc(func(*http.Request) (*http.Response, error) { return respond(200, tc.body), nil })
			w := newTestWorker(rs, doer, &sleepRecorder{})

			a := w.Deliver(context.Background(), model.Subscription{ID: "w1", Owner: "u1", TargetURL: "http://example.test"}, pushEvent())

			if a.Status != model.DeliverySuccess {
				t.Fatalf("status = %s", a.Status)
			}
			row, err := rs.GetLog(context.Background(), a.LogID)
			if err != nil {
				t.Fatalf("GetLog: %v", err)
			}
			if !utf8.ValidString(row.ResponseBody) || strings.ContainsRune(row.ResponseBody, 0) {
				t.Fatalf("stored body not storable as text: %q", row.ResponseBody)
			}
			if row.ResponseBody != tc.want {
				t.Fatalf("stored body = %q, want %q", row.ResponseBody, tc.want)
			}
		})
	}
}

func TestDeliverPanicFinalizesPendingRow(t *testing.T) {
	rs := &recordStore{Memory: store.NewMemory()}
	doer := doerFunc(func(*http.Request) (*http.Response, error) { panic("transport exploded") })
	w := newTestWorker(rs, doer, &sleepRecorder{})

	a := w.Deliver(context.Background(), model.Subscription{ID: "w1", Owner: "u1", TargetURL: "http://example.test"}, pushEvent())

	if a.Status != model.DeliveryFailure || !strings.Contains(a.ErrorMessage, "transport exploded") {
		t.Fatalf("attempt = %+v", a)
	}
	row, err := rs.GetLog(context.Background(), a.LogID)
	if err != nil || row.Status != model.DeliveryFailure {
		t.Fatalf("row must be terminal: %+v, %v", row, err)
	}
	if len(rs.appends) != 1 || len(rs.updates) != 1 {
		t.Fatalf("appends=%d updates=%d", len(rs.appends), len(rs.updates))
	}
}
