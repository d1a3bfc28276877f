package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hookrelay/internal/apperr"
	"hookrelay/internal/model"
)

func newSub(t *testing.T, m *Memory, owner, name string, mut func(*model.SubscriptionInput)) model.Subscription {
	t.Helper()
	in := model.SubscriptionInput{Owner: owner, Name: name, TargetURL: "https://example.com/" + name, Events: []string{"push"}}
	if mut != nil {
		mut(&in)
	}
	s, err := m.CreateSubscription(context.Background(), in)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return s
}

func TestCreateValidation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	cases := []struct {
		name string
		in   model.SubscriptionInput
	}{
		{"relative url", model.SubscriptionInput{Owner: "u", Name: "a", TargetURL: "/hook"}},
		{"ftp scheme", model.SubscriptionInput{Owner: "u", Name: "a", TargetURL: "ftp://x.org/h"}},
		{"no host", model.SubscriptionInput{Owner: "u", Name: "a", TargetURL: "http:///path"}},
		{"empty filter", model.SubscriptionInput{Owner: "u", Name: "a", TargetURL: "http://x.org", Events: []string{}}},
		{"unknown kind", model.SubscriptionInput{Owner: "u", Name: "a", TargetURL: "http://x.org", Events: []string{"release"}}},
		{"blank name", model.SubscriptionInput{Owner: "u", Name: "  ", TargetURL: "http://x.org"}},
		{"bad status", model.SubscriptionInput{Owner: "u", Name: "a", TargetURL: "http://x.org", Status: "paused"}},
		{"no owner", model.SubscriptionInput{Name: "a", TargetURL: "http://x.org"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.CreateSubscription(ctx, tc.in); !apperr.IsValidation(err) {
				t.Fatalf("want validation error, got %v", err)
			}
		})
	}
	list, _ := m.ListSubscriptions(ctx, "u")
	if len(list) != 0 {
		t.Fatalf("invalid inputs must not be stored: %+v", list)
	}
}

func TestCreateDefaultsAndRedaction(t *testing.T) {
	m := NewMemory()
	s := newSub(t, m, "u1", "hook", func(in *model.SubscriptionInput) {
		in.Events = nil
		in.Secret = "topsecret"
	})
	if s.ID == "" || s.Status != model.StatusActive {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if len(s.Events) != 1 || s.Events[0] != model.EventAll {
		t.Fatalf("omitted filter should default to all: %v", s.Events)
	}
	if s.Secret != "" || !s.HasSecret {
		t.Fatalf("secret must be redacted but flagged: %+v", s)
	}
	b, _ := json.Marshal(s)
	if strings.Contains(string(b), "topsecret") {
		t.Fatalf("secret leaked in JSON: %s", b)
	}
	got, err := m.GetSubscription(context.Background(), s.ID)
	if err != nil || got.Secret != "" {
		t.Fatalf("get: %v %+v", err, got)
	}
	cands, _ := m.SubscriptionsForEvent(context.Background(), "u1")
	if len(cands) != 1 || cands[0].Secret != "topsecret" {
		t.Fatalf("dispatch path needs the secret: %+v", cands)
	}
}

func TestListInsertionOrderAndOwnerScope(t *testing.T) {
	m := NewMemory()
	a := newSub(t, m, "u1", "a", nil)
	newSub(t, m, "u2", "x", nil)
	b := newSub(t, m, "u1", "b", nil)
	c := newSub(t, m, "u1", "c", nil)
	list, err := m.ListSubscriptions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != a.ID || list[1].ID != b.ID || list[2].ID != c.ID {
		t.Fatalf("order: %+v", list)
	}
	all, _ := m.SubscriptionsForEvent(context.Background(), "")
	if len(all) != 4 {
		t.Fatalf("empty owner should return every subscription, got %d", len(all))
	}
}

func TestUpdatePartialAndSecretRotation(t *testing.T) {
	m := NewMemory()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return clock }
	s := newSub(t, m, "u1", "a", func(in *model.SubscriptionInput) {
		in.Secret = "one"
		in.Repository = "acme/repo"
	})
	ctx := context.Background()

	clock = clock.Add(time.Minute)
	name := "renamed"
	empty := ""
	got, err := m.UpdateSubscription(ctx, s.ID, model.SubscriptionPatch{Name: &name, Secret: &empty})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "renamed" || got.TargetURL != s.TargetURL || got.Repository != "acme/repo" {
		t.Fatalf("unset fields must be unchanged: %+v", got)
	}
	if !got.UpdatedAt.After(s.UpdatedAt) {
		t.Fatalf("updated_at not refreshed")
	}
	cands, _ := m.SubscriptionsForEvent(ctx, "u1")
	if cands[0].Secret != "one" {
		t.Fatalf("empty secret must not rotate, got %q", cands[0].Secret)
	}

	two := "two"
	inactive := model.StatusInactive
	if _, err := m.UpdateSubscription(ctx, s.ID, model.SubscriptionPatch{Secret: &two, Repository: &empty, Status: &inactive}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cands, _ = m.SubscriptionsForEvent(ctx, "u1")
	if cands[0].Secret != "two" || cands[0].Repository != "" || cands[0].Active() {
		t.Fatalf("rotation/clear/status not applied: %+v", cands[0])
	}

	bad := "not a url"
	if _, err := m.UpdateSubscription(ctx, s.ID, model.SubscriptionPatch{TargetURL: &bad}); !apperr.IsValidation(err) {
		t.Fatalf("want validation, got %v", err)
	}
	none := []string{}
	if _, err := m.UpdateSubscription(ctx, s.ID, model.SubscriptionPatch{Events: &none}); !apperr.IsValidation(err) {
		t.Fatalf("empty filter on update: want validation, got %v", err)
	}
	if _, err := m.UpdateSubscription(ctx, "missing", model.SubscriptionPatch{Name: &name}); !apperr.IsNotFound(err) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSub(t, m, "u1", "a", nil)
	if _, err := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: s.ID, Owner: "u1", EventKind: "push"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := m.DeleteSubscription(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteSubscription(ctx, s.ID); !apperr.IsNotFound(err) {
		t.Fatalf("second delete: want not found, got %v", err)
	}
	if _, err := m.GetSubscription(ctx, s.ID); !apperr.IsNotFound(err) {
		t.Fatalf("get after delete: want not found, got %v", err)
	}
	logs, _ := m.QueryLogs(ctx, model.LogQuery{WebhookID: s.ID})
	if len(logs) != 1 {
		t.Fatalf("history must survive delete, got %d rows", len(logs))
	}
}

func TestUpdateTerminalIsOneShot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: "w1", Owner: "u1", EventKind: "push"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	row, _ := m.GetLog(ctx, id)
	if row.Status != model.DeliveryPending {
		t.Fatalf("new rows start pending, got %s", row.Status)
	}
	if err := m.UpdateTerminal(ctx, id, model.DeliveryResult{Status: model.DeliveryPending}); !apperr.IsValidation(err) {
		t.Fatalf("pending is not terminal: %v", err)
	}
	if err := m.UpdateTerminal(ctx, id, model.DeliveryResult{Status: model.DeliverySuccess, ResponseStatus: model.IntPtr(200), Attempts: 1}); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	err = m.UpdateTerminal(ctx, id, model.DeliveryResult{Status: model.DeliveryFailure, ErrorMessage: "late"})
	if !apperr.IsStateConflict(err) {
		t.Fatalf("second finalize: want state conflict, got %v", err)
	}
	row, _ = m.GetLog(ctx, id)
	if row.Status != model.DeliverySuccess || row.ErrorMessage != "" || *row.ResponseStatus != 200 || row.CompletedAt == nil {
		t.Fatalf("row changed by losing finalize: %+v", row)
	}
	if err := m.UpdateTerminal(ctx, "nope", model.DeliveryResult{Status: model.DeliverySuccess}); !apperr.IsNotFound(err) {
		t.Fatalf("unknown id: want not found, got %v", err)
	}
}

func TestUpdateTerminalConcurrentSingleWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: "w1", Owner: "u1", EventKind: "push"})
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.UpdateTerminal(ctx, id, model.DeliveryResult{Status: model.DeliveryFailure})
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.IsStateConflict(err):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || conflicts.Load() != 15 {
		t.Fatalf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	}
}

func TestQueryLogsNewestFirstAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	add := func(webhook string, offset time.Duration) string {
		id, err := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: webhook, Owner: "u1", EventKind: "push", CreatedAt: base.Add(offset)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		return id
	}
	add("w1", 0)
	add("w2", time.Second)
	second := add("w1", 2*time.Second)
	third := add("w1", 3*time.Second)

	got, err := m.QueryLogs(ctx, model.LogQuery{WebhookID: "w1", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].LogID != third || got[1].LogID != second {
		t.Fatalf("want [third, second], got %+v", got)
	}

	all, _ := m.QueryLogs(ctx, model.LogQuery{Owner: "u1"})
	if len(all) != 4 {
		t.Fatalf("owner scope: got %d", len(all))
	}
	other, _ := m.QueryLogs(ctx, model.LogQuery{Owner: "u2"})
	if len(other) != 0 {
		t.Fatalf("other owner must see nothing, got %d", len(other))
	}
	if _, err := m.QueryLogs(ctx, model.LogQuery{Limit: -1}); !apperr.IsValidation(err) {
		t.Fatalf("negative limit: want validation, got %v", err)
	}
}

func TestQueryLogsCap(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < MaxLogLimit+5; i++ {
		if _, err := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: "w1", Owner: "u1", EventKind: "issue"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, _ := m.QueryLogs(ctx, model.LogQuery{WebhookID: "w1"})
	if len(got) != MaxLogLimit {
		t.Fatalf("unbounded query must cap at %d, got %d", MaxLogLimit, len(got))
	}
	got, _ = m.QueryLogs(ctx, model.LogQuery{WebhookID: "w1", Limit: MaxLogLimit * 2})
	if len(got) != MaxLogLimit {
		t.Fatalf("oversized limit must clamp, got %d", len(got))
	}
}

func TestAppendLogValidation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if _, err := m.AppendLog(ctx, model.DeliveryAttempt{EventKind: "push"}); !apperr.IsValidation(err) {
		t.Fatalf("missing webhook id: %v", err)
	}
	if _, err := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: "w", EventKind: "all"}); !apperr.IsValidation(err) {
		t.Fatalf("wildcard is not an event kind: %v", err)
	}
	id, err := m.AppendLog(ctx, model.DeliveryAttempt{WebhookID: "w", EventKind: "push", Status: model.DeliveryFailure, ErrorMessage: "dispatch queue saturated"})
	if err != nil {
		t.Fatalf("terminal append: %v", err)
	}
	row, _ := m.GetLog(ctx, id)
	if row.CompletedAt == nil {
		t.Fatalf("terminal rows get completed_at")
	}
}

