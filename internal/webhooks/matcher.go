package webhooks

import "hookrelay/internal/model"

// Matches reports whether s should receive evt: active, kind in the filter
// (or the wildcard), and repository equal when s has a repository filter.
func Matches(evt model.Event, s model.Subscription) bool {
	if !s.Active() {
		return false
	}
	if s.Repository != "" && s.Repository != evt.Repository {
		return false
	}
	for _, k := range s.Events {
		if k == evt.Kind || k == model.EventAll {
			return true
		}
	}
	return false
}

// Match filters subs down to those matching evt, preserving order.
func Match(evt model.Event, subs []model.Subscription) []model.Subscription {
	var out []model.Subscription
	for _, s := range subs {
		if Matches(evt, s) {
			out = append(out, s)
		}
	}
	return out
}
