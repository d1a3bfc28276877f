package store

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"hookrelay/internal/apperr"
	"hookrelay/internal/model"
)

const maxNameLen = 100

func validateTargetURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return apperr.Validation("target_url", "not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperr.Validation("target_url", "scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return apperr.Validation("target_url", "must be absolute with a host")
	}
	return nil
}

func validateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 {
		return apperr.Validation("name", "required")
	}
	if n > maxNameLen {
		return apperr.Validation("name", "must be at most 100 characters")
	}
	return nil
}

// normalizeEvents dedups the filter keeping first occurrence. nil means the
// caller omitted it and defaults to the wildcard.
func normalizeEvents(events []string) ([]string, error) {
	if events == nil {
		return []string{model.EventAll}, nil
	}
	if len(events) == 0 {
		return nil, apperr.Validation("events", "must not be empty")
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.ToLower(strings.TrimSpace(e))
		if !model.IsFilterKind(e) {
			return nil, apperr.Validation("events", "unknown event kind: "+e)
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func normalizeStatus(status string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", model.StatusActive:
		return model.StatusActive, nil
	case model.StatusInactive:
		return model.StatusInactive, nil
	}
	return "", apperr.Validation("status", "must be active or inactive")
}

// prepareInput validates a create payload and returns the normalized form.
func prepareInput(in model.SubscriptionInput) (model.SubscriptionInput, error) {
	if strings.TrimSpace(in.Owner) == "" {
		return in, apperr.Validation("owner", "required")
	}
	if err := validateName(in.Name); err != nil {
		return in, err
	}
	if err := validateTargetURL(in.TargetURL); err != nil {
		return in, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return in, err
	}
	status, err := normalizeStatus(in.Status)
	if err != nil {
		return in, err
	}
	in.Name = strings.TrimSpace(in.Name)
	in.TargetURL = strings.TrimSpace(in.TargetURL)
	in.Repository = strings.TrimSpace(in.Repository)
	in.Events = events
	in.Status = status
	return in, nil
}

// applyPatch merges patch into s and re-validates the result. A non-empty
// secret rotates; an empty repository clears the filter.
func applyPatch(s model.Subscription, patch model.SubscriptionPatch) (model.Subscription, error) {
	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return s, err
		}
		s.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.TargetURL != nil {
		if err := validateTargetURL(*patch.TargetURL); err != nil {
			return s, err
		}
		s.TargetURL = strings.TrimSpace(*patch.TargetURL)
	}
	if patch.Events != nil {
		evs := *patch.Events
		if evs == nil {
			evs = []string{}
		}
		events, err := normalizeEvents(evs)
		if err != nil {
			return s, err
		}
		s.Events = events
	}
	if patch.Repository != nil {
		s.Repository = strings.TrimSpace(*patch.Repository)
	}
	if patch.Secret != nil && *patch.Secret != "" {
		s.Secret = *patch.Secret
		s.HasSecret = true
	}
	if patch.Status != nil {
		status, err := normalizeStatus(*patch.Status)
		if err != nil {
			return s, err
		}
		s.Status = status
	}
	return s, nil
}

func validateResult(res model.DeliveryResult) error {
	if !model.IsTerminal(res.Status) {
		return apperr.Validation("status", "terminal update requires success or failure")
	}
	return nil
}

// clampLimit maps a requested limit onto [1, MaxLogLimit]; zero means the cap.
func clampLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, apperr.Validation("limit", "must be a positive integer")
	}
	if limit == 0 || limit > MaxLogLimit {
		return MaxLogLimit, nil
	}
	return limit, nil
}
