// Package ingest turns third-party webhook deliveries into domain events.
package ingest

import (
	"encoding/json"
	"errors"

	"hookrelay/internal/apperr"
	"hookrelay/internal/model"
	"hookrelay/internal/webhooks"
)

// GitHub request headers.
const (
	HeaderGitHubEvent     = "X-GitHub-Event"
	HeaderGitHubSignature = "X-Hub-Signature-256"
	HeaderGitHubDelivery  = "X-GitHub-Delivery"
)

// ErrIgnored is returned for GitHub events that have no domain kind.
var ErrIgnored = errors.New("event ignored")

var githubKinds = map[string]string{
	"pull_request":                model.EventPullRequest,
	"push":                        model.EventPush,
	"issues":                      model.EventIssue,
	"issue_comment":               model.EventComment,
	"pull_request_review_comment": model.EventComment,
}

// GitHubKind maps an X-GitHub-Event value to an event kind.
func GitHubKind(event string) (string, bool) {
	k, ok := githubKinds[event]
	return k, ok
}

// GitHub verifies and parses GitHub webhook deliveries. With an empty
// Secret signatures are not checked.
type GitHub struct {
	Secret string
}

// Verify checks the X-Hub-Signature-256 value against the raw body. A
// missing signature fails when a secret is configured.
func (g GitHub) Verify(body []byte, signature string) error {
	if g.Secret == "" {
		return nil
	}
	if !webhooks.VerifyHMAC(g.Secret, body, signature) {
		return apperr.Unauthorized("invalid GitHub signature")
	}
	return nil
}

type githubPayload struct {
	Number     *int `json:"number"`
	Repository *struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest *struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Issue *struct {
		Number      int             `json:"number"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
}

// Parse builds the event for one delivery. The raw body becomes the
// payload; owner scopes dispatch ("" reaches every owner).
func (g GitHub) Parse(event string, body []byte, owner string) (model.Event, error) {
	kind, ok := GitHubKind(event)
	if !ok {
		return model.Event{}, ErrIgnored
	}
	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return model.Event{}, apperr.Validation("body", "must be a JSON object")
	}
	evt := model.Event{
		Kind:    kind,
		Payload: json.RawMessage(body),
		Owner:   owner,
	}
	if p.Repository != nil {
		evt.Repository = p.Repository.FullName
	}
	evt.PRNumber = prNumber(event, p)
	return evt, nil
}

func prNumber(event string, p githubPayload) *int {
	switch event {
	case "pull_request", "pull_request_review_comment":
		if p.PullRequest != nil && p.PullRequest.Number > 0 {
			return model.IntPtr(p.PullRequest.Number)
		}
		if p.Number != nil && *p.Number > 0 {
			return model.IntPtr(*p.Number)
		}
	case "issue_comment":
		// comments on pull requests arrive as issue comments
		if p.Issue != nil && len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null" {
			return model.IntPtr(p.Issue.Number)
		}
	}
	return nil
}
