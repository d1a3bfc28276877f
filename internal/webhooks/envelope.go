package webhooks

import (
	"encoding/json"
	"fmt"

	"hookrelay/internal/model"
)

// Envelope is the fixed JSON body POSTed to every target. Field order is
// part of the wire contract since signatures cover the exact bytes.
type Envelope struct {
	EventKind  string          `json:"event_kind"`
	Repository *string         `json:"repository"`
	PRNumber   *int            `json:"pr_number"`
	Payload    json.RawMessage `json:"payload"`
}

// BuildEnvelope serializes evt. Absent optionals encode as null.
func BuildEnvelope(evt model.Event) ([]byte, error) {
	env := Envelope{EventKind: evt.Kind, PRNumber: evt.PRNumber}
	if evt.Repository != "" {
		repo := evt.Repository
		env.Repository = &repo
	}
	if len(evt.Payload) > 0 {
		if !json.Valid(evt.Payload) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		env.Payload = evt.Payload
	}
	return json.Marshal(env)
}
