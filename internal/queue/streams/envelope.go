// Package streams carries sync job events over Redis Streams. Every payload
// is validated against a registered JSON schema on publish and on read.
package streams

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Envelope wraps one event as stored in the stream's "envelope" field.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	PayloadVersion string          `json:"payload_version"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Attempt        int             `json:"attempt"`
	Data           json.RawMessage `json:"data"`
}

func (e *Envelope) check() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("envelope: event_id is required")
	case e.EventType == "":
		return fmt.Errorf("envelope: event_type is required")
	case e.PayloadVersion == "":
		return fmt.Errorf("envelope: payload_version is required")
	case e.Attempt < 0:
		return fmt.Errorf("envelope: attempt must be >= 0")
	case len(e.Data) == 0:
		return fmt.Errorf("envelope: data is required")
	}
	return nil
}

// DecodeEnvelope parses and checks an encoded envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, env.check()
}

// Decode unmarshals the payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}
