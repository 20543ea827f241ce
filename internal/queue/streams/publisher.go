package streams

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends validated envelopes to a stream.
type Publisher struct {
	client   redis.Cmdable
	registry *Registry
	maxLen   int64
}

// NewPublisher returns a publisher. maxLen > 0 trims the stream approximately.
func NewPublisher(client redis.Cmdable, registry *Registry, maxLen int64) *Publisher {
	return &Publisher{client: client, registry: registry, maxLen: maxLen}
}

// Publish wraps payload in an envelope and appends it to stream, returning
// the envelope's event id.
func (p *Publisher) Publish(ctx context.Context, stream, eventType, version string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		PayloadVersion: version,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}
	if err := p.PublishEnvelope(ctx, stream, env); err != nil {
		return "", err
	}
	return env.EventID, nil
}

func (p *Publisher) PublishEnvelope(ctx context.Context, stream string, env Envelope) error {
	if err := env.check(); err != nil {
		return err
	}
	if p.registry != nil {
		if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	args := &redis.XAddArgs{Stream: stream, Values: map[string]any{"envelope": raw}}
	if p.maxLen > 0 {
		args.MaxLen, args.Approx = p.maxLen, true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}
