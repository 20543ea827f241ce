package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/chatbridge/internal/logging"
)

// Message is a decoded stream entry awaiting Ack.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer reads one stream as a member of a consumer group. Entries that
// fail to decode or validate are acknowledged and dropped.
type Consumer struct {
	client   redis.Cmdable
	registry *Registry
	stream   string
	group    string
	name     string
	log      *slog.Logger
}

func NewConsumer(client redis.Cmdable, registry *Registry, stream, group, name string, log *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		registry: registry,
		stream:   stream,
		group:    group,
		name:     name,
		log:      logging.OrDiscard(log).With(logging.Component("streams"), "stream", stream, "group", group),
	}
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Read returns up to count new entries, blocking up to block.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", c.stream, err)
	}
	var out []Message
	for _, s := range res {
		out = append(out, c.decode(ctx, s.Messages)...)
	}
	return out, nil
}

// Reclaim takes over entries another consumer left pending longer than minIdle.
func (c *Consumer) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    "0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", c.stream, err)
	}
	return c.decode(ctx, msgs), nil
}

func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", c.stream, err)
	}
	return nil
}

func (c *Consumer) decode(ctx context.Context, entries []redis.XMessage) []Message {
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		env, err := c.envelope(e)
		if err != nil {
			c.log.Warn("dropping undecodable entry", "id", e.ID, logging.Err(err))
			_ = c.Ack(ctx, e.ID)
			continue
		}
		out = append(out, Message{ID: e.ID, Envelope: env})
	}
	return out
}

func (c *Consumer) envelope(e redis.XMessage) (Envelope, error) {
	var raw []byte
	switch v := e.Values["envelope"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return Envelope{}, fmt.Errorf("entry has no envelope field")
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return env, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return env, err
		}
	}
	return env, nil
}

// Lag reports pending and undelivered counts of the consumer group.
type Lag struct {
	Pending    int64
	Lag        int64
	OldestIdle time.Duration
}

func (c *Consumer) Lag(ctx context.Context) (Lag, error) {
	groups, err := c.client.XInfoGroups(ctx, c.stream).Result()
	if err != nil {
		return Lag{}, fmt.Errorf("xinfo groups %s: %w", c.stream, err)
	}
	out := Lag{Lag: -1}
	for _, g := range groups {
		if g.Name == c.group {
			out.Pending, out.Lag = g.Pending, g.Lag
			break
		}
	}
	if out.Pending > 0 {
		pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: c.stream, Group: c.group, Start: "-", End: "+", Count: 1,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Lag{}, fmt.Errorf("xpending %s: %w", c.stream, err)
		}
		if len(pending) > 0 {
			out.OldestIdle = pending[0].Idle
		}
	}
	return out, nil
}
