package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/queue/streams"
)

// LocalPublisher hands events straight to an in-process processor. It stands
// in for Redis on single-node deployments; events are lost on exit.
type LocalPublisher struct {
	proc     *Processor
	registry *streams.Registry
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewLocalPublisher runs handled events under ctx. registry may be nil.
func NewLocalPublisher(ctx context.Context, proc *Processor, registry *streams.Registry) *LocalPublisher {
	return &LocalPublisher{proc: proc, registry: registry, ctx: ctx}
}

func (l *LocalPublisher) Publish(_ context.Context, _, eventType, version string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	if l.registry != nil {
		if err := l.registry.Validate(eventType, version, data); err != nil {
			return "", err
		}
	}
	env := streams.Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		PayloadVersion: version,
		OccurredAt:     time.Now().UTC(),
		Data:           data,
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.proc.Handle(l.ctx, streams.Message{ID: env.EventID, Envelope: env}); err != nil {
			l.proc.log.Error("event failed", "event_id", env.EventID, "event_type", eventType, logging.Err(err))
		}
	}()
	return env.EventID, nil
}

// Wait blocks until every published event has been handled.
func (l *LocalPublisher) Wait() { l.wg.Wait() }
