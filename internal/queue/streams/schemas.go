package streams

import (
	"fmt"
	"time"
)

const (
	// SyncStream is the stream sync jobs are queued on.
	SyncStream = "chatbridge:sync"

	EventSyncRequested = "collection.sync.requested"
	EventStoreReset    = "collection.store.reset"
	PayloadV1          = "v1"
)

// SyncRequested asks a worker to run one sync job.
type SyncRequested struct {
	JobID        string    `json:"job_id"`
	CollectionID string    `json:"collection_id"`
	Trigger      string    `json:"trigger"`
	RequestedAt  time.Time `json:"requested_at"`
}

// StoreReset asks a worker to empty a collection's store, optionally
// deleting it.
type StoreReset struct {
	CollectionID string    `json:"collection_id"`
	Delete       bool      `json:"delete"`
	RequestedAt  time.Time `json:"requested_at"`
}

const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

var definitions = []struct {
	eventType, version string
	schema             string
}{
	{EventSyncRequested, PayloadV1, `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "collection_id", "trigger", "requested_at"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "collection_id": {"type": "string", "minLength": 1},
    "trigger": {"type": "string", "enum": ["manual", "schedule"]},
    "requested_at": {"type": "string", "format": "date-time"}
  }
}`},
	{EventStoreReset, PayloadV1, `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["collection_id", "requested_at"],
  "properties": {
    "collection_id": {"type": "string", "minLength": 1},
    "delete": {"type": "boolean"},
    "requested_at": {"type": "string", "format": "date-time"}
  }
}`},
}

// DefaultRegistry returns a registry with every event this service emits.
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, d := range definitions {
		if err := r.Register(d.eventType, d.version, []byte(d.schema)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", d.eventType, d.version, err)
		}
	}
	return r, nil
}
