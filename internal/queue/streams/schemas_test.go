package streams

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRequestedSchema(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	valid, err := json.Marshal(SyncRequested{JobID: "job-1", CollectionID: "col-1", Trigger: TriggerManual, RequestedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, reg.Validate(EventSyncRequested, PayloadV1, valid))

	invalid := []string{
		`{"collection_id":"col-1","trigger":"manual","requested_at":"2025-03-01T12:00:00Z"}`,
		`{"job_id":"job-1","collection_id":"col-1","trigger":"cron","requested_at":"2025-03-01T12:00:00Z"}`,
		`{"job_id":"","collection_id":"col-1","trigger":"manual","requested_at":"2025-03-01T12:00:00Z"}`,
		`not json`,
	}
	for _, raw := range invalid {
		assert.Error(t, reg.Validate(EventSyncRequested, PayloadV1, []byte(raw)), raw)
	}
	assert.Error(t, reg.Validate(EventSyncRequested, "v2", valid))
}

func TestStoreResetSchema(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)
	require.NoError(t, reg.Validate(EventStoreReset, PayloadV1, []byte(`{"collection_id":"c","delete":true,"requested_at":"2025-03-01T12:00:00Z"}`)))
	assert.Error(t, reg.Validate(EventStoreReset, PayloadV1, []byte(`{"delete":true}`)))
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"event_id":"e1","event_type":"collection.sync.requested","payload_version":"v1","attempt":0,"data":{"job_id":"j"}}`))
	require.NoError(t, err)
	var payload SyncRequested
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "j", payload.JobID)

	_, err = DecodeEnvelope([]byte(`{"event_type":"x","payload_version":"v1","data":{}}`))
	assert.ErrorContains(t, err, "event_id")
}
