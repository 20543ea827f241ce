package provider

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const completedResponse = `{
  "id": "resp_abc",
  "object": "response",
  "status": "completed",
  "model": "gpt-4o-mini",
  "output": [
    {"type": "file_search_call", "id": "fs_1", "status": "completed"},
    {"type": "message", "id": "msg_1", "role": "assistant", "content": [
      {"type": "output_text", "text": "X is ", "annotations": []},
      {"type": "output_text", "text": "a letter.", "annotations": []}
    ]}
  ],
  "usage": {"input_tokens": 20, "output_tokens": 5, "total_tokens": 25}
}`

func TestCreateResponseBuildsPayloadAndParsesOutput(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		doc := gjson.ParseBytes(body)
		assert.Equal(t, "gpt-4o-mini", doc.Get("model").String())
		assert.Equal(t, "Be brief.", doc.Get("instructions").String())
		assert.Equal(t, "resp_prev", doc.Get("previous_response_id").String())
		assert.Equal(t, "user", doc.Get("input.0.role").String())
		assert.Equal(t, "What is X?", doc.Get("input.0.content").String())
		assert.Equal(t, "file_search", doc.Get("tools.0.type").String())
		assert.Equal(t, "vs_1", doc.Get("tools.0.vector_store_ids.0").String())
		_, _ = io.WriteString(w, completedResponse)
	}))

	got, err := c.CreateResponse(context.Background(), ResponseRequest{
		Model:              "gpt-4o-mini",
		Instructions:       "Be brief.",
		Input:              []InputMessage{{Role: "user", Content: "What is X?"}},
		PreviousResponseID: "resp_prev",
		VectorStoreIDs:     []string{"vs_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "resp_abc", got.ID)
	assert.Equal(t, "msg_1", got.MessageID)
	assert.Equal(t, "X is a letter.", got.Text)
	assert.Equal(t, Usage{InputTokens: 20, OutputTokens: 5, TotalTokens: 25}, got.Usage)
}

func TestCreateResponseRejectsUnusableBodies(t *testing.T) {
	cases := map[string]string{
		"incomplete": `{"id":"resp_1","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"},"output":[]}`,
		"failed":     `{"id":"resp_1","status":"failed","error":{"code":"server_error","message":"boom"}}`,
		"no text":    `{"id":"resp_1","status":"completed","output":[{"type":"message","content":[]}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			c, fc := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			_, err := c.CreateResponse(context.Background(), ResponseRequest{Model: "m"})
			assert.Equal(t, KindMalformed, KindOf(err))
			assert.Empty(t, fc.Sleeps())
		})
	}
}

func TestCreateResponseFallsBackToOutputText(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"resp_2","status":"completed","output_text":"plain"}`)
	}))
	got, err := c.CreateResponse(context.Background(), ResponseRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "plain", got.Text)
	assert.Equal(t, "resp_2", got.MessageID)
}

func TestCreateResponseRequiresModel(t *testing.T) {
	c := New(Config{})
	_, err := c.CreateResponse(context.Background(), ResponseRequest{})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}
