package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InputMessage is one turn of conversation history sent to the model.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseRequest is the subset of the /responses payload the gateway uses.
type ResponseRequest struct {
	Model              string
	Instructions       string
	Input              []InputMessage
	PreviousResponseID string
	// VectorStoreIDs enables the file_search tool over these stores.
	VectorStoreIDs  []string
	MaxOutputTokens int
	Temperature     *float64
	Metadata        map[string]string
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// GeneratedResponse is a completed generation.
type GeneratedResponse struct {
	ID        string
	MessageID string
	Model     string
	Text      string
	Usage     Usage
}

// Payload renders the request body.
func (r ResponseRequest) Payload() ([]byte, error) {
	var err error
	doc := []byte(`{}`)
	set := func(path string, v any) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, v)
		}
	}
	set("model", r.Model)
	if r.Instructions != "" {
		set("instructions", r.Instructions)
	}
	input := r.Input
	if input == nil {
		input = []InputMessage{}
	}
	set("input", input)
	if r.PreviousResponseID != "" {
		set("previous_response_id", r.PreviousResponseID)
	}
	if len(r.VectorStoreIDs) > 0 {
		set("tools", []map[string]any{{"type": "file_search", "vector_store_ids": r.VectorStoreIDs}})
	}
	if r.MaxOutputTokens > 0 {
		set("max_output_tokens", r.MaxOutputTokens)
	}
	if r.Temperature != nil {
		set("temperature", *r.Temperature)
	}
	if len(r.Metadata) > 0 {
		set("metadata", r.Metadata)
	}
	return doc, err
}

// CreateResponse calls POST /responses and extracts the assistant text. A
// response that is incomplete, failed or carries no text is malformed.
func (c *Client) CreateResponse(ctx context.Context, req ResponseRequest) (*GeneratedResponse, error) {
	if req.Model == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "model is required"}
	}
	payload, err := req.Payload()
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "encode payload: " + err.Error(), Err: err}
	}
	resp, err := c.Request(ctx, http.MethodPost, "/responses", payload, nil)
	if err != nil {
		return nil, err
	}
	return parseGenerated(resp)
}

func parseGenerated(resp *Response) (*GeneratedResponse, error) {
	doc := gjson.ParseBytes(resp.Body)
	malformed := func(msg string) error {
		return &Error{Kind: KindMalformed, Status: resp.Status, Message: msg, Body: resp.Body}
	}

	switch status := doc.Get("status").String(); status {
	case "incomplete":
		reason := doc.Get("incomplete_details.reason").String()
		if reason == "" {
			reason = "unknown"
		}
		return nil, malformed("response incomplete: " + reason)
	case "failed", "cancelled":
		msg := doc.Get("error.message").String()
		if msg == "" {
			msg = "response " + status
		}
		return nil, malformed(msg)
	}

	out := &GeneratedResponse{
		ID:    doc.Get("id").String(),
		Model: doc.Get("model").String(),
		Usage: Usage{
			InputTokens:  doc.Get("usage.input_tokens").Int(),
			OutputTokens: doc.Get("usage.output_tokens").Int(),
			TotalTokens:  doc.Get("usage.total_tokens").Int(),
		},
	}
	var text strings.Builder
	doc.Get("output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		if out.MessageID == "" {
			out.MessageID = item.Get("id").String()
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "output_text" {
				text.WriteString(part.Get("text").String())
			}
			return true
		})
		return true
	})
	out.Text = text.String()
	if out.Text == "" {
		out.Text = doc.Get("output_text").String()
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, malformed("response has no output text")
	}
	if out.ID == "" {
		return nil, malformed("response has no id")
	}
	if out.MessageID == "" {
		out.MessageID = out.ID
	}
	return out, nil
}
