package server

import "time"

// ErrorBody is the error envelope every failed request returns.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	// Detail carries the internal error text for diagnostics sessions only.
	Detail string `json:"detail,omitempty"`
}

// SendMessageRequest is one user message from a widget.
type SendMessageRequest struct {
	Message        string `json:"message"`
	ChatID         string `json:"chat_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	WidgetID       string `json:"widget_id"`
	StartFresh     bool   `json:"start_fresh,omitempty"`
}

type SendMessageResponse struct {
	Response    string `json:"response"`
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id,omitempty"`
	IsDuplicate bool   `json:"is_duplicate"`
}

type TranscriptMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id,omitempty"`
}

type TranscriptResponse struct {
	ChatID    string              `json:"chat_id"`
	WidgetID  string              `json:"widget_id"`
	Mode      string              `json:"mode"`
	Version   int64               `json:"version"`
	Messages  []TranscriptMessage `json:"messages"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

type CreateCollectionRequest struct {
	Name     string `json:"name"`
	SyncCron string `json:"sync_cron,omitempty"`
}

type CollectionResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	VectorStoreID string    `json:"vector_store_id,omitempty"`
	SyncCron      string    `json:"sync_cron,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TrainingItemInput is prepared content for one item. Format "html" strips
// markup before the item is stored; the default is plain text.
type TrainingItemInput struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Format  string `json:"format,omitempty"`
}

type UpsertItemsRequest struct {
	Items []TrainingItemInput `json:"items"`
}

type ItemStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type UpsertItemsResponse struct {
	Items []ItemStatus `json:"items"`
}

type SyncJobResponse struct {
	ID           string     `json:"id"`
	CollectionID string     `json:"collection_id"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Errors       int        `json:"errors"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// AcceptedResponse acknowledges queued store maintenance.
type AcceptedResponse struct {
	CollectionID string `json:"collection_id"`
	Action       string `json:"action"`
}
