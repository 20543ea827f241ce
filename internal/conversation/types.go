// Package conversation processes inbound chat messages: it resolves the
// conversation, deduplicates retried submissions, calls the provider and
// persists the turn with optimistic concurrency.
package conversation

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

type (
	Conversation = store.Conversation
	Message      = store.Message
)

// Request is one inbound user message.
type Request struct {
	UserMessage string
	// ChatID is empty for a first message; the orchestrator then assigns one.
	ChatID         string
	SessionID      string
	IdempotencyKey string
	WidgetID       string
	// StartFresh forces a new conversation even when ChatID is set.
	StartFresh bool
}

// Result is the outcome returned to the caller. IsDuplicate marks replays
// answered from the idempotency ledger without calling the provider.
type Result struct {
	ResponseText string
	ChatID       string
	MessageID    string
	IsDuplicate  bool
	// Version is the conversation version after the write, zero for replays.
	Version int64
}

// Generator produces an assistant reply. *provider.Client satisfies it.
type Generator interface {
	CreateResponse(ctx context.Context, req provider.ResponseRequest) (*provider.GeneratedResponse, error)
}

// ConversationStore is the persistence capability the orchestrator needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, chatID string) (store.Conversation, bool, error)
	InsertConversation(ctx context.Context, c *store.Conversation) error
	UpdateConversationWithVersion(ctx context.Context, c *store.Conversation, expected int64) error
}

// IdempotencyLedger records one outcome per (scope, key).
type IdempotencyLedger interface {
	ClaimIdempotencyKey(ctx context.Context, rec store.IdempotencyRecord) (store.IdempotencyRecord, bool, error)
	GetIdempotencyRecord(ctx context.Context, scope, key string) (store.IdempotencyRecord, bool, error)
	TakeOverIdempotencyKey(ctx context.Context, scope, key string, staleBefore, now time.Time) (bool, error)
	TouchIdempotencyKey(ctx context.Context, scope, key string, now time.Time) error
	RecordIdempotencyOutcome(ctx context.Context, rec store.IdempotencyRecord) error
	CompleteIdempotencyKey(ctx context.Context, scope, key string, now time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, scope, key string) error
}

// Widget carries the per-embedding model settings.
type Widget struct {
	ID           string
	Model        string
	Instructions string
	// Mode is store.ModeChat (continues provider state) or store.ModeSearch
	// (every question stands alone).
	Mode            string
	CollectionID    string
	VectorStoreIDs  []string
	MaxOutputTokens int
}

// WidgetResolver maps a widget id to its settings.
type WidgetResolver interface {
	ResolveWidget(ctx context.Context, widgetID string) (Widget, error)
}
