package conversation

import (
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/chatbridge/internal/provider"
)

var (
	ErrInvalidRequest  = errors.New("conversation: invalid request")
	ErrUnknownWidget   = errors.New("conversation: unknown widget")
	ErrSessionMismatch = errors.New("conversation: chat belongs to another session")
	// ErrConversationBusy means the conversation ends with a recent unanswered
	// user message, so another request is still being processed.
	ErrConversationBusy = errors.New("conversation: another message is being processed")
	// ErrRequestInProgress means the same idempotency key is held by a request
	// that did not settle within the duplicate wait.
	ErrRequestInProgress = errors.New("conversation: request with this idempotency key is in progress")
	ErrKeyReused         = errors.New("conversation: idempotency key reused for a different message")
	// ErrPersistConflict is returned when the conditional update lost twice.
	ErrPersistConflict = errors.New("conversation: concurrent update conflict")
)

// SaveError reports a persistence failure after the provider answered. When
// the request carried an idempotency key the answer is also in the ledger and
// a retry with that key returns it; without a key a retry asks again.
type SaveError struct {
	ChatID       string
	ResponseText string
	MessageID    string
	Err          error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save conversation %s: %v", e.ChatID, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// Kind is the error classification that crosses the package boundary.
type Kind string

const (
	KindNone             Kind = ""
	KindInvalidRequest   Kind = "invalid_request"
	KindUnknownWidget    Kind = "unknown_widget"
	KindSessionMismatch  Kind = "session_mismatch"
	KindBusy             Kind = "conversation_busy"
	KindInProgress       Kind = "request_in_progress"
	KindKeyReused        Kind = "idempotency_key_reused"
	KindConflict         Kind = "persist_conflict"
	KindSaveFailed       Kind = "save_failed"
	KindAuthentication   Kind = "provider_authentication"
	KindQuota            Kind = "provider_quota"
	KindRateLimited      Kind = "rate_limited"
	KindUnavailable      Kind = "service_unavailable"
	KindMalformed        Kind = "bad_provider_response"
	KindProviderRejected Kind = "provider_rejected"
	KindInternal         Kind = "internal"
)

// KindOf classifies err. Provider failures keep their taxonomy; anything
// unrecognised is internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrUnknownWidget):
		return KindUnknownWidget
	case errors.Is(err, ErrSessionMismatch):
		return KindSessionMismatch
	case errors.Is(err, ErrConversationBusy):
		return KindBusy
	case errors.Is(err, ErrRequestInProgress):
		return KindInProgress
	case errors.Is(err, ErrKeyReused):
		return KindKeyReused
	case errors.Is(err, ErrPersistConflict):
		return KindConflict
	}
	var se *SaveError
	if errors.As(err, &se) {
		return KindSaveFailed
	}
	switch provider.KindOf(err) {
	case provider.KindAuthentication:
		return KindAuthentication
	case provider.KindQuota:
		return KindQuota
	case provider.KindRateLimit:
		return KindRateLimited
	case provider.KindServer, provider.KindNetwork, provider.KindUnavailable:
		return KindUnavailable
	case provider.KindMalformed:
		return KindMalformed
	case provider.KindInvalidRequest, provider.KindNotFound:
		return KindProviderRejected
	}
	return KindInternal
}

// UserMessage is the text shown to end users for a kind. Raw provider text is
// never part of it.
func UserMessage(k Kind) string {
	switch k {
	case KindNone:
		return ""
	case KindInvalidRequest:
		return "The message could not be processed. Please check it and try again."
	case KindUnknownWidget:
		return "This chat is not configured."
	case KindSessionMismatch:
		return "This conversation belongs to another session."
	case KindBusy, KindInProgress:
		return "Your previous message is still being answered. Please wait a moment."
	case KindKeyReused:
		return "This request was already used for a different message."
	case KindConflict:
		return "The conversation changed while your answer was being saved. Please send your message again."
	case KindSaveFailed:
		return "Your answer could not be saved. Please send your message again."
	case KindAuthentication, KindQuota:
		return "The assistant is temporarily unavailable. Please try again later."
	case KindRateLimited:
		return "The assistant is receiving too many requests. Please try again shortly."
	case KindUnavailable:
		return "The assistant is not responding right now. Please try again later."
	case KindMalformed:
		return "The assistant returned an incomplete answer. Please rephrase or try again."
	case KindProviderRejected:
		return "The assistant could not answer this request."
	default:
		return "Something went wrong. Please try again."
	}
}
