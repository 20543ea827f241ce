package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant

	ModeChat   = "chat"
	ModeSearch = "search"
)

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Message is one stored turn half.
type Message struct {
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	MessageID      string    `json:"message_id,omitempty"`
	Usage          *Usage    `json:"usage,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Conversation is the persisted aggregate behind one chat id. Version starts
// at 1 and grows by exactly one per successful update.
type Conversation struct {
	ID                 string
	ChatID             string
	SessionID          string
	WidgetID           string
	Mode               string
	Messages           []Message
	PreviousResponseID string
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// ExpiresAt is zero for conversations that never expire.
	ExpiresAt time.Time
}

// Expired reports whether the conversation's expiry has passed at now.
func (c Conversation) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Last returns the trailing message, if any.
func (c Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

const conversationColumns = `id::text, chat_id, session_id, widget_id, mode, messages, previous_response_id, version, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c       Conversation
		raw     []byte
		expires sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.ChatID, &c.SessionID, &c.WidgetID, &c.Mode, &raw, &c.PreviousResponseID, &c.Version, &c.CreatedAt, &c.UpdatedAt, &expires); err != nil {
		return Conversation{}, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c.Messages); err != nil {
			return Conversation{}, fmt.Errorf("decode messages for %s: %w", c.ChatID, err)
		}
	}
	if expires.Valid {
		c.ExpiresAt = expires.Time
	}
	return c, nil
}

// GetConversation loads a conversation by chat id. The bool reports whether it exists.
func (s *Store) GetConversation(ctx context.Context, chatID string) (Conversation, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE chat_id = $1`, chatID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return c, true, nil
}

// InsertConversation writes a new conversation at version 1. A chat id that
// already exists yields ErrDuplicate.
func (s *Store) InsertConversation(ctx context.Context, c *Conversation) error {
	if c.ChatID == "" || c.SessionID == "" {
		return fmt.Errorf("chat_id and session_id are required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Mode == "" {
		c.Mode = ModeChat
	}
	raw, err := encodeMessages(c.Messages)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO conversations (id, chat_id, session_id, widget_id, mode, messages, previous_response_id, version, created_at, updated_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10)`,
		c.ID, c.ChatID, c.SessionID, c.WidgetID, c.Mode, raw, c.PreviousResponseID, c.CreatedAt, c.UpdatedAt, nullTime(c.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	c.Version = 1
	return nil
}

// UpdateConversationWithVersion replaces messages and continuation state only
// if the stored version still equals expected. On success c.Version is the new
// version; a stale expected version yields ErrVersionConflict.
func (s *Store) UpdateConversationWithVersion(ctx context.Context, c *Conversation, expected int64) error {
	raw, err := encodeMessages(c.Messages)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	var version int64
	err = s.DB.QueryRowContext(ctx, `
UPDATE conversations
SET messages = $3, previous_response_id = $4, updated_at = $5, expires_at = $6, version = version + 1
WHERE chat_id = $1 AND version = $2
RETURNING version`,
		c.ChatID, expected, raw, c.PreviousResponseID, c.UpdatedAt, nullTime(c.ExpiresAt)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	c.Version = version
	return nil
}

func encodeMessages(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return raw, nil
}
