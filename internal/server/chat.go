package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/chatbridge/internal/conversation"
	"github.com/mohammad-safakhou/chatbridge/internal/runtime"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

// ChatService processes one inbound message. *conversation.Orchestrator satisfies it.
type ChatService interface {
	Process(ctx context.Context, req conversation.Request) (conversation.Result, error)
}

type TranscriptStore interface {
	GetConversation(ctx context.Context, chatID string) (store.Conversation, bool, error)
}

type ChatHandler struct {
	Chat        ChatService
	Transcripts TranscriptStore
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("/messages", h.send)
	g.GET("/:chat_id", h.transcript)
}

// send
//
//	@Summary		Send a chat message
//	@Description	Answers one user message. Retries carrying the same idempotency key return the first answer with is_duplicate=true.
//	@Tags			chat
//	@Security		BearerAuth
//	@Accept			json
//	@Produce		json
//	@Param			Idempotency-Key	header		string				false	"Idempotency key (alternative to the body field)"
//	@Param			payload			body		SendMessageRequest	true	"Message"
//	@Success		200				{object}	SendMessageResponse
//	@Failure		400				{object}	ErrorBody
//	@Failure		409				{object}	ErrorBody
//	@Failure		429				{object}	ErrorBody
//	@Failure		503				{object}	ErrorBody
//	@Router			/api/chat/messages [post]
func (h *ChatHandler) send(c echo.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
	}
	sess, _ := runtime.SessionFromContext(c.Request().Context())

	res, err := h.Chat.Process(c.Request().Context(), conversation.Request{
		UserMessage:    req.Message,
		ChatID:         req.ChatID,
		SessionID:      sess.ID,
		IdempotencyKey: req.IdempotencyKey,
		WidgetID:       req.WidgetID,
		StartFresh:     req.StartFresh,
	})
	if err != nil {
		return chatError(c, err)
	}
	return c.JSON(http.StatusOK, SendMessageResponse{
		Response:    res.ResponseText,
		ChatID:      res.ChatID,
		MessageID:   res.MessageID,
		IsDuplicate: res.IsDuplicate,
	})
}

// transcript returns a conversation to the session that owns it.
func (h *ChatHandler) transcript(c echo.Context) error {
	conv, found, err := h.Transcripts.GetConversation(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	sess, _ := runtime.SessionFromContext(c.Request().Context())
	if conv.SessionID != sess.ID {
		return echo.NewHTTPError(http.StatusForbidden, conversation.UserMessage(conversation.KindSessionMismatch))
	}
	out := TranscriptResponse{
		ChatID:   conv.ChatID,
		WidgetID: conv.WidgetID,
		Mode:     conv.Mode,
		Version:  conv.Version,
		Messages: make([]TranscriptMessage, 0, len(conv.Messages)),
	}
	if !conv.ExpiresAt.IsZero() {
		exp := conv.ExpiresAt
		out.ExpiresAt = &exp
	}
	for _, m := range conv.Messages {
		out.Messages = append(out.Messages, TranscriptMessage{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp, MessageID: m.MessageID})
	}
	return c.JSON(http.StatusOK, out)
}
