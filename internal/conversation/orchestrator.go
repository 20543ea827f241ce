package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
	"github.com/mohammad-safakhou/chatbridge/internal/provider"
	"github.com/mohammad-safakhou/chatbridge/internal/store"
)

const (
	DefaultStalePendingAfter = 5 * time.Minute
	DefaultDuplicateWait     = 30 * time.Second
	DefaultDuplicatePoll     = 500 * time.Millisecond
	// DefaultClaimTTL exceeds a provider call on default settings: four 5m
	// attempts plus backoff. Holders refresh the claim before every call.
	DefaultClaimTTL        = 30 * time.Minute
	DefaultHistoryMessages = 20

	MaxMessageLength = 16000
	MaxKeyLength     = 255
)

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option      { return func(o *Orchestrator) { o.clock = c } }
func WithLogger(l *slog.Logger) Option    { return func(o *Orchestrator) { o.log = l } }
func WithMetrics(m *Metrics) Option       { return func(o *Orchestrator) { o.metrics = m } }
func WithChatIDs(fn func() string) Option { return func(o *Orchestrator) { o.newChatID = fn } }

// WithStalePendingAfter sets the age after which an unanswered trailing user
// message is answered before the new turn.
func WithStalePendingAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

// WithDuplicateWait bounds how long a request waits on a pending claim for the
// same idempotency key, polling every poll.
func WithDuplicateWait(wait, poll time.Duration) Option {
	return func(o *Orchestrator) { o.dupWait, o.dupPoll = wait, poll }
}

// WithClaimTTL sets the age after which a pending claim is considered
// abandoned. It must exceed the longest provider call including retries.
func WithClaimTTL(d time.Duration) Option { return func(o *Orchestrator) { o.claimTTL = d } }

// WithConversationTTL sets conversation and ledger expiry. Zero keeps them forever.
func WithConversationTTL(d time.Duration) Option { return func(o *Orchestrator) { o.convTTL = d } }

// WithHistoryMessages caps the history resent when no continuation handle exists.
func WithHistoryMessages(n int) Option { return func(o *Orchestrator) { o.history = n } }

// Orchestrator runs the per-message saga:
//
//	resolve context -> check idempotency -> (duplicate | recover stale -> call provider -> record -> persist -> complete)
type Orchestrator struct {
	gen     Generator
	convs   ConversationStore
	ledger  IdempotencyLedger
	widgets WidgetResolver

	clock   clock.Clock
	log     *slog.Logger
	metrics *Metrics

	staleAfter time.Duration
	dupWait    time.Duration
	dupPoll    time.Duration
	claimTTL   time.Duration
	convTTL    time.Duration
	history    int
	newChatID  func() string
}

func NewOrchestrator(gen Generator, convs ConversationStore, ledger IdempotencyLedger, widgets WidgetResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gen:        gen,
		convs:      convs,
		ledger:     ledger,
		widgets:    widgets,
		staleAfter: DefaultStalePendingAfter,
		dupWait:    DefaultDuplicateWait,
		dupPoll:    DefaultDuplicatePoll,
		claimTTL:   DefaultClaimTTL,
		history:    DefaultHistoryMessages,
		newChatID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.dupPoll <= 0 {
		o.dupPoll = DefaultDuplicatePoll
	}
	if o.claimTTL <= 0 {
		o.claimTTL = DefaultClaimTTL
	}
	o.log = logging.OrDiscard(o.log).With(logging.Component("conversation"))
	return o
}

// turn is the working state of one Process call.
type turn struct {
	req     Request
	widget  Widget
	started time.Time

	chatID string
	conv   Conversation
	exists bool

	scope string
	key   string
	hash  string
	// claimed: this call holds the ledger row. generated: the provider answered.
	claimed   bool
	generated bool
	// answeredElsewhere: another holder of the key recorded the answer first.
	answeredElsewhere bool
}

// Process handles one inbound message.
func (o *Orchestrator) Process(ctx context.Context, req Request) (res Result, err error) {
	defer func() { o.metrics.outcome(res, err) }()

	req, err = normalize(req)
	if err != nil {
		return Result{}, err
	}
	widget, err := o.widgets.ResolveWidget(ctx, req.WidgetID)
	if err != nil {
		return Result{}, err
	}
	t := &turn{req: req, widget: widget, started: o.clock.Now()}

	if err := o.resolveContext(ctx, t); err != nil {
		return Result{}, err
	}
	if t.key != "" {
		defer o.releaseUnfinished(ctx, t)
		res, done, err := o.checkIdempotency(ctx, t)
		if err != nil || done {
			return res, err
		}
	}
	if err := o.recoverStalePending(ctx, t); err != nil {
		return Result{}, err
	}
	gen, err := o.callProvider(ctx, t)
	if err != nil {
		o.log.Warn("provider call failed", "chat_id", t.chatID, "kind", provider.KindOf(err), logging.Err(err))
		return Result{}, err
	}
	gen = o.recordOutcome(ctx, t, gen)
	conv, answer, err := o.persist(ctx, t, gen)
	if err != nil {
		o.log.Error("answer generated but not saved", "chat_id", t.chatID, "message_id", gen.MessageID, logging.Err(err))
		return Result{}, &SaveError{ChatID: t.chatID, ResponseText: gen.Text, MessageID: gen.MessageID, Err: err}
	}
	o.complete(ctx, t)

	o.log.Info("message processed", "chat_id", t.chatID, "version", conv.Version, "messages", len(conv.Messages))
	return Result{
		ResponseText: answer.Content,
		ChatID:       t.chatID,
		MessageID:    answer.MessageID,
		Version:      conv.Version,
		IsDuplicate:  t.answeredElsewhere || answer.MessageID != gen.MessageID,
	}, nil
}

func normalize(req Request) (Request, error) {
	req.UserMessage = strings.TrimSpace(req.UserMessage)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.UserMessage == "":
		return req, fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	case utf8.RuneCountInString(req.UserMessage) > MaxMessageLength:
		return req, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidRequest, MaxMessageLength)
	case req.SessionID == "":
		return req, fmt.Errorf("%w: session is required", ErrInvalidRequest)
	case len(req.IdempotencyKey) > MaxKeyLength:
		return req, fmt.Errorf("%w: idempotency key exceeds %d bytes", ErrInvalidRequest, MaxKeyLength)
	}
	return req, nil
}

// resolveContext decides between a new and a continuing conversation and
// checks that the caller's session owns it.
func (o *Orchestrator) resolveContext(ctx context.Context, t *turn) error {
	if t.req.StartFresh || t.req.ChatID == "" {
		t.chatID = o.newChatID()
	} else {
		conv, found, err := o.convs.GetConversation(ctx, t.req.ChatID)
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		switch {
		case !found:
			t.chatID = t.req.ChatID
		case conv.SessionID != t.req.SessionID:
			return ErrSessionMismatch
		case conv.Expired(t.started):
			t.chatID = o.newChatID()
			o.log.Info("conversation expired, starting a new one", "chat_id", conv.ChatID, "new_chat_id", t.chatID)
		default:
			t.chatID, t.conv, t.exists = conv.ChatID, conv, true
		}
	}

	if t.req.IdempotencyKey != "" {
		t.key = t.req.IdempotencyKey
		t.hash = requestHash(t.req)
		if t.req.ChatID != "" && !t.req.StartFresh {
			t.scope = t.req.ChatID
		} else {
			t.scope = "session:" + t.req.SessionID
		}
	}
	return nil
}

func requestHash(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.WidgetID))
	h.Write([]byte{0})
	h.Write([]byte(req.UserMessage))
	return hex.EncodeToString(h.Sum(nil))
}

// checkIdempotency claims the key or answers from the ledger. done reports
// that res is final and no provider call must happen.
func (o *Orchestrator) checkIdempotency(ctx context.Context, t *turn) (res Result, done bool, err error) {
	deadline := t.started.Add(o.dupWait)
	for {
		now := o.clock.Now()
		rec, claimed, err := o.ledger.ClaimIdempotencyKey(ctx, store.IdempotencyRecord{
			Scope:       t.scope,
			Key:         t.key,
			RequestHash: t.hash,
			ChatID:      t.chatID,
			CreatedAt:   now,
			ExpiresAt:   o.expiry(now),
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			// released between insert and read; try again
		case err != nil:
			return Result{}, true, fmt.Errorf("claim idempotency key: %w", err)
		case claimed:
			t.claimed = true
			return o.replayFromConversation(ctx, t)
		case rec.RequestHash != "" && rec.RequestHash != t.hash:
			return Result{}, true, ErrKeyReused
		case rec.Status == store.IdempotencyCompleted:
			o.log.Info("duplicate request answered from ledger", "chat_id", rec.ChatID, "scope", t.scope)
			return duplicateOf(rec, t), true, nil
		case rec.Status == store.IdempotencyGenerated:
			res, err := o.finishGenerated(ctx, t, rec)
			return res, true, err
		default:
			staleBefore := now.Add(-o.claimTTL)
			if rec.UpdatedAt.Before(staleBefore) {
				won, err := o.ledger.TakeOverIdempotencyKey(ctx, t.scope, t.key, staleBefore, now)
				if err != nil {
					return Result{}, true, fmt.Errorf("take over idempotency key: %w", err)
				}
				if won {
					o.log.Warn("taking over abandoned idempotency claim", "scope", t.scope, "chat_id", rec.ChatID, "claimed_at", rec.UpdatedAt)
					t.claimed = true
					if err := o.adopt(ctx, t, rec.ChatID); err != nil {
						return Result{}, true, err
					}
					return o.replayFromConversation(ctx, t)
				}
			}
		}
		if !o.clock.Now().Before(deadline) {
			return Result{}, true, ErrRequestInProgress
		}
		if err := o.clock.Sleep(ctx, o.dupPoll); err != nil {
			return Result{}, true, err
		}
	}
}

// replayFromConversation covers ledger rows lost or scoped differently: if the
// conversation already holds the turn for this key, it is returned as a duplicate.
func (o *Orchestrator) replayFromConversation(ctx context.Context, t *turn) (Result, bool, error) {
	if !t.exists {
		return Result{}, false, nil
	}
	answer, ok := findTurn(t.conv.Messages, t.key)
	if !ok {
		return Result{}, false, nil
	}
	t.generated = true
	o.recordOutcome(ctx, t, &provider.GeneratedResponse{MessageID: answer.MessageID, Text: answer.Content})
	o.complete(ctx, t)
	return Result{ResponseText: answer.Content, ChatID: t.chatID, MessageID: answer.MessageID, IsDuplicate: true}, true, nil
}

// finishGenerated completes a turn whose answer reached the ledger but maybe
// not the conversation, then replies with the stored answer.
func (o *Orchestrator) finishGenerated(ctx context.Context, t *turn, rec store.IdempotencyRecord) (Result, error) {
	if err := o.adopt(ctx, t, rec.ChatID); err != nil {
		return Result{}, err
	}
	gen := &provider.GeneratedResponse{ID: rec.ResponseID, MessageID: rec.MessageID, Text: rec.ResponseText}
	_, answer, err := o.persist(ctx, t, gen)
	if err != nil {
		return Result{}, &SaveError{ChatID: t.chatID, ResponseText: rec.ResponseText, MessageID: rec.MessageID, Err: err}
	}
	o.complete(ctx, t)
	o.log.Info("duplicate request finished a generated answer", "chat_id", t.chatID, "scope", t.scope)
	return Result{ResponseText: answer.Content, ChatID: t.chatID, MessageID: answer.MessageID, IsDuplicate: true}, nil
}

func duplicateOf(rec store.IdempotencyRecord, t *turn) Result {
	chatID := rec.ChatID
	if chatID == "" {
		chatID = t.chatID
	}
	return Result{ResponseText: rec.ResponseText, ChatID: chatID, MessageID: rec.MessageID, IsDuplicate: true}
}

// adopt switches the turn to the chat id recorded by an earlier holder of the key.
func (o *Orchestrator) adopt(ctx context.Context, t *turn, chatID string) error {
	if chatID == "" {
		return nil
	}
	conv, found, err := o.convs.GetConversation(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if found && conv.SessionID != t.req.SessionID {
		return ErrSessionMismatch
	}
	t.chatID = chatID
	t.conv, t.exists = conv, found
	return nil
}

// recoverStalePending answers a trailing user message left without a reply.
// A recent one means another request is mid-flight.
func (o *Orchestrator) recoverStalePending(ctx context.Context, t *turn) error {
	if !t.exists {
		return nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		last, ok := t.conv.Last()
		if !ok || last.Role != store.RoleUser {
			return nil
		}
		age := o.clock.Now().Sub(last.Timestamp)
		if age < o.staleAfter {
			return ErrConversationBusy
		}
		o.log.Warn("answering stale unanswered message", "chat_id", t.chatID, "age", age)

		history := t.conv.Messages[:len(t.conv.Messages)-1]
		gen, err := o.generate(ctx, t, history, last.Content)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		next := t.conv
		next.Messages = appendMessages(t.conv.Messages, assistantMessage(gen, now))
		next.PreviousResponseID = o.continuation(t, gen)
		next.UpdatedAt = now
		next.ExpiresAt = o.expiry(now)
		err = o.convs.UpdateConversationWithVersion(ctx, &next, t.conv.Version)
		if err == nil {
			o.metrics.recovered()
			t.conv = next
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("save recovered reply: %w", err)
		}
		o.metrics.conflict()
		if err := o.reload(ctx, t); err != nil {
			return err
		}
	}
	if last, ok := t.conv.Last(); ok && last.Role == store.RoleUser {
		return ErrPersistConflict
	}
	return nil
}

// callProvider generates the reply for the new user message. Nothing of the
// new turn has been written yet.
func (o *Orchestrator) callProvider(ctx context.Context, t *turn) (*provider.GeneratedResponse, error) {
	var history []Message
	if t.exists {
		history = t.conv.Messages
	}
	return o.generate(ctx, t, history, t.req.UserMessage)
}

func (o *Orchestrator) generate(ctx context.Context, t *turn, history []Message, userText string) (*provider.GeneratedResponse, error) {
	req := provider.ResponseRequest{
		Model:           t.widget.Model,
		Instructions:    t.widget.Instructions,
		VectorStoreIDs:  t.widget.VectorStoreIDs,
		MaxOutputTokens: t.widget.MaxOutputTokens,
		Metadata:        map[string]string{"chat_id": t.chatID},
	}
	user := provider.InputMessage{Role: store.RoleUser, Content: userText}
	switch {
	case t.widget.Mode == store.ModeSearch:
		req.Input = []provider.InputMessage{user}
	case t.exists && t.conv.PreviousResponseID != "":
		req.PreviousResponseID = t.conv.PreviousResponseID
		req.Input = []provider.InputMessage{user}
	default:
		req.Input = append(o.historyInput(history), user)
	}

	o.touchClaim(ctx, t)
	gen, err := o.gen.CreateResponse(ctx, req)
	if err != nil && req.PreviousResponseID != "" {
		switch provider.KindOf(err) {
		case provider.KindNotFound, provider.KindInvalidRequest:
			o.log.Warn("continuation handle rejected, resending history", "chat_id", t.chatID, logging.Err(err))
			req.PreviousResponseID = ""
			req.Input = append(o.historyInput(history), user)
			o.touchClaim(ctx, t)
			gen, err = o.gen.CreateResponse(ctx, req)
		}
	}
	return gen, err
}

// touchClaim marks a held claim as alive before a provider call.
func (o *Orchestrator) touchClaim(ctx context.Context, t *turn) {
	if !t.claimed {
		return
	}
	if err := o.ledger.TouchIdempotencyKey(ctx, t.scope, t.key, o.clock.Now()); err != nil {
		o.log.Warn("idempotency claim not refreshed", "scope", t.scope, logging.Err(err))
	}
}

// historyInput keeps the last o.history messages, starting on a user message.
func (o *Orchestrator) historyInput(history []Message) []provider.InputMessage {
	if o.history > 0 && len(history) > o.history {
		history = history[len(history)-o.history:]
	}
	for len(history) > 0 && history[0].Role != store.RoleUser {
		history = history[1:]
	}
	out := make([]provider.InputMessage, 0, len(history)+1)
	for _, m := range history {
		out = append(out, provider.InputMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// recordOutcome writes the answer to the ledger before the conversation
// write, so a failed save can still be delivered on retry. The first answer
// recorded for a key wins: it returns the answer the turn must persist.
func (o *Orchestrator) recordOutcome(ctx context.Context, t *turn, gen *provider.GeneratedResponse) *provider.GeneratedResponse {
	t.generated = true
	if !t.claimed {
		return gen
	}
	ctx = context.WithoutCancel(ctx)
	err := o.ledger.RecordIdempotencyOutcome(ctx, store.IdempotencyRecord{
		Scope:        t.scope,
		Key:          t.key,
		ChatID:       t.chatID,
		ResponseText: gen.Text,
		MessageID:    gen.MessageID,
		ResponseID:   gen.ID,
		UpdatedAt:    o.clock.Now(),
	})
	if errors.Is(err, store.ErrOutcomeRecorded) {
		rec, found, gerr := o.ledger.GetIdempotencyRecord(ctx, t.scope, t.key)
		if gerr == nil && found && rec.Status != store.IdempotencyPending {
			o.log.Warn("key answered by another holder, keeping its answer", "scope", t.scope, "chat_id", t.chatID, "discarded_message_id", gen.MessageID)
			t.answeredElsewhere = true
			return &provider.GeneratedResponse{ID: rec.ResponseID, MessageID: rec.MessageID, Text: rec.ResponseText}
		}
		err = errors.Join(err, gerr)
	}
	if err != nil {
		o.log.Warn("idempotency outcome not recorded", "scope", t.scope, logging.Err(err))
	}
	return gen
}

// persist writes the user/assistant pair in one write: an insert for a new
// conversation, a version-checked update otherwise. It returns the assistant
// message as stored, which is an earlier writer's when the turn was already there.
func (o *Orchestrator) persist(ctx context.Context, t *turn, gen *provider.GeneratedResponse) (Conversation, Message, error) {
	now := o.clock.Now()
	user := Message{Role: store.RoleUser, Content: t.req.UserMessage, Timestamp: t.started, IdempotencyKey: t.key}
	answer := assistantMessage(gen, now)
	reloaded := false

	if !t.exists {
		conv := Conversation{
			ChatID:             t.chatID,
			SessionID:          t.req.SessionID,
			WidgetID:           t.req.WidgetID,
			Mode:               t.widget.Mode,
			Messages:           []Message{user, answer},
			PreviousResponseID: o.continuation(t, gen),
			CreatedAt:          now,
			UpdatedAt:          now,
			ExpiresAt:          o.expiry(now),
		}
		err := o.convs.InsertConversation(ctx, &conv)
		if err == nil {
			t.conv, t.exists = conv, true
			return conv, answer, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return Conversation{}, Message{}, err
		}
		o.metrics.conflict()
		if err := o.reload(ctx, t); err != nil {
			return Conversation{}, Message{}, err
		}
		reloaded = true
	}

	for attempt := 0; attempt < 2; attempt++ {
		if stored, ok := turnApplied(t.conv.Messages, user, answer, reloaded); ok {
			return t.conv, stored, nil
		}
		next := t.conv
		next.Messages = appendMessages(t.conv.Messages, user, answer)
		if id := o.continuation(t, gen); id != "" || t.widget.Mode == store.ModeSearch {
			next.PreviousResponseID = id
		}
		next.UpdatedAt = now
		next.ExpiresAt = o.expiry(now)
		err := o.convs.UpdateConversationWithVersion(ctx, &next, t.conv.Version)
		if err == nil {
			t.conv = next
			return next, answer, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return Conversation{}, Message{}, err
		}
		o.metrics.conflict()
		o.log.Info("conversation changed concurrently, reloading", "chat_id", t.chatID, "expected_version", t.conv.Version)
		if err := o.reload(ctx, t); err != nil {
			return Conversation{}, Message{}, err
		}
		reloaded = true
	}
	if stored, ok := turnApplied(t.conv.Messages, user, answer, reloaded); ok {
		return t.conv, stored, nil
	}
	return Conversation{}, Message{}, ErrPersistConflict
}

func (o *Orchestrator) reload(ctx context.Context, t *turn) error {
	conv, found, err := o.convs.GetConversation(ctx, t.chatID)
	if err != nil {
		return fmt.Errorf("reload conversation: %w", err)
	}
	if !found {
		return fmt.Errorf("reload conversation %s: %w", t.chatID, store.ErrNotFound)
	}
	if conv.SessionID != t.req.SessionID {
		return ErrSessionMismatch
	}
	t.conv, t.exists = conv, true
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, t *turn) {
	if t.key == "" {
		return
	}
	if err := o.ledger.CompleteIdempotencyKey(context.WithoutCancel(ctx), t.scope, t.key, o.clock.Now()); err != nil {
		o.log.Warn("idempotency key not completed", "scope", t.scope, logging.Err(err))
	}
}

// releaseUnfinished frees a claim whose holder never produced an answer so
// the client can retry with the same key.
func (o *Orchestrator) releaseUnfinished(ctx context.Context, t *turn) {
	if !t.claimed || t.generated {
		return
	}
	if err := o.ledger.ReleaseIdempotencyKey(context.WithoutCancel(ctx), t.scope, t.key); err != nil {
		o.log.Warn("idempotency claim not released", "scope", t.scope, logging.Err(err))
	}
}

func (o *Orchestrator) expiry(now time.Time) time.Time {
	if o.convTTL <= 0 {
		return time.Time{}
	}
	return now.Add(o.convTTL)
}

// continuation is the handle stored for the next turn. Search widgets keep none.
func (o *Orchestrator) continuation(t *turn, gen *provider.GeneratedResponse) string {
	if t.widget.Mode == store.ModeSearch {
		return ""
	}
	return gen.ID
}

func assistantMessage(gen *provider.GeneratedResponse, at time.Time) Message {
	m := Message{Role: store.RoleAssistant, Content: gen.Text, Timestamp: at, MessageID: gen.MessageID}
	if gen.Usage != (provider.Usage{}) {
		m.Usage = &store.Usage{
			InputTokens:  gen.Usage.InputTokens,
			OutputTokens: gen.Usage.OutputTokens,
			TotalTokens:  gen.Usage.TotalTokens,
		}
	}
	return m
}

func appendMessages(base []Message, more ...Message) []Message {
	out := make([]Message, 0, len(base)+len(more))
	out = append(out, base...)
	return append(out, more...)
}

// turnApplied returns the stored assistant reply if msgs already contain this
// turn: by idempotency key always, and by trailing content once the row has
// been reloaded after a concurrent write.
func turnApplied(msgs []Message, user, answer Message, afterReload bool) (Message, bool) {
	if stored, ok := findTurn(msgs, user.IdempotencyKey); ok {
		return stored, true
	}
	if !afterReload {
		return Message{}, false
	}
	n := len(msgs)
	if n >= 2 &&
		msgs[n-2].Role == store.RoleUser && msgs[n-2].Content == user.Content &&
		msgs[n-1].Role == store.RoleAssistant && msgs[n-1].Content == answer.Content {
		return msgs[n-1], true
	}
	return Message{}, false
}

// findTurn returns the assistant reply paired with the user message carrying key.
func findTurn(msgs []Message, key string) (Message, bool) {
	if key == "" {
		return Message{}, false
	}
	for i := 0; i < len(msgs)-1; i++ {
		if msgs[i].Role == store.RoleUser && msgs[i].IdempotencyKey == key && msgs[i+1].Role == store.RoleAssistant {
			return msgs[i+1], true
		}
	}
	return Message{}, false
}
