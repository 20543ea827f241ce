package conversation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mohammad-safakhou/chatbridge/internal/provider"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{fmt.Errorf("%w: empty", ErrInvalidRequest), KindInvalidRequest},
		{ErrSessionMismatch, KindSessionMismatch},
		{&SaveError{ChatID: "c", Err: errors.New("down")}, KindSaveFailed},
		{&SaveError{ChatID: "c", Err: ErrPersistConflict}, KindConflict},
		{&provider.Error{Kind: provider.KindAuthentication}, KindAuthentication},
		{&provider.Error{Kind: provider.KindQuota}, KindQuota},
		{&provider.Error{Kind: provider.KindRateLimit}, KindRateLimited},
		{fmt.Errorf("wrapped: %w", &provider.Error{Kind: provider.KindUnavailable}), KindUnavailable},
		{&provider.Error{Kind: provider.KindMalformed}, KindMalformed},
		{&provider.Error{Kind: provider.KindNotFound}, KindProviderRejected},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
}

func TestUserMessageHidesProviderText(t *testing.T) {
	err := &provider.Error{Kind: provider.KindServer, Message: "upstream exploded at shard 7"}
	msg := UserMessage(KindOf(err))
	assert.NotEmpty(t, msg)
	assert.NotContains(t, msg, "shard")
	assert.Empty(t, UserMessage(KindNone))
}

func TestSaveFailureMessagesPromiseNoStoredAnswer(t *testing.T) {
	for _, k := range []Kind{KindSaveFailed, KindConflict} {
		msg := UserMessage(k)
		assert.Contains(t, msg, "send your message again", "kind %s", k)
		assert.NotContains(t, msg, "receive it", "kind %s", k)
	}
	assert.NotEqual(t, UserMessage(KindSaveFailed), UserMessage(KindConflict))
}
