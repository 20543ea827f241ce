package provider

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
)

func TestParseRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "0")
	h.Set("x-ratelimit-remaining-tokens", "1200")
	h.Set("x-ratelimit-reset-requests", "1m30s")
	h.Set("x-ratelimit-reset-tokens", "250ms")

	info, ok := ParseRateLimit(h, epoch)
	require.True(t, ok)
	assert.Equal(t, 0, info.RemainingRequests)
	assert.Equal(t, 1200, info.RemainingTokens)
	assert.Equal(t, epoch.Add(90*time.Second), info.ResetRequests)
	assert.Equal(t, epoch.Add(250*time.Millisecond), info.ResetTokens)
	assert.Equal(t, 90*time.Second, info.WaitFor(epoch))
	assert.Equal(t, time.Duration(0), info.WaitFor(epoch.Add(2*time.Minute)))
}

func TestParseRateLimitWithoutHeaders(t *testing.T) {
	_, ok := ParseRateLimit(http.Header{}, epoch)
	assert.False(t, ok)
}

func TestRemainingCapacityDoesNotBlock(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-remaining-requests", "42")
	h.Set("x-ratelimit-reset-requests", "10s")
	info, ok := ParseRateLimit(h, epoch)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), info.WaitFor(epoch))
}

func TestRetryAfterForms(t *testing.T) {
	h := http.Header{}
	h.Set("retry-after-ms", "1500")
	h.Set("retry-after", "9")
	assert.Equal(t, 1500*time.Millisecond, retryAfter(h, epoch))

	h = http.Header{}
	h.Set("retry-after", "4")
	assert.Equal(t, 4*time.Second, retryAfter(h, epoch))

	h = http.Header{}
	h.Set("retry-after", epoch.Add(12*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 12*time.Second, retryAfter(h, epoch))

	h = http.Header{}
	h.Set("retry-after", "soon")
	assert.Equal(t, time.Duration(0), retryAfter(h, epoch))
}

func TestRetryHintFallsBackToReset(t *testing.T) {
	h := http.Header{}
	h.Set("x-ratelimit-reset-requests", "2s")
	h.Set("x-ratelimit-reset-tokens", "6m0s")
	assert.Equal(t, 6*time.Minute, retryHint(h, epoch))
}

func TestMemoryHintStoreExpires(t *testing.T) {
	fc := clock.NewFake(epoch)
	s := NewMemoryHintStore(fc)
	ctx := context.Background()
	info := RateLimitInfo{RemainingRequests: 0, ResetRequests: epoch.Add(5 * time.Second), ObservedAt: epoch}

	require.NoError(t, s.Save(ctx, "api.example.com", info, 5*time.Second))
	got, ok, err := s.Load(ctx, "api.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, info.ResetRequests, got.ResetRequests)

	fc.Advance(5 * time.Second)
	_, ok, err = s.Load(ctx, "api.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}
