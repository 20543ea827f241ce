package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alphadose/haxmap"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
)

// RateLimitInfo is the most recent rate-limit state advertised by the provider.
// Remaining counters are -1 when the provider did not send them.
type RateLimitInfo struct {
	RemainingRequests int       `json:"remaining_requests"`
	RemainingTokens   int       `json:"remaining_tokens"`
	ResetRequests     time.Time `json:"reset_requests,omitempty"`
	ResetTokens       time.Time `json:"reset_tokens,omitempty"`
	BlockedUntil      time.Time `json:"blocked_until,omitempty"`
	ObservedAt        time.Time `json:"observed_at"`
}

// WaitFor returns how long a caller should hold off before the next request.
func (i RateLimitInfo) WaitFor(now time.Time) time.Duration {
	until := i.BlockedUntil
	if i.RemainingRequests == 0 && i.ResetRequests.After(until) {
		until = i.ResetRequests
	}
	if i.RemainingTokens == 0 && i.ResetTokens.After(until) {
		until = i.ResetTokens
	}
	if until.IsZero() || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

// expiresAt is the last instant at which the info can still affect a caller.
func (i RateLimitInfo) expiresAt() time.Time {
	latest := i.BlockedUntil
	for _, t := range []time.Time{i.ResetRequests, i.ResetTokens} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// ParseRateLimit reads x-ratelimit-* and retry-after headers. ok is false when
// the response carried no rate-limit information at all.
func ParseRateLimit(h http.Header, now time.Time) (RateLimitInfo, bool) {
	info := RateLimitInfo{RemainingRequests: -1, RemainingTokens: -1, ObservedAt: now}
	found := false
	if v, ok := parseInt(h.Get("x-ratelimit-remaining-requests")); ok {
		info.RemainingRequests = v
		found = true
	}
	if v, ok := parseInt(h.Get("x-ratelimit-remaining-tokens")); ok {
		info.RemainingTokens = v
		found = true
	}
	if d, ok := parseResetDuration(h.Get("x-ratelimit-reset-requests")); ok {
		info.ResetRequests = now.Add(d)
		found = true
	}
	if d, ok := parseResetDuration(h.Get("x-ratelimit-reset-tokens")); ok {
		info.ResetTokens = now.Add(d)
		found = true
	}
	if d := retryAfter(h, now); d > 0 {
		info.BlockedUntil = now.Add(d)
		found = true
	}
	return info, found
}

// retryAfter reads retry-after-ms or retry-after (delta seconds or HTTP date).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := strings.TrimSpace(h.Get("retry-after"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// retryHint is the server-provided wait for a 429: retry-after when present,
// otherwise the longest advertised reset window.
func retryHint(h http.Header, now time.Time) time.Duration {
	if d := retryAfter(h, now); d > 0 {
		return d
	}
	var hint time.Duration
	for _, key := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if d, ok := parseResetDuration(h.Get(key)); ok && d > hint {
			hint = d
		}
	}
	return hint
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseResetDuration accepts Go-style durations ("6m0s", "20ms") and bare seconds.
func parseResetDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 && !math.IsInf(secs, 0) {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

// HintStore is a small TTL'd key/value cache for rate-limit state shared by
// every call made through a Client. Entries are advisory: last writer wins.
type HintStore interface {
	Load(ctx context.Context, key string) (RateLimitInfo, bool, error)
	Save(ctx context.Context, key string, info RateLimitInfo, ttl time.Duration) error
}

type memoryHint struct {
	info    RateLimitInfo
	expires time.Time
}

// MemoryHintStore keeps hints in process memory.
type MemoryHintStore struct {
	entries *haxmap.Map[string, memoryHint]
	clock   clock.Clock
}

// NewMemoryHintStore builds a process-local HintStore. A nil clock uses wall time.
func NewMemoryHintStore(c clock.Clock) *MemoryHintStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryHintStore{entries: haxmap.New[string, memoryHint](), clock: c}
}

func (m *MemoryHintStore) Load(_ context.Context, key string) (RateLimitInfo, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return RateLimitInfo{}, false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		m.entries.Del(key)
		return RateLimitInfo{}, false, nil
	}
	return e.info, true, nil
}

func (m *MemoryHintStore) Save(_ context.Context, key string, info RateLimitInfo, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.entries.Set(key, memoryHint{info: info, expires: m.clock.Now().Add(ttl)})
	return nil
}

// RedisHintStore shares hints between processes through Redis.
type RedisHintStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisHintStore stores hints under prefix+key. An empty prefix defaults to "chatbridge:ratelimit:".
func NewRedisHintStore(client redis.Cmdable, prefix string) *RedisHintStore {
	if prefix == "" {
		prefix = "chatbridge:ratelimit:"
	}
	return &RedisHintStore{client: client, prefix: prefix}
}

func (r *RedisHintStore) Load(ctx context.Context, key string) (RateLimitInfo, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return RateLimitInfo{}, false, nil
		}
		return RateLimitInfo{}, false, fmt.Errorf("redis get hint: %w", err)
	}
	var info RateLimitInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return RateLimitInfo{}, false, fmt.Errorf("decode hint: %w", err)
	}
	return info, true, nil
}

func (r *RedisHintStore) Save(ctx context.Context, key string, info RateLimitInfo, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode hint: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set hint: %w", err)
	}
	return nil
}
