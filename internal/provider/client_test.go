package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *clock.Fake) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	fc := clock.NewFake(epoch)
	base := []Option{
		WithClock(fc),
		WithJitter(func() float64 { return 0 }),
		WithHintStore(NewMemoryHintStore(fc)),
	}
	c := New(Config{BaseURL: srv.URL, APIKey: "sk-test", BaseDelay: time.Second, MaxDelay: 30 * time.Second}, append(base, opts...)...)
	return c, fc
}

func TestRequestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c, fc := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"vs_1","status":"completed"}`)
	}))

	resp, err := c.Request(context.Background(), http.MethodGet, "/vector_stores/vs_1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "vs_1", resp.Get("id").String())
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fc.Sleeps())
}

func TestRequestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	var hooks []RetryContext
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), WithMetrics(metrics), WithRetryHook(func(rc RetryContext) { hooks = append(hooks, rc) }))

	_, err := c.Request(context.Background(), http.MethodPost, "/responses", map[string]string{"model": "m"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindUnavailable, pe.Kind)
	assert.Equal(t, KindServer, pe.Last)
	assert.Equal(t, 4, pe.Attempts)
	assert.EqualValues(t, 4, calls.Load())
	require.Len(t, hooks, 3)
	for i, h := range hooks {
		assert.Equal(t, i+1, h.Attempt)
		assert.Equal(t, KindServer, h.Kind)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.retries.WithLabelValues(string(KindServer))))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.requests.WithLabelValues("responses", string(KindServer))))
}

func TestRequestDoesNotRetryFatalKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`, KindAuthentication},
		{"forbidden", http.StatusForbidden, `{}`, KindAuthentication},
		{"quota on 429", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`, KindQuota},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"missing model","type":"invalid_request_error","param":"model","code":null}}`, KindInvalidRequest},
		{"not found", http.StatusNotFound, `{"error":{"message":"No vector store found"}}`, KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			c, fc := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			_, err := c.Request(context.Background(), http.MethodGet, "/models", nil, nil)
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
			assert.False(t, errors.Is(err, ErrRetriesExhausted))
			assert.EqualValues(t, 1, calls.Load())
			assert.Empty(t, fc.Sleeps())
		})
	}
}

func TestRequestMalformedSuccessBodyIsFatal(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"id":"resp_1","output":[`)
	}))
	_, err := c.Request(context.Background(), http.MethodGet, "/responses/resp_1", nil, nil)
	assert.Equal(t, KindMalformed, KindOf(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRequestHonorsRetryAfterHint(t *testing.T) {
	var calls atomic.Int32
	c, fc := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))

	_, err := c.Request(context.Background(), http.MethodGet, "/files", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, fc.Sleeps())
}

func TestRateLimitWindowIsSharedAcrossCalls(t *testing.T) {
	var calls atomic.Int32
	c, fc := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("x-ratelimit-remaining-requests", "0")
			w.Header().Set("x-ratelimit-reset-requests", "3s")
		}
		_, _ = io.WriteString(w, `{}`)
	}))

	_, err := c.Request(context.Background(), http.MethodGet, "/files", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, fc.Sleeps())

	_, err = c.Request(context.Background(), http.MethodGet, "/vector_stores", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, fc.Sleeps())
}

func TestRequestCancelledContextIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{}`)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Request(ctx, http.MethodGet, "/files", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Kind(""), KindOf(err))
	assert.EqualValues(t, 0, calls.Load())
}

func TestRequestSendsAuthAndCallerHeaders(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "assistants=v2", r.Header.Get("OpenAI-Beta"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "docs", gjson.GetBytes(body, "name").String())
		_, _ = io.WriteString(w, `{"id":"vs_9"}`)
	}))
	var out struct {
		ID string `json:"id"`
	}
	err := c.RequestJSON(context.Background(), http.MethodPost, "vector_stores",
		map[string]string{"name": "docs"}, map[string]string{"OpenAI-Beta": "assistants=v2"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "vs_9", out.ID)
}

func TestUploadSendsMultipartAndRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "assistants", r.FormValue("purpose"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		content, _ := io.ReadAll(f)
		assert.Equal(t, "faq.txt", hdr.Filename)
		assert.Equal(t, "hello world", string(content))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `{"id":"file_1","status":"processed"}`)
	}))

	resp, err := c.Upload(context.Background(), "/files", []byte("hello world"), "faq.txt", map[string]string{"purpose": "assistants"})
	require.NoError(t, err)
	assert.Equal(t, "file_1", resp.Get("id").String())
	assert.EqualValues(t, 2, calls.Load())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultUploadTimeout, cfg.UploadTimeout)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)

	cfg = Config{MaxRetries: -1}.withDefaults()
	assert.Equal(t, 0, cfg.MaxRetries)
}
