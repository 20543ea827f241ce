// Package provider is the HTTP gateway to the generative-AI provider. It
// classifies failures, retries the retryable ones with capped exponential
// backoff and shares rate-limit hints between calls.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/mohammad-safakhou/chatbridge/internal/clock"
	"github.com/mohammad-safakhou/chatbridge/internal/logging"
)

const (
	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultTimeout       = 300 * time.Second
	DefaultUploadTimeout = 600 * time.Second
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 60 * time.Second

	maxHintTTL   = 10 * time.Minute
	maxErrorBody = 64 << 10
)

// Config holds the connection and retry settings. Zero fields take the
// Default* values.
type Config struct {
	// BaseURL is the API root, e.g. DefaultBaseURL. Trailing slashes are dropped.
	BaseURL string
	// APIKey is sent as a bearer token. Organization, when set, is sent in
	// the OpenAI-Organization header.
	APIKey       string
	Organization string
	// Timeout bounds one standard attempt; expiry leaves the remote outcome unknown.
	Timeout time.Duration
	// UploadTimeout bounds one multipart upload attempt.
	UploadTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero means
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	// BaseDelay and MaxDelay shape the exponential backoff between retries.
	// A longer Retry-After hint wins, still capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Option customizes a Client built by New.
type Option func(*Client)

// WithHTTPClient replaces the client used for JSON requests. Its own timeout
// then applies instead of Config.Timeout.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithUploadHTTPClient replaces the client used by Upload.
func WithUploadHTTPClient(hc *http.Client) Option { return func(c *Client) { c.upload = hc } }

// WithHintStore shares rate-limit windows through s, e.g. a RedisHintStore
// across replicas. The default is a per-process MemoryHintStore.
func WithHintStore(s HintStore) Option { return func(c *Client) { c.hints = s } }

// WithClock sets the time source for backoff sleeps and rate-limit windows.
func WithClock(cl clock.Clock) Option { return func(c *Client) { c.clock = cl } }

// WithLogger sets the logger. Nil discards.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// WithMetrics records attempts, retries and latency on m.
func WithMetrics(m *Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithJitter replaces the random source used for backoff jitter. fn must return values in [0,1).
func WithJitter(fn func() float64) Option { return func(c *Client) { c.backoff.Jitter = fn } }

// WithRetryHook is called before every backoff sleep.
func WithRetryHook(fn func(RetryContext)) Option { return func(c *Client) { c.onRetry = fn } }

// Client sends requests to the provider. Each call is retried on retryable
// failures and waits out any known rate-limit window first. Failures are
// returned as *Error. A Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	upload  *http.Client
	hints   HintStore
	hintKey string
	clock   clock.Clock
	log     *slog.Logger
	metrics *Metrics
	backoff Backoff
	onRetry func(RetryContext)
}

// New builds a Client from cfg with defaults filled in. Rate-limit hints are
// keyed by the host of cfg.BaseURL.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		backoff: Backoff{Base: cfg.BaseDelay, Max: cfg.MaxDelay},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if c.upload == nil {
		c.upload = &http.Client{Timeout: cfg.UploadTimeout}
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.hints == nil {
		c.hints = NewMemoryHintStore(c.clock)
	}
	c.log = logging.OrDiscard(c.log).With(logging.Component("provider"))
	c.hintKey = cfg.BaseURL
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		c.hintKey = u.Host
	}
	return c
}

// Response is a successful (2xx) provider reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the body into out. A body that does not fit out is malformed.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return &Error{Kind: KindMalformed, Status: r.Status, Message: "decode response: " + err.Error(), Body: r.Body, Err: err}
	}
	return nil
}

// Get reads one field of the body with a gjson path.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// Request sends a JSON request. payload may be nil, raw JSON ([]byte or
// json.RawMessage) or any value marshalable to JSON. Caller headers override
// the defaults.
func (c *Client) Request(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (*Response, error) {
	var body []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		body = p
	case json.RawMessage:
		body = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: "encode payload: " + err.Error(), Err: err}
		}
		body = b
	}
	target := c.url(endpoint)
	build := func(ctx context.Context) (*http.Request, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, rd)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.setHeaders(req, headers)
		return req, nil
	}
	return c.do(ctx, endpoint, c.http, build)
}

// RequestJSON is Request followed by Decode into out (skipped when out is nil).
func (c *Client) RequestJSON(ctx context.Context, method, endpoint string, payload any, headers map[string]string, out any) error {
	resp, err := c.Request(ctx, method, endpoint, payload, headers)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

// Upload posts content as multipart/form-data under the "file" part with the
// given extra fields. The body is encoded once and replayed on each attempt.
func (c *Client) Upload(ctx context.Context, endpoint string, content []byte, filename string, fields map[string]string) (*Response, error) {
	if filename == "" {
		return nil, &Error{Kind: KindInvalidRequest, Message: "upload: filename is required"}
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: "upload: " + err.Error(), Err: err}
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "upload: " + err.Error(), Err: err}
	}
	if _, err := part.Write(content); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "upload: " + err.Error(), Err: err}
	}
	if err := mw.Close(); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "upload: " + err.Error(), Err: err}
	}
	body := buf.Bytes()
	contentType := mw.FormDataContentType()
	target := c.url(endpoint)
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		c.setHeaders(req, nil)
		return req, nil
	}
	return c.do(ctx, endpoint, c.upload, build)
}

func (c *Client) url(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.cfg.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) setHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", c.cfg.Organization)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func (c *Client) do(ctx context.Context, endpoint string, hc *http.Client, build func(context.Context) (*http.Request, error)) (*Response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.waitForWindow(ctx); err != nil {
			return nil, fmt.Errorf("provider %s: %w", endpoint, err)
		}
		req, err := build(ctx)
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: "build request: " + err.Error(), Err: err}
		}

		start := c.clock.Now()
		resp, perr := c.attempt(ctx, hc, req)
		if perr == nil {
			c.metrics.observe(endpoint, "ok", c.clock.Now().Sub(start))
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && perr.Kind == KindNetwork {
			// the caller gave up; this is not a provider failure
			c.metrics.observe(endpoint, "cancelled", c.clock.Now().Sub(start))
			return nil, fmt.Errorf("provider %s: %w", endpoint, ctxErr)
		}
		perr.Attempts = attempt + 1
		c.metrics.observe(endpoint, string(perr.Kind), c.clock.Now().Sub(start))

		if !perr.Kind.Retryable() {
			return nil, perr
		}
		if attempt >= c.cfg.MaxRetries {
			c.log.Error("provider retries exhausted",
				"endpoint", endpoint, "attempts", attempt+1, "kind", perr.Kind, "status", perr.Status)
			return nil, &Error{
				Kind:     KindUnavailable,
				Status:   perr.Status,
				Code:     perr.Code,
				Type:     perr.Type,
				Message:  perr.Message,
				Attempts: attempt + 1,
				Last:     perr.Kind,
				Timeout:  perr.Timeout,
				Body:     perr.Body,
				Err:      perr,
			}
		}

		delay := c.backoff.Delay(attempt, perr.RetryAfter)
		rc := RetryContext{Endpoint: endpoint, Attempt: attempt + 1, Delay: delay, Hint: perr.RetryAfter, Kind: perr.Kind}
		if c.onRetry != nil {
			c.onRetry(rc)
		}
		c.metrics.retry(perr.Kind)
		c.log.Warn("provider call failed, retrying",
			"endpoint", endpoint, "attempt", rc.Attempt, "kind", rc.Kind, "status", perr.Status,
			"delay", delay, "hint", rc.Hint)
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("provider %s: %w", endpoint, err)
		}
	}
}

// attempt performs one HTTP exchange and classifies its outcome.
func (c *Client) attempt(ctx context.Context, hc *http.Client, req *http.Request) (*Response, *Error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	var body []byte
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err = io.ReadAll(resp.Body)
	} else {
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	now := c.clock.Now()
	c.rememberRateLimit(ctx, resp.Header, now)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
			return nil, &Error{Kind: KindMalformed, Status: resp.StatusCode, Message: "response body is not valid JSON", Body: body}
		}
		return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}
	return nil, classify(resp.StatusCode, resp.Header, body, now)
}

func transportError(err error) *Error {
	e := &Error{Kind: KindNetwork, Message: err.Error(), Err: err}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		e.Timeout = true
	}
	return e
}

// waitForWindow sleeps out a rate-limit window learned from an earlier
// response, bounded by MaxDelay. Cache failures are logged and ignored.
func (c *Client) waitForWindow(ctx context.Context) error {
	info, ok, err := c.hints.Load(ctx, c.hintKey)
	if err != nil {
		c.log.Debug("rate limit hint unavailable", logging.Err(err))
		return ctx.Err()
	}
	if !ok {
		return nil
	}
	wait := info.WaitFor(c.clock.Now())
	if wait <= 0 {
		return nil
	}
	if wait > c.cfg.MaxDelay {
		wait = c.cfg.MaxDelay
	}
	c.log.Info("waiting out provider rate limit window", "wait", wait)
	return c.clock.Sleep(ctx, wait)
}

func (c *Client) rememberRateLimit(ctx context.Context, h http.Header, now time.Time) {
	info, ok := ParseRateLimit(h, now)
	if !ok {
		return
	}
	ttl := info.expiresAt().Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if ttl > maxHintTTL {
		ttl = maxHintTTL
	}
	if err := c.hints.Save(ctx, c.hintKey, info, ttl); err != nil {
		c.log.Debug("rate limit hint not saved", logging.Err(err))
	}
}
