package vendorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcusrw/posbridge/internal/metrics"
	"github.com/marcusrw/posbridge/internal/observability"
)

const (
	killSwitchKey = "http.kill_switch"
	mockModeKey   = "http.mock_mode"

	// Spec'd header for create-like operations.
	IdempotencyHeader = "Idempotency-Key"

	defaultRetries  = 3
	maxRetrySleep   = 240 * time.Second
	errBodyLogLimit = 500
)

var ErrHTTPDisabled = errors.New("http_disabled")

// Result is the uniform response shape handed back to handlers. Body is
// parsed JSON when the content allows, otherwise nil with Raw holding the
// bytes either way.
type Result struct {
	Status  int
	Headers http.Header
	Body    any
	Raw     []byte
}

// Flags is the boolean slice of the config store the client consults.
type Flags interface {
	GetBool(ctx context.Context, key string) (bool, error)
}

// TokenSource resolves and refreshes the vendor access token.
type TokenSource interface {
	EnsureValid(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// RewriteRule is the one-shot URL rewrite escape hatch for vendor path
// migrations, e.g. a 2.1 resource that must fall back to its 2.0 path.
type RewriteRule struct {
	From       string
	To         string
	RetryOn404 bool
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	breaker *Breaker
	flags   Flags
	sink    metrics.Sink
	prom    *observability.Prom
	log     *slog.Logger
	retries int
	rewrite *RewriteRule
	mock    *mockVendor

	// test seams
	sleep  func(time.Duration)
	jitter func(max time.Duration) time.Duration
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	Retries int
	Rewrite *RewriteRule
}

func NewClient(opts Options, tokens TokenSource, breaker *Breaker, flags Flags, sink metrics.Sink, prom *observability.Prom, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = defaultRetries
	}
	if sink == nil {
		sink = metrics.NewMemorySink()
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Timeout: opts.Timeout},
		tokens:  tokens,
		breaker: breaker,
		flags:   flags,
		sink:    sink,
		prom:    prom,
		log:     log,
		retries: opts.Retries,
		rewrite: opts.Rewrite,
		mock:    newMockVendor(),
		sleep:   time.Sleep,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (Result, error) {
	return c.do(ctx, http.MethodGet, path, nil, headers)
}

func (c *Client) PostJSON(ctx context.Context, path string, body any, headers map[string]string) (Result, error) {
	return c.do(ctx, http.MethodPost, path, body, headers)
}

func (c *Client) PutJSON(ctx context.Context, path string, body any, headers map[string]string) (Result, error) {
	return c.do(ctx, http.MethodPut, path, body, headers)
}

func (c *Client) PatchJSON(ctx context.Context, path string, body any, headers map[string]string) (Result, error) {
	return c.do(ctx, http.MethodPatch, path, body, headers)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (Result, error) {
	if disabled, _ := c.flags.GetBool(ctx, killSwitchKey); disabled {
		return Result{}, ErrHTTPDisabled
	}

	if mocked, _ := c.flags.GetBool(ctx, mockModeKey); mocked {
		res := c.mock.respond(method, path, body, headers)

		// Synthetic traffic stays out of the real request metrics.
		c.sink.Inc(ctx, "vendor_mock_requests", 1)
		return res, nil
	}

	if err := c.breaker.Allow(ctx); err != nil {
		return Result{}, err
	}

	token, err := c.tokens.EnsureValid(ctx)

	if err != nil {
		return Result{}, fmt.Errorf("resolve access token: %w", err)
	}

	var payload []byte

	if body != nil {
		payload, err = json.Marshal(body)

		if err != nil {
			return Result{}, fmt.Errorf("encode request body: %w", err)
		}
	}

	var (
		res       Result
		lastErr   error
		reauthed  bool
		rewritten bool
		attempt   int
	)

	for attempt = 1; attempt <= c.retries; attempt++ {
		res, lastErr = c.issue(ctx, method, path, payload, headers, token)

		if lastErr != nil {
			// Transport-level failure counts against the breaker window.
			c.breaker.RecordFailure(ctx)
			continue
		}

		if res.Status == http.StatusUnauthorized && !reauthed {
			reauthed = true

			token, lastErr = c.tokens.ForceRefresh(ctx)

			if lastErr != nil {
				break
			}

			attempt--
			continue
		}

		if res.Status == http.StatusNotFound && !rewritten && c.rewrite != nil &&
			c.rewrite.RetryOn404 && strings.Contains(path, c.rewrite.From) {
			// One-shot: the rewritten flag guards against loops.
			rewritten = true
			path = strings.Replace(path, c.rewrite.From, c.rewrite.To, 1)
			attempt--
			continue
		}

		if isTransient(res.Status) {
			if c.breaker.RecordFailure(ctx) {
				lastErr = ErrCircuitOpen
				break
			}

			if attempt < c.retries {
				c.sleep(c.retryDelay(res.Headers, attempt))
			}
			continue
		}

		c.breaker.RecordSuccess(ctx)
		break
	}

	if lastErr != nil {
		return Result{}, lastErr
	}

	// Idempotent duplicate is success.
	if res.Status == http.StatusConflict {
		res.Status = http.StatusOK
	}

	if res.Status < 200 || res.Status > 299 {
		c.logFailure(ctx, method, path, res, attempt)
	}

	return res, nil
}

func (c *Client) issue(ctx context.Context, method, path string, payload []byte, headers map[string]string, token string) (Result, error) {
	var bodyReader io.Reader

	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)

	if err != nil {
		return Result{}, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)

	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))

	if err != nil {
		return Result{}, err
	}

	res := Result{Status: resp.StatusCode, Headers: resp.Header, Raw: raw}

	if len(raw) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var parsed any

		if uerr := json.Unmarshal(raw, &parsed); uerr == nil {
			res.Body = parsed
		}
	}

	c.recordMetrics(ctx, method, resp.StatusCode, latency)
	return res, nil
}

func (c *Client) recordMetrics(ctx context.Context, method string, status int, latency time.Duration) {
	class := statusClass(status)
	ms := latency.Milliseconds()

	if c.prom != nil {
		c.prom.VendorRequestsTotal.WithLabelValues(method, class).Inc()
		c.prom.VendorLatency.WithLabelValues(method).Observe(float64(ms))
	}

	c.sink.Inc(ctx, "http.requests."+method+"."+class, 1)
	c.sink.Observe(ctx, "http.latency."+method, float64(ms))
}

func statusClass(status int) string {
	switch {
	case status == 429:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func isTransient(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryDelay honors Retry-After, then the earliest of the rate-limit
// reset headers, then a linear fallback capped at four minutes. Always
// adds 0-2s of jitter.
func (c *Client) retryDelay(h http.Header, attempt int) time.Duration {
	delay := time.Duration(0)

	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
		}
	}

	if delay == 0 {
		if reset := h.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(strings.TrimSpace(reset), 10, 64); err == nil {
				if until := time.Until(time.Unix(epoch, 0)); until > 0 {
					delay = until
				}
			}
		}
	}

	if delay == 0 {
		delay = time.Duration(60*attempt) * time.Second
	}

	if delay > maxRetrySleep {
		delay = maxRetrySleep
	}

	return delay + c.jitter(2*time.Second)
}

func (c *Client) logFailure(ctx context.Context, method, path string, res Result, attempts int) {
	snippet := res.Raw

	if len(snippet) > errBodyLogLimit {
		snippet = snippet[:errBodyLogLimit]
	}

	c.log.WarnContext(ctx, "vendor.request_failed",
		"method", method,
		"path", path,
		"status", res.Status,
		"attempts", attempts,
		"retry_after", res.Headers.Get("Retry-After"),
		"ratelimit_remaining", res.Headers.Get("X-RateLimit-Remaining"),
		"ratelimit_reset", res.Headers.Get("X-RateLimit-Reset"),
		"body", string(snippet),
	)
}
