// Package collab pushes game results, rating changes and tournament
// standings to the collaborating service over HTTP.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxBodyInError       = 512
)

// Error is a failed call to the collaborator. Status is zero when no
// response arrived.
type Error struct {
	Op     string
	Status int
	Body   string
	Err    error

	transient bool
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("collab %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("collab %s: status=%d body=%s", e.Op, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed. Transport
// failures count, as do 429 and 5xx gateway answers.
func (e *Error) Retryable() bool { return e.transient }

// call is one logical request. A non-empty key is sent unchanged on every
// attempt so the collaborator can drop replays of a delivered event.
type call struct {
	op     string
	method string
	path   string
	key    string
	body   any
	out    any
}

type Client struct {
	baseURL  string
	http     *fasthttp.Client
	token    string
	timeout  time.Duration
	attempts int
	backoff  func(attempt int) time.Duration
	maxWait  time.Duration
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option       { return func(c *Client) { c.timeout = d } }
func WithBearerToken(token string) Option      { return func(c *Client) { c.token = strings.TrimSpace(token) } }
func WithRetry(attempts int) Option            { return func(c *Client) { c.attempts = attempts } }
func WithMaxRetryAfter(d time.Duration) Option { return func(c *Client) { c.maxWait = d } }

// WithBackoff replaces the delay between attempts. A Retry-After header on
// a 429 answer still takes precedence.
func WithBackoff(f func(attempt int) time.Duration) Option {
	return func(c *Client) { c.backoff = f }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		timeout:  10 * time.Second,
		attempts: 3,
		backoff:  backoffDuration,
		maxWait:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}
	return c
}

// GetJSON fetches path and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, call{op: "get " + path, method: fasthttp.MethodGet, path: path, out: out})
}

func (c *Client) do(ctx context.Context, cl call) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(cl.method)
	req.SetRequestURI(c.baseURL + cl.path)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.token)
	}
	if cl.key != "" {
		req.Header.Set(headerIdempotencyKey, cl.key)
	}
	if cl.body != nil {
		payload, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("collab %s: marshal: %w", cl.op, err)
		}
		req.SetBody(payload)
	}

	var last *Error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return last
			}
			return &Error{Op: cl.op, Err: err}
		}

		var wait time.Duration
		if err := c.http.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
			last = &Error{Op: cl.op, Err: err, transient: true}
		} else if status := resp.StatusCode(); status < 200 || status >= 300 {
			last = &Error{
				Op:        cl.op,
				Status:    status,
				Body:      truncate(string(resp.Body()), maxBodyInError),
				transient: retryableStatus(status),
			}
			if status == fasthttp.StatusTooManyRequests {
				wait = c.retryAfter(resp)
			}
		} else {
			if cl.out != nil {
				if err := json.Unmarshal(resp.Body(), cl.out); err != nil {
					return fmt.Errorf("collab %s: decode: %w", cl.op, err)
				}
			}
			return nil
		}

		if !last.transient || attempt == c.attempts {
			return last
		}
		if wait <= 0 {
			wait = c.backoff(attempt)
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return last
		}
	}
	if last == nil {
		return &Error{Op: cl.op, Err: errors.New("no attempt made")}
	}
	return last
}

func (c *Client) deadline(ctx context.Context) time.Time {
	dl := time.Now().Add(c.timeout)
	if ctxDL, ok := ctx.Deadline(); ok && ctxDL.Before(dl) {
		return ctxDL
	}
	return dl
}

// retryAfter reads a delay-seconds Retry-After, capped at maxWait.
func (c *Client) retryAfter(resp *fasthttp.Response) time.Duration {
	raw := strings.TrimSpace(string(resp.Header.Peek(fasthttp.HeaderRetryAfter)))
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > c.maxWait {
		d = c.maxWait
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func retryableStatus(code int) bool {
	switch code {
	case fasthttp.StatusTooManyRequests,
		fasthttp.StatusInternalServerError,
		fasthttp.StatusBadGateway,
		fasthttp.StatusServiceUnavailable,
		fasthttp.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
