// Package httpretry wraps an HTTP client with bounded retries, exponential
// backoff with full jitter, and Retry-After support.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/dStensland/LostCity-sub000/internal/pkg/logger"
)

// HTTPDoer executes HTTP requests. *http.Client and *Client satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options tunes retry behaviour. Zero values take the defaults.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MinDelay   time.Duration
}

// DefaultOptions returns 3 retries starting at 1s and capped at 30s.
func DefaultOptions() Options {
	return Options{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MinDelay: 100 * time.Millisecond}
}

// Client retries transient failures of the wrapped HTTPDoer.
type Client struct {
	client HTTPDoer
	opts   Options
}

// New wraps client. A nil client becomes an http.Client with a 30s timeout.
func New(client HTTPDoer, opts Options) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	d := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = d.MaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = d.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = d.MaxDelay
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = d.MinDelay
	}
	if opts.MinDelay > opts.MaxDelay {
		opts.MinDelay = opts.MaxDelay
	}
	return &Client{client: client, opts: opts}
}

// Do sends req, retrying on 429, 5xx gateway errors and network errors.
// Client errors and context cancellation are returned at once. The last
// retryable response is returned as-is so the caller can read its body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var (
		lastErr    error
		retryAfter time.Duration
	)

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := c.delay(attempt, retryAfter)
			logger.Debug("httpretry retrying", "attempt", attempt, "max", c.opts.MaxRetries,
				"method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "wait", delay.String())

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			retryAfter = 0
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryable(resp.StatusCode) || attempt == c.opts.MaxRetries {
			return resp, nil
		}

		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// delay is full-jitter exponential backoff, or the server's Retry-After
// when it asked for longer. Both are capped at MaxDelay.
func (c *Client) delay(attempt int, retryAfter time.Duration) time.Duration {
	exp := float64(c.opts.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.opts.MaxDelay) {
		exp = float64(c.opts.MaxDelay)
	}
	d := time.Duration(rand.Float64() * exp)
	if d < c.opts.MinDelay {
		d = c.opts.MinDelay
	}
	if retryAfter > d {
		d = retryAfter
	}
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	return d
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func retryable(code int) bool { return retryableStatus[code] }

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
