package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"feishubot/internal/feishu"
)

var ErrClosed = errors.New("transport pool closed")

// Config controls the pooled client.
//
// Defaults (when fields are omitted/zero):
//   - max_connections: 20
//   - max_retries: 3 (negative disables retries)
//   - backoff_factor: 0.5 (seconds, exponential)
//   - backoff_max: 30s
//   - retryable_statuses: 500, 502, 503, 504
//   - connect_timeout: 10s
//   - auth_timeout: 10s, send_timeout: 15s
//   - rate_per_sec: 10 (negative disables throttling)
type Config struct {
	MaxConnections    int
	MaxRetries        int
	BackoffFactor     float64
	BackoffMax        time.Duration
	RetryableStatuses []int
	ConnectTimeout    time.Duration
	AuthTimeout       time.Duration
	SendTimeout       time.Duration
	RatePerSec        int
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 20
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 0.5
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if len(c.RetryableStatuses) == 0 {
		c.RetryableStatuses = []int{500, 502, 503, 504}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 10
	}
	return c
}

// Normalize returns cfg with defaults filled in.
func Normalize(cfg Config) Config { return cfg.withDefaults() }

// Request is a single outbound call. Timeout bounds each attempt.
//
// Idempotent marks a non-idempotent method (POST) as safe to replay, e.g. a
// token request or a message carrying a dedup uuid.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	Timeout    time.Duration
	Idempotent bool
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// StatusError is a non-2xx response that was not (or no longer) retried.
type StatusError struct {
	Code     int
	Body     []byte
	Attempts int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d after %d attempt(s): %s", e.Code, e.Attempts, feishu.Truncate(string(e.Body), 300))
}

// Doer is what the auth and delivery layers send through.
type Doer interface {
	Do(ctx context.Context, req Request) (Response, error)
}
