package transport

import (
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// backoff returns the delay before the retry that follows attempt
// (attempt starts at 1): factor * 2^(attempt-1) seconds, capped at BackoffMax.
func backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	secs := cfg.BackoffFactor * math.Pow(2, float64(attempt-1))
	d := time.Duration(secs * float64(time.Second))
	if d < 0 || d > cfg.BackoffMax {
		return cfg.BackoffMax
	}
	return d
}

// retryAfter parses a Retry-After header (delta-seconds or HTTP date).
func retryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// redactURL drops the query string so ids never reach the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
