package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "feishubot/pkg/logx"
)

// maxResponseBody caps how much of a response is buffered.
const maxResponseBody = 4 << 20

// Pool is a long-lived keep-alive HTTP client with bounded retries.
//
// It is safe for concurrent use. Close releases idle connections exactly once;
// any Do after Close fails fast with ErrClosed.
type Pool struct {
	cfg     Config
	log     logx.Logger
	client  *http.Client
	tr      *http.Transport
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()

	d := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	p := &Pool{
		cfg:    cfg,
		log:    log,
		client: &http.Client{Transport: tr},
		tr:     tr,
		sleep:  sleepCtx,
	}
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return p
}

func (p *Pool) Config() Config { return p.cfg }

// Available reports whether the pool exists and has not been closed.
func (p *Pool) Available() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.closed
}

// Closed reports whether Close has been called.
func (p *Pool) Closed() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.tr.CloseIdleConnections()
	p.log.Debug("transport pool closed")
	return nil
}

func (p *Pool) Do(ctx context.Context, req Request) (Response, error) {
	if !p.Available() {
		return Response{}, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	retries := 0
	if isIdempotent(req) {
		retries = p.cfg.MaxRetries
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= retries+1; attempt++ {
		if p.Closed() {
			return Response{}, ErrClosed
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}

		attempts = attempt
		resp, err := doOnce(ctx, p.client, req)
		resp.Attempts = attempt
		var delay time.Duration
		switch {
		case err != nil:
			lastErr = err
			if ctx.Err() != nil {
				return Response{}, fmt.Errorf("request %s %s: %w", req.Method, redactURL(req.URL), err)
			}
			delay = backoff(p.cfg, attempt)
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case p.retryable(resp.StatusCode):
			lastErr = &StatusError{Code: resp.StatusCode, Body: resp.Body, Attempts: attempt}
			delay = backoff(p.cfg, attempt)
			if ra, ok := retryAfter(resp.Header, time.Now()); ok && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
				delay = min(ra, p.cfg.BackoffMax)
			}
		default:
			return resp, &StatusError{Code: resp.StatusCode, Body: resp.Body, Attempts: attempt}
		}

		if attempt > retries {
			break
		}
		p.log.Debug("request failed; retrying",
			logx.String("url", redactURL(req.URL)),
			logx.Int("attempt", attempt),
			logx.Int("max", retries+1),
			logx.Duration("backoff", delay),
			logx.Err(lastErr),
		)
		if err := p.sleep(ctx, delay); err != nil {
			return Response{}, err
		}
	}

	var se *StatusError
	if errors.As(lastErr, &se) {
		se.Attempts = attempts
		return Response{StatusCode: se.Code, Body: se.Body, Attempts: attempts}, se
	}
	return Response{Attempts: attempts}, fmt.Errorf("request %s %s failed after %d attempt(s): %w", req.Method, redactURL(req.URL), attempts, lastErr)
}

func (p *Pool) retryable(code int) bool {
	for _, c := range p.cfg.RetryableStatuses {
		if c == code {
			return true
		}
	}
	return false
}

// doOnce performs one attempt bounded by req.Timeout.
func doOnce(ctx context.Context, c *http.Client, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && hr.Header.Get("Content-Type") == "" {
		hr.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.Do(hr)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	return Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

func isIdempotent(req Request) bool {
	if req.Idempotent {
		return true
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
