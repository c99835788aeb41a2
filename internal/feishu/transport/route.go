package transport

import (
	"context"
	"net/http"
)

// OneShot is the degraded path: a fresh, non-pooled connection per request
// and a single attempt.
type OneShot struct {
	client *http.Client
}

func NewOneShot() *OneShot {
	return &OneShot{client: &http.Client{Transport: &http.Transport{
		Proxy:             http.ProxyFromEnvironment,
		DisableKeepAlives: true,
	}}}
}

func (o *OneShot) Do(ctx context.Context, req Request) (Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := doOnce(ctx, o.client, req)
	resp.Attempts = 1
	if err != nil {
		return resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &StatusError{Code: resp.StatusCode, Body: resp.Body, Attempts: 1}
	}
	return resp, nil
}

// Router picks the path for every request:
//   - open pool: pooled, retrying client
//   - no pool configured: one-shot client
//   - closed pool: ErrClosed, never a silent reconnect
type Router struct {
	pool    *Pool
	oneShot *OneShot
}

func Route(pool *Pool) *Router {
	return &Router{pool: pool, oneShot: NewOneShot()}
}

func (r *Router) Do(ctx context.Context, req Request) (Response, error) {
	switch {
	case r.pool.Available():
		return r.pool.Do(ctx, req)
	case r.pool.Closed():
		return Response{}, ErrClosed
	default:
		return r.oneShot.Do(ctx, req)
	}
}

// Pooled reports whether requests currently go through the pool.
func (r *Router) Pooled() bool { return r.pool.Available() }
