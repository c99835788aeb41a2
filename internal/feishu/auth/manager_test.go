package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feishubot/internal/feishu"
	"feishubot/internal/feishu/transport"
	"feishubot/internal/storage"
	logx "feishubot/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// tokenServer answers token requests with "tok-<app_id>" unless reply is set.
type tokenServer struct {
	*httptest.Server
	hits  atomic.Int32
	gate  chan struct{} // when non-nil, each request waits for a receive
	reply func(appID string) (int, string)
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		assert.Equal(t, feishu.TokenPath, r.URL.Path)
		var req tokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if ts.gate != nil {
			<-ts.gate
		}
		if ts.reply != nil {
			code, body := ts.reply(req.AppID)
			w.WriteHeader(code)
			_, _ = w.Write([]byte(body))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok","app_access_token":"tok-` + req.AppID + `","expire":7200}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, ts *tokenServer, creds Credentials, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	pool := transport.New(transport.Config{MaxRetries: -1, RatePerSec: -1}, logx.Nop())
	t.Cleanup(func() { _ = pool.Close() })
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	m := New(Config{BaseURL: ts.URL, Credentials: creds}, pool, logx.Nop(), opts...)
	return m, clk
}

var validCreds = Credentials{AppID: "cli_app", AppSecret: "secret"}

func TestTokenCacheHit(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts, validCreds)

	tok1, err := m.Token(context.Background())
	require.NoError(t, err)
	tok2, err := m.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-cli_app", tok1.Value)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestTokenExpiryBoundary(t *testing.T) {
	ts := newTokenServer(t)
	m, clk := newTestManager(t, ts, validCreds)
	issued := clk.Now()

	tok, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, issued.Add(DefaultTTL), tok.ExpiresAt)

	clk.Advance(DefaultTTL - time.Second)
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), ts.hits.Load(), "T+V-1 must be served from cache")

	clk.Advance(time.Second)
	tok2, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.hits.Load(), "T+V must re-issue")
	assert.Equal(t, clk.Now().Add(DefaultTTL), tok2.ExpiresAt)
}

func TestTokenSingleFlight(t *testing.T) {
	ts := newTokenServer(t)
	ts.gate = make(chan struct{})
	m, _ := newTestManager(t, ts, validCreds)

	const n = 16
	var wg sync.WaitGroup
	results := make([]Token, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Token(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return ts.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ts.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "tok-cli_app", results[i].Value)
	}
	assert.Equal(t, int32(1), ts.hits.Load())
}

func TestTokenEmptyCredentialsSkipsNetwork(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts, Credentials{AppID: "cli_app"})

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, feishu.ErrNotConfigured)
	assert.Equal(t, int32(0), ts.hits.Load())
}

func TestTokenRejectedIsNotCached(t *testing.T) {
	ts := newTokenServer(t)
	ts.reply = func(string) (int, string) { return 200, `{"code":99,"msg":"invalid app"}` }
	m, _ := newTestManager(t, ts, validCreds)

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.True(t, feishu.IsAuthFailure(err))
	var apiErr *feishu.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 99, apiErr.Code)
	assert.Contains(t, apiErr.Body, "invalid app")

	_, err = m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), ts.hits.Load())
	assert.False(t, m.Status().HasToken)
}

func TestTokenHTTPErrorWithEnvelope(t *testing.T) {
	ts := newTokenServer(t)
	ts.reply = func(string) (int, string) { return 400, `{"code":10003,"msg":"invalid param"}` }
	m, _ := newTestManager(t, ts, validCreds)

	_, err := m.Token(context.Background())
	assert.True(t, feishu.IsAuthFailure(err))
}

func TestTokenTransportFailure(t *testing.T) {
	ts := newTokenServer(t)
	ts.reply = func(string) (int, string) { return 502, `bad gateway` }
	m, _ := newTestManager(t, ts, validCreds)

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.False(t, feishu.IsAuthFailure(err))
	var se *transport.StatusError
	assert.ErrorAs(t, err, &se)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	ts := newTokenServer(t)
	m, _ := newTestManager(t, ts, validCreds)

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	m.Invalidate()
	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.hits.Load())
}

func TestCredentialChangeDuringRefresh(t *testing.T) {
	ts := newTokenServer(t)
	ts.gate = make(chan struct{}, 2)
	m, _ := newTestManager(t, ts, validCreds)

	done := make(chan Token, 1)
	go func() {
		tok, err := m.Token(context.Background())
		assert.NoError(t, err)
		done <- tok
	}()

	require.Eventually(t, func() bool { return ts.hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.SetCredentials(Credentials{AppID: "cli_new", AppSecret: "secret2"}))
	ts.gate <- struct{}{}
	ts.gate <- struct{}{}

	select {
	case tok := <-done:
		assert.Equal(t, "tok-cli_new", tok.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("Token did not return")
	}
	assert.Equal(t, int32(2), ts.hits.Load())
	assert.False(t, m.SetCredentials(Credentials{AppID: "cli_new", AppSecret: "secret2"}))
}

func TestPrewarmRefreshesNearExpiry(t *testing.T) {
	ts := newTokenServer(t)
	m, clk := newTestManager(t, ts, validCreds)

	require.NoError(t, m.Prewarm(context.Background()))
	require.NoError(t, m.Prewarm(context.Background()))
	assert.Equal(t, int32(1), ts.hits.Load())

	clk.Advance(DefaultTTL - 5*time.Minute)
	require.NoError(t, m.Prewarm(context.Background()))
	assert.Equal(t, int32(2), ts.hits.Load())
}

type memTokenStore struct {
	mu   sync.Mutex
	recs map[string]storage.TokenRecord
}

func (s *memTokenStore) LoadToken(_ context.Context, appID string) (storage.TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[appID]
	return r, ok, nil
}

func (s *memTokenStore) SaveToken(_ context.Context, rec storage.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.AppID] = rec
	return nil
}

func (s *memTokenStore) DeleteToken(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, appID)
	return nil
}

func TestStorePersistAndRestore(t *testing.T) {
	ts := newTokenServer(t)
	st := &memTokenStore{recs: map[string]storage.TokenRecord{}}

	m1, _ := newTestManager(t, ts, validCreds, WithStore(st))
	_, err := m1.Token(context.Background())
	require.NoError(t, err)
	require.Contains(t, st.recs, "cli_app")

	m2, _ := newTestManager(t, ts, validCreds, WithStore(st))
	require.True(t, m2.Restore(context.Background()))
	tok, err := m2.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-cli_app", tok.Value)
	assert.Equal(t, int32(1), ts.hits.Load())

	m2.Reset()
	assert.False(t, m2.Status().HasToken)
	assert.Contains(t, st.recs, "cli_app", "Reset keeps the persisted copy")

	m2.Invalidate()
	assert.NotContains(t, st.recs, "cli_app")
}

func TestRestoreRejectsRotatedSecret(t *testing.T) {
	ts := newTokenServer(t)
	st := &memTokenStore{recs: map[string]storage.TokenRecord{}}

	m1, _ := newTestManager(t, ts, validCreds, WithStore(st))
	_, err := m1.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, validCreds.Fingerprint(), st.recs["cli_app"].Fingerprint)

	rotated := Credentials{AppID: "cli_app", AppSecret: "rotated"}
	m2, _ := newTestManager(t, ts, rotated, WithStore(st))
	assert.False(t, m2.Restore(context.Background()))
	assert.NotContains(t, st.recs, "cli_app")

	_, err = m2.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), ts.hits.Load())
	assert.Equal(t, rotated.Fingerprint(), st.recs["cli_app"].Fingerprint)
}

func TestCredentialsMasked(t *testing.T) {
	t.Parallel()
	c := Credentials{AppID: "cli_a90f0e54aab05bde", AppSecret: "x"}
	assert.Equal(t, "cli_a90f0e...", c.Masked())
	assert.False(t, c.Empty())
	assert.True(t, Credentials{AppID: " ", AppSecret: "x"}.Empty())
	assert.NotEqual(t, c.Fingerprint(), Credentials{AppID: c.AppID, AppSecret: "y"}.Fingerprint())
}
