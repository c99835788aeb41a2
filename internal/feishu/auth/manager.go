package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"feishubot/internal/feishu"
	"feishubot/internal/feishu/transport"
	"feishubot/internal/storage"
	logx "feishubot/pkg/logx"
)

// ErrCredentialsChanged is returned when the credentials were replaced while
// a refresh was in flight, twice in a row.
var ErrCredentialsChanged = errors.New("credentials changed during token refresh")

type tokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tokenResponse struct {
	Code           int    `json:"code"`
	Msg            string `json:"msg"`
	AppAccessToken string `json:"app_access_token"`
	Expire         int    `json:"expire"`
}

// Manager hands out a currently valid app access token.
//
// Concurrent misses share one in-flight request (single-flight keyed by the
// credential generation). A refresh never overwrites the cache once the
// credentials it used have been replaced.
type Manager struct {
	cfg    Config
	client transport.Doer
	log    logx.Logger
	store  TokenStore
	now    func() time.Time

	mu    sync.Mutex
	creds Credentials
	token Token
	gen   uint64

	flights singleflight.Group
}

type Option func(*Manager)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStore persists tokens so restarts can skip re-authentication.
func WithStore(st TokenStore) Option {
	return func(m *Manager) { m.store = st }
}

func New(cfg Config, client transport.Doer, log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = feishu.DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Margin < 0 || cfg.Margin >= cfg.TTL {
		cfg.Margin = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PrewarmWindow <= 0 {
		cfg.PrewarmWindow = 10 * time.Minute
	}
	m := &Manager{
		cfg:    cfg,
		client: client,
		log:    log,
		now:    time.Now,
		creds:  cfg.Credentials,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Token returns the cached token while now < expiry, otherwise acquires a new one.
//
// Errors:
//   - feishu.ErrNotConfigured: empty credentials, nothing was sent
//   - *feishu.APIError (Op "auth"): the endpoint rejected the credentials
//   - ErrCredentialsChanged: credentials kept changing under the refresh
//   - anything else: transport failure after the pool's own retries
func (m *Manager) Token(ctx context.Context) (Token, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := m.acquire(ctx, 0)
		if errors.Is(err, ErrCredentialsChanged) {
			continue
		}
		return tok, err
	}
	return Token{}, ErrCredentialsChanged
}

// Prewarm refreshes the token when it is missing or expires within the prewarm window.
func (m *Manager) Prewarm(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := m.acquire(ctx, m.cfg.PrewarmWindow)
	if errors.Is(err, ErrCredentialsChanged) {
		_, err = m.acquire(ctx, m.cfg.PrewarmWindow)
	}
	return err
}

func (m *Manager) acquire(ctx context.Context, minValid time.Duration) (Token, error) {
	m.mu.Lock()
	if m.token.ValidAt(m.now().Add(minValid)) {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}
	creds, gen := m.creds, m.gen
	m.mu.Unlock()

	if creds.Empty() {
		m.log.Warn("feishu credentials not configured; skipping token request")
		return Token{}, feishu.ErrNotConfigured
	}

	ch := m.flights.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.refresh(ctx, creds, gen, minValid)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, creds Credentials, gen uint64, minValid time.Duration) (Token, error) {
	// A flight that finished just before this one started may have filled the cache.
	m.mu.Lock()
	if m.gen == gen && m.token.ValidAt(m.now().Add(minValid)) {
		tok := m.token
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	// The flight is shared; one caller giving up must not fail the others.
	fctx := context.WithoutCancel(ctx)

	body, err := json.Marshal(tokenRequest{AppID: creds.AppID, AppSecret: creds.AppSecret})
	if err != nil {
		return Token{}, err
	}
	start := m.now()
	resp, err := m.client.Do(fctx, transport.Request{
		Method:     http.MethodPost,
		URL:        m.cfg.BaseURL + feishu.TokenPath,
		Body:       body,
		Timeout:    m.cfg.Timeout,
		Idempotent: true,
	})
	if err != nil {
		err = classify(err)
		m.log.Error("token request failed",
			logx.String("app_id", creds.Masked()),
			logx.Err(err),
		)
		return Token{}, err
	}

	var out tokenResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		m.log.Error("token response undecodable",
			logx.String("app_id", creds.Masked()),
			logx.String("body", feishu.Truncate(string(resp.Body), 300)),
			logx.Err(err),
		)
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if out.Code != 0 || out.AppAccessToken == "" {
		apiErr := &feishu.APIError{Op: "auth", Code: out.Code, Msg: out.Msg, Body: string(resp.Body)}
		m.log.Error("token request rejected",
			logx.String("app_id", creds.Masked()),
			logx.Int("code", out.Code),
			logx.String("body", feishu.Truncate(string(resp.Body), 300)),
		)
		return Token{}, apiErr
	}

	issued := m.now()
	tok := Token{
		Value:     out.AppAccessToken,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(m.cfg.TTL - m.cfg.Margin),
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.log.Info("discarding token issued for replaced credentials", logx.String("app_id", creds.Masked()))
		return Token{}, ErrCredentialsChanged
	}
	m.token = tok
	m.mu.Unlock()

	m.persist(fctx, creds, tok)
	m.log.Info("app access token refreshed",
		logx.String("app_id", creds.Masked()),
		logx.Time("expires_at", tok.ExpiresAt),
		logx.Duration("took", m.now().Sub(start)),
	)
	return tok, nil
}

// classify turns a non-2xx response that still carries a {code,msg} envelope
// into an auth APIError; everything else stays a transport error.
func classify(err error) error {
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return err
	}
	env, ok := feishu.DecodeEnvelope(se.Body)
	if !ok || env.Code == 0 {
		return err
	}
	return &feishu.APIError{Op: "auth", Code: env.Code, Msg: env.Msg, Body: string(se.Body)}
}

// Invalidate drops the cached token. In-flight refreshes that started before
// the call will not repopulate the cache.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.token = Token{}
	m.gen++
	appID := m.creds.AppID
	m.mu.Unlock()

	if m.store != nil && appID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.store.DeleteToken(ctx, appID); err != nil {
			m.log.Debug("token store delete failed", logx.Err(err))
		}
	}
}

// Reset drops the in-memory token only; a persisted copy survives for the next start.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.token = Token{}
	m.gen++
	m.mu.Unlock()
}

// SetCredentials swaps credentials and invalidates the cache when they differ.
// It reports whether anything changed.
func (m *Manager) SetCredentials(c Credentials) bool {
	m.mu.Lock()
	if m.creds == c {
		m.mu.Unlock()
		return false
	}
	old := m.creds
	m.mu.Unlock()

	// Forget the token persisted for the old app first.
	m.Invalidate()

	m.mu.Lock()
	m.creds = c
	m.gen++
	m.mu.Unlock()

	m.log.Info("credentials updated", logx.String("old_app_id", old.Masked()), logx.String("app_id", c.Masked()))
	return true
}

// Restore loads a persisted, still valid token for the current credentials.
// A record saved under a different secret is deleted instead.
func (m *Manager) Restore(ctx context.Context) bool {
	if m.store == nil {
		return false
	}
	m.mu.Lock()
	creds, gen := m.creds, m.gen
	m.mu.Unlock()
	if creds.Empty() {
		return false
	}

	rec, ok, err := m.store.LoadToken(ctx, creds.AppID)
	if err != nil {
		m.log.Debug("token store load failed", logx.Err(err))
		return false
	}
	if !ok {
		return false
	}
	if rec.Fingerprint != creds.Fingerprint() {
		m.log.Info("discarding persisted token issued for other credentials", logx.String("app_id", creds.Masked()))
		if err := m.store.DeleteToken(ctx, creds.AppID); err != nil {
			m.log.Debug("token store delete failed", logx.Err(err))
		}
		return false
	}
	tok := Token{Value: rec.Token, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt}
	if !tok.ValidAt(m.now()) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.token = tok
	m.log.Info("restored cached token", logx.String("app_id", creds.Masked()), logx.Time("expires_at", tok.ExpiresAt))
	return true
}

func (m *Manager) persist(ctx context.Context, creds Credentials, tok Token) {
	if m.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := m.store.SaveToken(sctx, storage.TokenRecord{
		AppID:       creds.AppID,
		Token:       tok.Value,
		IssuedAt:    tok.IssuedAt,
		ExpiresAt:   tok.ExpiresAt,
		Fingerprint: creds.Fingerprint(),
	})
	if err != nil {
		m.log.Debug("token store save failed", logx.Err(err))
	}
}

// Status is a log/health friendly view; it never includes the token value.
type Status struct {
	AppID      string    `json:"app_id"`
	Configured bool      `json:"configured"`
	HasToken   bool      `json:"has_token"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{AppID: m.creds.Masked(), Configured: !m.creds.Empty()}
	if m.token.ValidAt(m.now()) {
		st.HasToken = true
		st.ExpiresAt = m.token.ExpiresAt
	}
	return st
}
