package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"feishubot/internal/storage"
	logx "feishubot/pkg/logx"
)

// DefaultTTL is how long an app access token is trusted after issuance.
// The platform grants 7200s; the client deliberately uses less.
const DefaultTTL = 5400 * time.Second

// Credentials identify the app. Never log AppSecret; use Masked for AppID.
type Credentials struct {
	AppID     string
	AppSecret string
}

func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.AppSecret) == ""
}

func (c Credentials) Masked() string { return logx.Mask(c.AppID, 10) }

// Fingerprint is a one-way digest of both fields. A persisted token is only
// reused when the fingerprint it was saved with still matches.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.AppID + "\x00" + c.AppSecret))
	return hex.EncodeToString(sum[:])
}

// Token is a cached app access token.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the token may be used at now (now < ExpiresAt).
func (t Token) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Config controls token acquisition.
type Config struct {
	BaseURL     string
	Credentials Credentials
	TTL         time.Duration // default DefaultTTL
	Margin      time.Duration // subtracted from TTL; default 0
	Timeout     time.Duration // per-attempt, default 10s
	// PrewarmWindow: Prewarm refreshes tokens expiring within this window.
	PrewarmWindow time.Duration
}

// TokenStore persists the cached token across restarts. Optional.
// storage.Store satisfies it.
type TokenStore interface {
	LoadToken(ctx context.Context, appID string) (storage.TokenRecord, bool, error)
	SaveToken(ctx context.Context, rec storage.TokenRecord) error
	DeleteToken(ctx context.Context, appID string) error
}
