package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + append-only journal next to Path
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TokenRecord is a persisted app access token, keyed by app id.
// Keep it compact and schema-stable.
type TokenRecord struct {
	AppID     string    `json:"app_id"`
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Fingerprint identifies the credentials the token was issued for.
	Fingerprint string `json:"fingerprint,omitempty"`
}
