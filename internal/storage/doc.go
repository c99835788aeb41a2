// Package storage persists the app access token cache so a restart inside the
// token lifetime does not re-authenticate.
//
// Records past ExpiresAt are dropped on open and never returned.
package storage
