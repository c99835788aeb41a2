package storage

import (
	"context"
	"errors"
	"strings"

	logx "feishubot/pkg/logx"
)

// Store is the minimal persistence API used by the credential manager.
type Store interface {
	LoadToken(ctx context.Context, appID string) (TokenRecord, bool, error)
	SaveToken(ctx context.Context, rec TokenRecord) error
	DeleteToken(ctx context.Context, appID string) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
