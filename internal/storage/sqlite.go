package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "feishubot/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	app_id     TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	issued_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tokens_expires_at ON tokens(expires_at);
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	// Databases created before fingerprints were stored.
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE tokens ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''`); err != nil &&
		!strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE expires_at <= ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadToken(ctx context.Context, appID string) (TokenRecord, bool, error) {
	if s == nil || s.db == nil {
		return TokenRecord{}, false, ErrDisabled
	}
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return TokenRecord{}, false, nil
	}
	var (
		tok, fp         string
		issued, expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, issued_at, expires_at, fingerprint FROM tokens WHERE app_id = ? AND expires_at > ?`,
		appID, time.Now().UnixMilli(),
	).Scan(&tok, &issued, &expires, &fp)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenRecord{}, false, nil
	}
	if err != nil {
		return TokenRecord{}, false, err
	}
	return TokenRecord{
		AppID:       appID,
		Token:       tok,
		IssuedAt:    time.UnixMilli(issued),
		ExpiresAt:   time.UnixMilli(expires),
		Fingerprint: fp,
	}, true, nil
}

func (s *sqliteStore) SaveToken(ctx context.Context, rec TokenRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(rec.AppID) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens(app_id, token, issued_at, expires_at, fingerprint) VALUES(?,?,?,?,?)
		 ON CONFLICT(app_id) DO UPDATE SET token=excluded.token, issued_at=excluded.issued_at,
		 expires_at=excluded.expires_at, fingerprint=excluded.fingerprint`,
		strings.TrimSpace(rec.AppID), rec.Token, rec.IssuedAt.UnixMilli(), rec.ExpiresAt.UnixMilli(), rec.Fingerprint,
	)
	return err
}

func (s *sqliteStore) DeleteToken(ctx context.Context, appID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE app_id = ?`, strings.TrimSpace(appID))
	return err
}
