package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "feishubot/pkg/logx"
)

// fileStore keeps tokens in memory and mirrors every change to disk.
//
// Files:
//   - <prefix>.tokens.snapshot.json (compacted state)
//   - <prefix>.tokens.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	tokens       map[string]TokenRecord

	writes int
}

const compactEvery = 100

type journalRecord struct {
	Op     string      `json:"op"` // put | del
	Record TokenRecord `json:"rec"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tokens.snapshot.json"
	journalPath := prefix + ".tokens.journal.jsonl"

	tokens := map[string]TokenRecord{}
	if err := loadSnapshot(snapPath, tokens); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token snapshot unreadable; starting empty", logx.Err(err))
	}
	if err := replayJournal(journalPath, tokens); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token journal replay failed", logx.Err(err))
	}
	pruneExpired(tokens, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("tokens", len(tokens)))

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		tokens:       tokens,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) LoadToken(ctx context.Context, appID string) (TokenRecord, bool, error) {
	_ = ctx
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return TokenRecord{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[appID]
	if !ok || !time.Now().Before(rec.ExpiresAt) {
		return TokenRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *fileStore) SaveToken(ctx context.Context, rec TokenRecord) error {
	_ = ctx
	rec.AppID = strings.TrimSpace(rec.AppID)
	if rec.AppID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("token journal closed")
	}
	s.tokens[rec.AppID] = rec
	return s.appendLocked(journalRecord{Op: "put", Record: rec})
}

func (s *fileStore) DeleteToken(ctx context.Context, appID string) error {
	_ = ctx
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("token journal closed")
	}
	if _, ok := s.tokens[appID]; !ok {
		return nil
	}
	delete(s.tokens, appID)
	return s.appendLocked(journalRecord{Op: "del", Record: TokenRecord{AppID: appID}})
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("token compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpired(s.tokens, time.Now())

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tokens); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]TokenRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]TokenRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]TokenRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Record.AppID == "" {
			continue
		}
		switch r.Op {
		case "put":
			out[r.Record.AppID] = r.Record
		case "del":
			delete(out, r.Record.AppID)
		}
	}
	return sc.Err()
}

func pruneExpired(m map[string]TokenRecord, now time.Time) {
	for k, v := range m {
		if !now.Before(v.ExpiresAt) {
			delete(m, k)
		}
	}
}
