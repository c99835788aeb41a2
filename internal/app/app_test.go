package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feishubot/internal/config"
	"feishubot/internal/feishu"
	"feishubot/internal/feishu/delivery"
	"feishubot/internal/storage"
	logx "feishubot/pkg/logx"
	feishuplugin "feishubot/plugins/feishu"
)

func fakeFeishu(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case feishu.TokenPath:
			tokenHits.Add(1)
			_, _ = io.WriteString(w, `{"code":0,"msg":"ok","app_access_token":"tok","expire":7200}`)
		case feishu.MessagePath:
			_, _ = io.WriteString(w, `{"code":0,"msg":"success","data":{"message_id":"om_1"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &tokenHits
}

func writeConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
logging:
  level: error
  console: false
storage:
  driver: file
  path: %s
scheduler:
  enabled: false
plugins:
  feishu:
    enabled: true
    config:
      app_id: cli_test
      app_secret: s3cret
      base_url: %s
      transport:
        max_retries: -1
        rate_per_sec: -1
`, filepath.Join(dir, "state"), baseURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestAppDeliversMenuAndPersistsToken(t *testing.T) {
	srv, tokenHits := fakeFeishu(t)
	dir := t.TempDir()

	a, err := New(writeConfig(t, dir, srv.URL))
	require.NoError(t, err)
	a.Plugins().Register(feishuplugin.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	reports, unsub := a.Bus().Subscribe(4, delivery.EventDelivered, delivery.EventFailed)
	defer unsub()

	st := a.Plugins().Snapshot()
	require.Len(t, st, 1)
	assert.True(t, st[0].Running)
	assert.True(t, st[0].Ready)

	require.NoError(t, a.Trigger(ctx, "/feishu", map[string]any{"channel": "oc_1"}))
	select {
	case ev := <-reports:
		assert.Equal(t, delivery.EventDelivered, ev.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery report")
	}
	assert.Equal(t, int32(1), tokenHits.Load())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state")}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	rec, ok, err := store.LoadToken(context.Background(), "cli_test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok", rec.Token)
}

func TestNewRejectsBadGlobalConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage":{"driver":"redis"},"plugins":{}}`), 0o600))
	_, err := New(path)
	assert.ErrorContains(t, err, "storage.driver")

	require.NoError(t, os.WriteFile(path, []byte(`{"scheduler":{"enabled":true,"timezone":"Mars/Olympus"},"plugins":{}}`), 0o600))
	_, err = New(path)
	assert.ErrorContains(t, err, "scheduler.timezone")
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, enabled, err := mapStorageConfig(nil)
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg := decodeConfig(t, `{"storage":{"driver":"sqlite"}}`)
	_, _, err = mapStorageConfig(cfg)
	assert.Error(t, err, "sqlite needs a path")

	cfg = decodeConfig(t, `{"storage":{"driver":"SQLite","path":"x.db","busy_timeout":"2s"}}`)
	sc, enabled, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
}

func decodeConfig(t *testing.T, raw string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("config.json", []byte(raw))
	require.NoError(t, err)
	return cfg
}
