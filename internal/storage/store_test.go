package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "feishubot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "state.db")
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)

			_, ok, err := st.LoadToken(ctx, "cli_a")
			require.NoError(t, err)
			assert.False(t, ok)

			live := TokenRecord{AppID: "cli_a", Token: "t-a", IssuedAt: now, ExpiresAt: now.Add(time.Hour), Fingerprint: "fp-a"}
			require.NoError(t, st.SaveToken(ctx, live))
			require.NoError(t, st.SaveToken(ctx, TokenRecord{AppID: "cli_old", Token: "t-old", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}))
			require.NoError(t, st.SaveToken(ctx, TokenRecord{AppID: "cli_b", Token: "t-b", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))
			require.NoError(t, st.DeleteToken(ctx, "cli_b"))

			_, ok, err = st.LoadToken(ctx, "cli_old")
			require.NoError(t, err)
			assert.False(t, ok, "expired records are never returned")
			require.NoError(t, st.Close())

			// Reopen: state survives.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			got, ok, err := st.LoadToken(ctx, "cli_a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "t-a", got.Token)
			assert.True(t, got.ExpiresAt.Equal(live.ExpiresAt))
			assert.Equal(t, "fp-a", got.Fingerprint)

			_, ok, err = st.LoadToken(ctx, "cli_b")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.SaveToken(ctx, TokenRecord{AppID: "cli_a", Token: "t1", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, st.SaveToken(ctx, TokenRecord{AppID: "cli_a", Token: "t2", ExpiresAt: time.Now().Add(time.Hour)}))

	// Simulates a crash: the first handle is never closed.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()
	got, ok, err := st2.LoadToken(ctx, "cli_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t2", got.Token)
	_ = st.Close()
}
