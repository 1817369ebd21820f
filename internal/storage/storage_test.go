package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	logx "talkie/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "talkie.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			st := openDriver(t, driver)
			ctx := context.Background()

			_, ok, err := st.GetSetting(ctx, "voice")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, st.PutSetting(ctx, "voice", "Alex"))
			require.NoError(t, st.PutSetting(ctx, "voice", "Samantha"))
			v, ok, err := st.GetSetting(ctx, "voice")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "Samantha", v)

			require.Error(t, st.PutSetting(ctx, " ", "x"))

			for i := 0; i < 5; i++ {
				require.NoError(t, st.AppendHistory(ctx, HistoryEntry{
					UtteranceID: fmt.Sprintf("u%d", i),
					Parts:       1,
					Chars:       10 + i,
					Outcome:     OutcomeDone,
				}))
			}
			recent, err := st.RecentHistory(ctx, 3)
			require.NoError(t, err)
			require.Len(t, recent, 3)
			require.Equal(t, "u4", recent[0].UtteranceID)
			require.Equal(t, "u2", recent[2].UtteranceID)
			require.Equal(t, 14, recent[0].Chars)
			require.False(t, recent[0].At.IsZero())

			none, err := st.RecentHistory(ctx, 0)
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}

func TestFileStoreReplaysSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "talkie.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	for i := 0; i < compactEvery+3; i++ {
		require.NoError(t, st.PutSetting(ctx, "rate", fmt.Sprint(i)))
	}
	require.NoError(t, st.PutSetting(ctx, "pitch", "1.5"))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v, ok, err := st.GetSetting(ctx, "rate")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fmt.Sprint(compactEvery+2), v)

	v, _, _ = st.GetSetting(ctx, "pitch")
	require.Equal(t, "1.5", v)
}
