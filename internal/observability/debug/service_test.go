package debug

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talkie/internal/broadcast"
	"talkie/internal/host"
	"talkie/internal/runtime/supervisor"
	"talkie/internal/storage"
	logx "talkie/pkg/logx"
)

type fakeSource struct {
	h *host.Host
}

func (f fakeSource) BroadcastStats() broadcast.Stats         { return f.h.Broadcaster().Stats() }
func (f fakeSource) Pages() []host.PageInfo                  { return f.h.Pages() }
func (f fakeSource) Goroutines() []supervisor.GoroutineStats { return nil }
func (f fakeSource) History(context.Context, int) ([]storage.HistoryEntry, error) {
	return nil, storage.ErrDisabled
}

func newSource(t *testing.T) fakeSource {
	t.Helper()
	h := host.New(logx.Nop())
	t.Cleanup(func() { _ = h.Close() })
	_, err := h.Open(host.KindPopup).Listen(broadcast.EventAfterSpeaking, func(context.Context, string, any) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	return fakeSource{h: h}
}

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBroadcastStatsEndpoint(t *testing.T) {
	h := Handler(newSource(t), "")

	rec := get(t, h, "/debug/talkie/broadcast")
	require.Equal(t, http.StatusOK, rec.Code)
	var st broadcast.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.Listeners[broadcast.EventAfterSpeaking])

	rec = get(t, h, "/debug/talkie/pages")
	require.Equal(t, http.StatusOK, rec.Code)
	var pages []host.PageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pages))
	assert.Len(t, pages, 2)

	rec = get(t, h, "/debug/talkie/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	h := Handler(newSource(t), "s3cret")

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz?token=nope").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", "Authorization", "Bearer s3cret").Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, newSource(t), logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Reconfigure(context.Background(), Config{Enabled: false})
	require.Eventually(t, func() bool { return s.Addr() == "" }, 2*time.Second, 10*time.Millisecond)
}
