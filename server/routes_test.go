package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
	"github.com/abdelmounim-dev/collab-coordinator/presence"
	"github.com/abdelmounim-dev/collab-coordinator/state"
)

func newTestRoutes(t *testing.T) (http.Handler, *presence.Tracker, *state.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := state.NewRedisStore(client, state.DefaultRetention)
	tracker := presence.NewTracker(store, "node-a", zap.NewNop())
	routes := Routes{
		WebSocket: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) },
		Presence:  tracker,
		Store:     store,
		Ping:      func(ctx context.Context) error { return client.Ping(ctx).Err() },
		Logger:    zap.NewNop(),
	}
	return routes.Handler(), tracker, store, mr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes_Health(t *testing.T) {
	h, _, _, mr := newTestRoutes(t)

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	mr.Close()
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestRoutes_Members(t *testing.T) {
	ctx := context.Background()
	h, tracker, store, _ := newTestRoutes(t)

	_, err := tracker.Join(ctx, "proj1", "bob")
	require.NoError(t, err)
	_, err = tracker.Join(ctx, "proj1", "alice")
	require.NoError(t, err)
	require.NoError(t, store.SetTyping(ctx, "proj1", "alice"))

	rec := get(t, h, "/api/workspaces/proj1/members")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"activeUsers":["alice","bob"],"typingUsers":["alice"]}`, rec.Body.String())

	rec = get(t, h, "/api/workspaces/empty/members")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"activeUsers":[],"typingUsers":[]}`, rec.Body.String())
}

func TestRoutes_MembersFallsBackToLocalView(t *testing.T) {
	ctx := context.Background()
	h, tracker, _, mr := newTestRoutes(t)
	_, err := tracker.Join(ctx, "proj1", "alice")
	require.NoError(t, err)
	mr.Close()

	rec := get(t, h, "/api/workspaces/proj1/members")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"activeUsers":["alice"],"typingUsers":[]}`, rec.Body.String())
}

func TestRoutes_Chat(t *testing.T) {
	ctx := context.Background()
	h, _, store, mr := newTestRoutes(t)
	require.NoError(t, store.AppendChat(ctx, "proj1", state.ChatMessage{SenderID: "alice", Body: "hi", Timestamp: 1}))

	rec := get(t, h, "/api/workspaces/proj1/chat")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"chatMessages":[{"senderId":"alice","body":"hi","timestamp":1}]}`, rec.Body.String())

	rec = get(t, h, "/api/workspaces/other/chat")
	assert.JSONEq(t, `{"chatMessages":[]}`, rec.Body.String())

	mr.Close()
	rec = get(t, h, "/api/workspaces/proj1/chat")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRoutes_File(t *testing.T) {
	ctx := context.Background()
	h, _, store, _ := newTestRoutes(t)
	require.NoError(t, store.SetSnapshot(ctx, "proj1", "src/main.py", "print(1)"))

	rec := get(t, h, "/api/workspaces/proj1/files/src/main.py")
	require.Equal(t, http.StatusOK, rec.Code)

	var got fileSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "proj1", got.WorkspaceID)
	assert.Equal(t, "src/main.py", got.Path)
	assert.Equal(t, "print(1)", got.Content)
	assert.WithinDuration(t, time.Now(), got.UpdatedAt, time.Minute)

	rec = get(t, h, "/api/workspaces/proj1/files/missing.py")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_RejectsWorkspaceWithColon(t *testing.T) {
	ctx := context.Background()
	h, _, store, _ := newTestRoutes(t)
	require.NoError(t, store.SetSnapshot(ctx, "a", "b:c", "secret"))

	for _, path := range []string{"/api/workspaces/a:b/files/c", "/api/workspaces/a:b/chat", "/api/workspaces/a:b/members"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "secret")
	}
}

func TestRoutes_WebSocketAndMethods(t *testing.T) {
	h, _, _, _ := newTestRoutes(t)

	assert.Equal(t, http.StatusTeapot, get(t, h, "/ws").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workspaces/proj1/chat", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

type fakeClients struct{ reason string }

func (c *fakeClients) CloseAllConnections(reason string) { c.reason = reason }

func TestServer_Shutdown(t *testing.T) {
	srv := NewServer(configForTest(), http.NotFoundHandler(), zap.NewNop())
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	var order []string
	clients := &fakeClients{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx, clients,
		closerFunc(func() error { order = append(order, "broker"); return nil }),
		closerFunc(func() error { order = append(order, "redis"); return errors.New("already closed") }),
	)

	assert.Equal(t, "Server shutting down", clients.reason)
	assert.Equal(t, []string{"broker", "redis"}, order)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func configForTest() config.ServerConfig {
	return config.ServerConfig{Port: 0, ReadTimeout: 5, WriteTimeout: 5}
}
