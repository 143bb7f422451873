package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/presence"
	"github.com/abdelmounim-dev/collab-coordinator/state"
)

type delivery struct {
	topic   string
	payload string
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, delivery{topic: topic, payload: string(data)})
	return b.err
}

func (b *recordingBroadcaster) on(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, d := range b.sent {
		if d.topic == topic {
			out = append(out, d.payload)
		}
	}
	return out
}

type fakeSession struct {
	id      string
	user    string
	mu      sync.Mutex
	replies []delivery
}

func (s *fakeSession) ID() string     { return s.id }
func (s *fakeSession) UserID() string { return s.user }

func (s *fakeSession) Reply(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, delivery{topic: topic, payload: string(data)})
	return nil
}

func (s *fakeSession) lastReply(t *testing.T) delivery {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.replies)
	return s.replies[len(s.replies)-1]
}

type fixture struct {
	router      *Router
	tracker     *presence.Tracker
	store       *state.RedisStore
	broadcaster *recordingBroadcaster
	mr          *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := state.NewRedisStore(client, state.DefaultRetention)
	tracker := presence.NewTracker(store, "node-a", zap.NewNop())
	broadcaster := &recordingBroadcaster{}
	r := New(tracker, store, broadcaster, zap.NewNop())
	r.now = func() time.Time { return time.UnixMilli(1714564800000) }

	return &fixture{router: r, tracker: tracker, store: store, broadcaster: broadcaster, mr: mr}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestRouter_JoinAndLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "/app/join/proj1/", raw(`"alice"`))

	assert.True(t, f.tracker.IsActive("proj1", "alice"))
	b, ok, err := f.store.LookupConnection(ctx, "conn-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.Binding{UserID: "alice", WorkspaceID: "proj1"}, b)
	assert.Equal(t, []string{`"User alice has joined the project workspace."`}, f.broadcaster.on("session/proj1"))

	f.router.Dispatch(ctx, alice, "leave/proj1", nil)

	assert.False(t, f.tracker.IsActive("proj1", "alice"))
	_, ok, err = f.store.LookupConnection(ctx, "conn-a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{
		`"User alice has joined the project workspace."`,
		`"User alice has left the project workspace."`,
	}, f.broadcaster.on("session/proj1"))
}

func TestRouter_JoinSecondWorkspaceLeavesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "join/proj1", nil)
	require.NoError(t, f.store.SetSnapshot(ctx, "proj1", "main.py", "print(1)"))

	f.router.Dispatch(ctx, alice, "join/proj2", nil)

	assert.False(t, f.tracker.IsActive("proj1", "alice"))
	assert.True(t, f.tracker.IsActive("proj2", "alice"))
	assert.Equal(t, []string{
		`"User alice has joined the project workspace."`,
		`"User alice has left the project workspace."`,
	}, f.broadcaster.on("session/proj1"))

	members, err := f.store.Members(ctx, "proj1")
	require.NoError(t, err)
	assert.Empty(t, members)
	content, err := f.store.GetSnapshot(ctx, "proj1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "", content, "alice was the last session in proj1")

	b, ok, err := f.store.LookupConnection(ctx, "conn-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "proj2", b.WorkspaceID)
}

func TestRouter_RejoinSameWorkspaceKeepsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "join/proj1", nil)
	f.router.Dispatch(ctx, alice, "join/proj1", nil)

	assert.True(t, f.tracker.IsActive("proj1", "alice"))
	assert.Len(t, f.broadcaster.on("session/proj1"), 2)
	for _, notice := range f.broadcaster.on("session/proj1") {
		assert.NotContains(t, notice, "has left")
	}
}

func TestRouter_LeaveOtherWorkspaceKeepsBinding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "join/proj1", nil)
	f.router.Dispatch(ctx, alice, "leave/proj2", nil)

	assert.True(t, f.tracker.IsActive("proj1", "alice"))
	b, ok, err := f.store.LookupConnection(ctx, "conn-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "proj1", b.WorkspaceID)
}

func TestRouter_EditThenRequestCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}
	bob := &fakeSession{id: "conn-b", user: "bob"}

	f.router.Dispatch(ctx, alice, "join/proj1", nil)
	edit := `{"workspaceId":"proj1","senderId":"alice","type":"edit","content":"print(1)","timestamp":42}`
	f.router.Dispatch(ctx, alice, "collaborate/proj1/main.py", raw(edit))

	echoed := f.broadcaster.on("collaboration/proj1/main.py")
	require.Len(t, echoed, 1)
	assert.JSONEq(t, edit, echoed[0], "edit is relayed verbatim")

	f.router.Dispatch(ctx, bob, "join/proj1", nil)
	f.router.Dispatch(ctx, bob, "requestCode/proj1/main.py", raw(`{}`))

	reply := bob.lastReply(t)
	assert.Equal(t, "collaboration/proj1/main.py", reply.topic)
	var got EditMessage
	require.NoError(t, json.Unmarshal([]byte(reply.payload), &got))
	assert.Equal(t, EditMessage{
		WorkspaceID: "proj1/main.py",
		SenderID:    "system",
		Type:        "edit",
		Content:     "print(1)",
		Timestamp:   1714564800000,
	}, got)
	assert.Len(t, f.broadcaster.on("collaboration/proj1/main.py"), 1, "snapshot reply is not broadcast")
}

func TestRouter_RequestCodeForUnwrittenFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := &fakeSession{id: "conn-b", user: "bob"}

	f.router.Dispatch(ctx, bob, "requestCode/proj1/src/new.go", nil)

	reply := bob.lastReply(t)
	assert.Equal(t, "collaboration/proj1/src/new.go", reply.topic)
	var got EditMessage
	require.NoError(t, json.Unmarshal([]byte(reply.payload), &got))
	assert.Equal(t, "", got.Content)
}

func TestRouter_RequestCodeWithStoreDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := &fakeSession{id: "conn-b", user: "bob"}
	f.mr.Close()

	f.router.Dispatch(ctx, bob, "requestCode/proj1/main.py", nil)

	var got EditMessage
	require.NoError(t, json.Unmarshal([]byte(bob.lastReply(t).payload), &got))
	assert.Equal(t, "", got.Content)
	assert.Equal(t, "system", got.SenderID)
}

func TestRouter_NonEditCollaborationIsRelayedOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "collaborate/proj1/main.py", raw(`{"type":"cursor","content":"12:4"}`))

	content, err := f.store.GetSnapshot(ctx, "proj1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "", content)
	assert.Len(t, f.broadcaster.on("collaboration/proj1/main.py"), 1)
}

func TestRouter_Chat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "chat/proj1", raw(`{"body":"hello","timestamp":1}`))

	sent := f.broadcaster.on("chat/proj1")
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"senderId":"alice","body":"hello","timestamp":1714564800000}`, sent[0])

	history, err := f.store.ListChat(ctx, "proj1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int64(1714564800000), history[0].Timestamp)
}

func TestRouter_HundredChatMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	for i := 0; i < 105; i++ {
		f.router.Dispatch(ctx, alice, "chat/proj1", raw(fmt.Sprintf(`{"body":"m%d"}`, i)))
	}

	f.router.Dispatch(ctx, alice, "joinChat/proj1", nil)
	reply := alice.lastReply(t)
	assert.Equal(t, "sessionChat/proj1", reply.topic)

	var history ChatHistory
	require.NoError(t, json.Unmarshal([]byte(reply.payload), &history))
	require.Len(t, history.ChatMessages, 100)
	for i, msg := range history.ChatMessages {
		assert.Equal(t, fmt.Sprintf("m%d", i+5), msg.Body)
	}
}

func TestRouter_Typing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "typing/proj1", raw(`{"userId":"alice","isTyping":true}`))
	users, err := f.store.TypingUsers(ctx, "proj1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	f.router.Dispatch(ctx, alice, "typing/proj1", raw(`{"userId":"mallory","isTyping":false}`))
	users, err = f.store.TypingUsers(ctx, "proj1")
	require.NoError(t, err)
	assert.Empty(t, users)

	assert.Equal(t, []string{
		`{"userId":"alice","isTyping":true}`,
		`{"userId":"alice","isTyping":false}`,
	}, f.broadcaster.on("typing/proj1"))
}

func TestRouter_Members(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}
	bob := &fakeSession{id: "conn-b", user: "bob"}

	f.router.Dispatch(ctx, alice, "join/proj1", nil)
	f.router.Dispatch(ctx, bob, "join/proj1", nil)
	f.router.Dispatch(ctx, bob, "typing/proj1", raw(`{"isTyping":true}`))
	f.router.Dispatch(ctx, alice, "members/proj1", nil)

	reply := alice.lastReply(t)
	assert.Equal(t, "members/proj1", reply.topic)
	assert.JSONEq(t, `{"activeUsers":["alice","bob"],"typingUsers":["bob"]}`, reply.payload)
}

func TestRouter_DropsMalformedInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := &fakeSession{id: "conn-a", user: "alice"}

	testCases := []struct {
		name        string
		destination string
		payload     json.RawMessage
	}{
		{"unknown kind", "shout/proj1", raw(`{}`)},
		{"missing workspace", "chat/", raw(`{"body":"x"}`)},
		{"collaborate without file", "collaborate/proj1", raw(`{"type":"edit"}`)},
		{"chat with file", "chat/proj1/main.py", raw(`{"body":"x"}`)},
		{"chat not json", "chat/proj1", raw(`{body`)},
		{"edit not json", "collaborate/proj1/main.py", raw(`[`)},
		{"typing empty", "typing/proj1", nil},
		{"workspace with colon", "collaborate/a:b/c", raw(`{"type":"edit","content":"x"}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f.router.Dispatch(ctx, alice, tc.destination, tc.payload)
		})
	}

	f.broadcaster.mu.Lock()
	defer f.broadcaster.mu.Unlock()
	assert.Empty(t, f.broadcaster.sent)
}

func TestRouter_BroadcastFailureIsContained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.broadcaster.err = errors.New("broker down")
	alice := &fakeSession{id: "conn-a", user: "alice"}

	f.router.Dispatch(ctx, alice, "collaborate/proj1/main.py", raw(`{"type":"edit","content":"x"}`))

	content, err := f.store.GetSnapshot(ctx, "proj1", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "x", content)
}

func TestRouter_AnnounceDisconnect(t *testing.T) {
	f := newFixture(t)

	f.router.AnnounceDisconnect(context.Background(), "proj1", "alice")

	assert.Equal(t, []string{`"User alice has disconnected unexpectedly."`}, f.broadcaster.on("session/proj1"))
}

func TestParseDestination(t *testing.T) {
	testCases := []struct {
		dest    string
		want    route
		wantErr bool
	}{
		{dest: "join/proj1", want: route{kind: "join", workspaceID: "proj1"}},
		{dest: "/app/join/proj1/", want: route{kind: "join", workspaceID: "proj1"}},
		{dest: "collaborate/proj1/src/main.py", want: route{kind: "collaborate", workspaceID: "proj1", filePath: "src/main.py"}},
		{dest: "requestCode/p/a.txt", want: route{kind: "requestCode", workspaceID: "p", filePath: "a.txt"}},
		{dest: "members/proj1", want: route{kind: "members", workspaceID: "proj1"}},
		{dest: "join", wantErr: true},
		{dest: "", wantErr: true},
		{dest: "requestCode/proj1", wantErr: true},
		{dest: "typing/proj1/extra", wantErr: true},
		{dest: "subscribe/proj1", wantErr: true},
		{dest: "collaborate/a:b/c", wantErr: true},
		{dest: "join/a:b", wantErr: true},
		{dest: "collaborate/a/b:c", want: route{kind: "collaborate", workspaceID: "a", filePath: "b:c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.dest, func(t *testing.T) {
			got, err := parseDestination(tc.dest)
			if tc.wantErr {
				assert.ErrorIs(t, err, errBadDestination)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
