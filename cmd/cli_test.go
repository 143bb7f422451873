package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/collab-coordinator/broker"
)

func executeCLI(ctx context.Context, t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("COLLAB_BROKER_TYPE", "carrier-pigeon")

	_, _, err := executeCLI(context.Background(), t, "serve", "--env", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid broker type")
}

func TestServeRunsUntilCancelled(t *testing.T) {
	mr := miniredis.RunT(t)
	port := freePort(t)
	t.Setenv("COLLAB_REDIS_ADDRESS", mr.Addr())
	t.Setenv("COLLAB_PORT", fmt.Sprint(port))
	t.Setenv("COLLAB_METRICS_ENABLED", "false")
	t.Setenv("COLLAB_LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, _, err := executeCLI(ctx, t, "serve", "--env", "test")
		done <- err
	}()

	base := fmt.Sprintf("127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws?userId=alice", nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "alice", hello["user_id"])

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe", "destination": "session/proj1"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "send", "destination": "join/proj1"}))

	var frame struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "session/proj1", frame.Topic)
	assert.Equal(t, `"User alice has joined the project workspace."`, string(frame.Payload))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestTailFiltersByTopicPrefix(t *testing.T) {
	messages := make(chan broker.Message, 3)
	messages <- broker.Message{Topic: "chat/proj1", ServerID: "node-a", Payload: json.RawMessage(`{"body":"hi"}`)}
	messages <- broker.Message{Topic: "typing/proj1", ServerID: "node-a", Payload: json.RawMessage(`{}`)}
	messages <- broker.Message{Topic: "chat/proj2", ServerID: "node-b", Payload: json.RawMessage(`"x"`)}
	close(messages)

	out := &bytes.Buffer{}
	require.NoError(t, tail(context.Background(), messages, "chat/", out))
	assert.Equal(t, "chat/proj1\tnode-a\t{\"body\":\"hi\"}\nchat/proj2\tnode-b\t\"x\"\n", out.String())
}
