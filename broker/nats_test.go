package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func runNatsServer(t *testing.T) string {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func newTestNatsBroker(t *testing.T, url string) *NatsBroker {
	t.Helper()
	b, err := NewNatsBroker(url, "", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestNatsBroker_PublishReachesEveryInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := runNatsServer(t)
	nodeA, nodeB := newTestNatsBroker(t, url), newTestNatsBroker(t, url)

	fromA, err := nodeA.Subscribe(ctx, "collab.broadcast")
	require.NoError(t, err)
	fromB, err := nodeB.Subscribe(ctx, "collab.broadcast")
	require.NoError(t, err)

	sent := Message{Topic: "session/proj1", ServerID: "node-a", Payload: json.RawMessage(`"User alice has joined the project workspace."`)}
	require.NoError(t, nodeA.Publish(ctx, "collab.broadcast", sent))

	for _, ch := range []<-chan Message{fromA, fromB} {
		got := receive(t, ch)
		assert.Equal(t, sent.Topic, got.Topic)
		assert.Equal(t, sent.ServerID, got.ServerID)
		assert.JSONEq(t, string(sent.Payload), string(got.Payload))
	}
}

func TestNatsBroker_PreservesOrderAndSkipsGarbage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newTestNatsBroker(t, runNatsServer(t))

	messages, err := b.Subscribe(ctx, "collab.broadcast")
	require.NoError(t, err)

	require.NoError(t, b.nc.Publish("collab.broadcast", []byte("not json")))
	for i := 0; i < 20; i++ {
		msg := Message{Topic: "chat/proj1", Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}
		require.NoError(t, b.Publish(ctx, "collab.broadcast", msg))
	}

	for i := 0; i < 20; i++ {
		got := receive(t, messages)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(got.Payload))
	}
}

func TestNatsBroker_SubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newTestNatsBroker(t, runNatsServer(t))

	messages, err := b.Subscribe(ctx, "collab.broadcast")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-messages:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestNatsBroker_PublishAfterClose(t *testing.T) {
	b := newTestNatsBroker(t, runNatsServer(t))
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, b.Publish(ctx, "collab.broadcast", Message{Topic: "chat/proj1"}))
}
