package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/matgo18/TheyMissYou/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	messages []WSMessage
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m.Type)
	}
	return out
}

func TestWSHub_PresenceTransitions(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	hub := NewWSHub(bus)

	var transitions []bool
	hub.OnPresenceChange(func(ctx context.Context, userID string, online bool) {
		transitions = append(transitions, online)
	})

	first, second := &fakeConn{}, &fakeConn{}
	c1 := hub.Register(ctx, "alice", first)
	c2 := hub.Register(ctx, "alice", second)
	assert.Equal(t, 2, hub.Connections("alice"))
	assert.Equal(t, []bool{true}, transitions)

	require.NoError(t, hub.SendToUser("alice", WSMessage{Type: "ping"}))
	assert.Equal(t, []string{"ping"}, first.types())
	assert.Equal(t, []string{"ping"}, second.types())

	hub.Unregister(ctx, "alice", c1)
	assert.True(t, first.closed)
	assert.True(t, hub.IsOnline("alice"))
	assert.Equal(t, []bool{true}, transitions)

	hub.Unregister(ctx, "alice", c2)
	hub.Unregister(ctx, "alice", c2)
	assert.False(t, hub.IsOnline("alice"))
	assert.Equal(t, []bool{true, false}, transitions)

	assert.Error(t, hub.SendToUser("alice", WSMessage{Type: "ping"}))
}

func TestWSHub_ForwardsMembershipChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hub := NewWSHub(env.bus)
	alice := env.register(t, "alice").User.ID
	bob := env.register(t, "bob").User.ID

	aliceConn := &fakeConn{}
	hub.Register(ctx, alice, aliceConn)

	g1, err := env.groups.CreateGroup(ctx, "G1", alice)
	require.NoError(t, err)
	_, err = env.groups.JoinGroup(ctx, g1.ID, bob)
	require.NoError(t, err)

	require.Equal(t, []string{"membership_changed"}, aliceConn.types())
	data, ok := aliceConn.messages[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, g1.ID, data["group_id"])
	assert.Equal(t, bob, data["user_id"])
	assert.Equal(t, "joined", data["kind"])
	assert.NotZero(t, aliceConn.messages[0].Timestamp)
}
