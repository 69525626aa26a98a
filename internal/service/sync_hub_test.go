package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"quiz_sync_backend/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// attach registers a connection-less client directly in its shard.
func attach(h *SyncHub, id string) *Client {
	c := &Client{Hub: h, ID: id, Send: make(chan []byte, sendBufferSize), Limiter: rate.NewLimiter(rate.Inf, 1)}
	s := h.getShard(id)
	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	h.clients.Add(1)
	return c
}

func drain(t *testing.T, c *Client) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for {
		select {
		case payload := <-c.Send:
			msg, err := protocol.Decode(payload)
			require.NoError(t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestHubPresenceLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewSyncHub(nil, HubOptions{PresenceTTL: 45 * time.Second, Clock: clock})
	alice := attach(hub, "c1")
	watcher := attach(hub, "c2")

	hub.handle(alice, protocol.Identify{Username: " alice "})
	assert.Equal(t, []string{"alice"}, hub.OnlineUsers())
	for _, c := range []*Client{alice, watcher} {
		msgs := drain(t, c)
		require.Len(t, msgs, 1)
		assert.Equal(t, protocol.UserOnline{Username: "alice", Timestamp: clock.Now().UnixMilli()}, msgs[0])
	}

	// Heartbeats without a username use the identified name.
	clock.Advance(30 * time.Second)
	hub.handle(alice, protocol.Heartbeat{})
	clock.Advance(30 * time.Second)
	assert.Empty(t, hub.SweepPresence())
	assert.True(t, hub.IsUserOnline("alice"))

	clock.Advance(46 * time.Second)
	assert.Equal(t, []string{"alice"}, hub.SweepPresence())
	assert.Empty(t, hub.OnlineUsers())
	msgs := drain(t, watcher)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.UserOffline{Username: "alice", Timestamp: clock.Now().UnixMilli()}, msgs[0])

	// Expired users are only announced once.
	assert.Empty(t, hub.SweepPresence())
}

func TestHubDisconnectDefersOffline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewSyncHub(nil, HubOptions{PresenceTTL: 45 * time.Second, Clock: clock})
	c := attach(hub, "c1")

	hub.handle(c, protocol.Identify{Username: "bob"})
	hub.dropConnection("c1")
	assert.Empty(t, hub.OnlineUsers(), "no open connection")
	assert.Empty(t, hub.SweepPresence(), "still inside the grace window")

	clock.Advance(46 * time.Second)
	assert.Equal(t, []string{"bob"}, hub.SweepPresence())
}

func TestHubSweepFollowsReloadedPresenceTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewSyncHub(nil, HubOptions{PresenceTTL: 45 * time.Second, Clock: clock})
	alice := attach(hub, "c1")
	hub.handle(alice, protocol.Identify{Username: "alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	clock.BlockUntil(1)

	hub.SetPresenceTTL(6 * time.Second)
	offline := func() bool { return !hub.IsUserOnline("alice") }

	// First tick still uses the 15s cadence from the original TTL.
	clock.Advance(15 * time.Second)
	require.Eventually(t, offline, time.Second, 5*time.Millisecond)

	// From here on the sweep runs every 5s, so alice expires before the old 30s mark.
	hub.handle(alice, protocol.Identify{Username: "alice"})
	require.True(t, hub.IsUserOnline("alice"))
	clock.Advance(11 * time.Second)
	assert.Eventually(t, offline, time.Second, 5*time.Millisecond)
}

func TestHubHandleRepliesAndIgnoresServerKinds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	hub := NewSyncHub(nil, HubOptions{Clock: clock})
	c := attach(hub, "c1")

	hub.handle(c, protocol.Ping{})
	hub.handle(c, protocol.Subscribe{QuestionID: "U1-L1-Q01"})
	hub.handle(c, protocol.Identify{Username: "   "})
	hub.handle(c, protocol.Heartbeat{})
	hub.handle(c, protocol.AnswerSubmitted{Username: "spoof"})

	msgs := drain(t, c)
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.Pong{Timestamp: clock.Now().UnixMilli()}, msgs[0])
	assert.Equal(t, protocol.Subscribed{QuestionID: "U1-L1-Q01"}, msgs[1])
	assert.Empty(t, hub.OnlineUsers())
}

func TestHubBroadcastCountsLocalDeliveries(t *testing.T) {
	hub := NewSyncHub(nil, HubOptions{})
	a := attach(hub, "a")
	b := attach(hub, "b")

	n := hub.Broadcast(protocol.BatchSubmitted{Count: 1})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, hub.ConnectedClients())
	assert.Len(t, drain(t, a), 1)
	assert.Len(t, drain(t, b), 1)
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	out, err := protocol.Encode(msg)
	require.NoError(t, err)
	return out
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func readUntil[T protocol.Message](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	for i := 0; i < 10; i++ {
		if msg, ok := readMessage(t, conn).(T); ok {
			return msg
		}
	}
	var zero T
	t.Fatalf("no %s message received", zero.Kind())
	return zero
}

func TestServeWsEndToEnd(t *testing.T) {
	hub := NewSyncHub(nil, HubOptions{PresenceTTL: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()

	connected, ok := readMessage(t, first).(protocol.Connected)
	require.True(t, ok)
	assert.Equal(t, 1, connected.Clients)
	snapshot, ok := readMessage(t, first).(protocol.PresenceSnapshot)
	require.True(t, ok)
	assert.Empty(t, snapshot.Users)

	require.NoError(t, first.WriteMessage(websocket.TextMessage, encode(t, protocol.Identify{Username: "alice"})))
	online := readUntil[protocol.UserOnline](t, first)
	assert.Equal(t, "alice", online.Username)

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()
	readUntil[protocol.Connected](t, second)
	assert.Equal(t, []string{"alice"}, readUntil[protocol.PresenceSnapshot](t, second).Users)

	require.NoError(t, second.WriteMessage(websocket.TextMessage, encode(t, protocol.Ping{})))
	readUntil[protocol.Pong](t, second)

	hub.Broadcast(protocol.BatchSubmitted{Count: 4})
	assert.Equal(t, 4, readUntil[protocol.BatchSubmitted](t, first).Count)
	assert.Equal(t, 4, readUntil[protocol.BatchSubmitted](t, second).Count)

	cancel()
	require.NoError(t, first.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, hub.ConnectedClients())
}
