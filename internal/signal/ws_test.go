package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// wsRelay forwards every text frame to the connection registered for its To.
type wsRelay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*wsPeer
}

func newWSRelay(t *testing.T) (*wsRelay, string) {
	t.Helper()
	r := &wsRelay{peers: make(map[string]*wsPeer)}
	srv := httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(srv.Close)
	return r, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func (r *wsRelay) serve(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("id")
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	p := &wsPeer{conn: conn}
	r.mu.Lock()
	r.peers[id] = p
	r.mu.Unlock()

	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := Decode(data)
		if err != nil {
			continue
		}
		r.mu.Lock()
		dst := r.peers[env.To]
		r.mu.Unlock()
		if dst == nil {
			continue
		}
		dst.mu.Lock()
		_ = dst.conn.WriteMessage(websocket.TextMessage, data)
		dst.mu.Unlock()
	}
}

// drop closes the relay side of id's socket.
func (r *wsRelay) drop(id string) {
	r.mu.Lock()
	p := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if p != nil {
		_ = p.conn.Close()
	}
}

func dialWS(t *testing.T, url, id string) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := DialWS(ctx, url, id)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWSClientRoundTrip(t *testing.T) {
	_, url := newWSRelay(t)
	alice := dialWS(t, url, "alice")
	bob := dialWS(t, url, "bob")
	assert.True(t, alice.Connected())
	assert.Equal(t, "bob", bob.ID())

	ch, cancel := bob.Subscribe()
	defer cancel()

	// registration on the relay races the first send
	require.Eventually(t, func() bool {
		_ = alice.Send(context.Background(), "bob", Message{Type: TypeMicStatus, CallID: "c1", Muted: Bool(true)})
		return len(ch) > 0
	}, 3*time.Second, 50*time.Millisecond)

	env := recv(t, ch)
	assert.Equal(t, "alice", env.From)
	assert.Equal(t, TypeMicStatus, env.Payload.Type)
	require.NotNil(t, env.Payload.Muted)
	assert.True(t, *env.Payload.Muted)
}

func TestWSClientRedials(t *testing.T) {
	relay, url := newWSRelay(t)
	bob := dialWS(t, url, "bob")

	require.Eventually(t, func() bool {
		relay.mu.Lock()
		defer relay.mu.Unlock()
		return relay.peers["bob"] != nil
	}, 3*time.Second, 10*time.Millisecond)

	relay.drop("bob")
	require.Eventually(t, func() bool { return !bob.Connected() }, 3*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, bob.Send(context.Background(), "alice", endMsg("c")), ErrUnavailable)

	require.Eventually(t, bob.Connected, 3*wsRedialDelay, 50*time.Millisecond)
}

func TestWSClientClose(t *testing.T) {
	_, url := newWSRelay(t)
	c := dialWS(t, url, "alice")
	ch, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Send(context.Background(), "bob", endMsg("c")), ErrUnavailable)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestDialWSFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := DialWS(ctx, "ws://127.0.0.1:1/ws", "alice")
	assert.Error(t, err)
}
