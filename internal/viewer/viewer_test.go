package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/logtail"
	"github.com/petervdpas/callcore/internal/signal"
	"github.com/petervdpas/callcore/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPeerServer(t *testing.T, hub *signal.LocalHub, id string) (*call.Manager, string) {
	t.Helper()
	local := hub.Join(id)
	newTransport, err := call.NewPionFactory(call.ICEConfig{})
	require.NoError(t, err)

	m := call.New(call.Options{
		Signaler:     local,
		SelfID:       id,
		Device:       call.SyntheticDevice{},
		NewTransport: newTransport,
	})
	srv := httptest.NewServer(Handler(Viewer{Calls: m, Logs: logtail.New(10), Debug: true}))
	t.Cleanup(func() {
		m.Close()
		local.Close()
		srv.Close()
	})
	return m, srv.URL
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

// eventStream reads one SSE response. The reader goroutine owns events and
// closes it when the body ends or the test cancels the request.
type eventStream struct {
	events chan eventsource.Event
}

func openEvents(t *testing.T, url string) *eventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	s := &eventStream{events: make(chan eventsource.Event, 64)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(s.events)
		defer resp.Body.Close()
		dec := eventsource.NewDecoder(resp.Body)
		for {
			ev, err := dec.Decode()
			if err != nil {
				return
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func nextEvent(t *testing.T, s *eventStream, name string) map[string]any {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				t.Fatalf("event stream ended before %s", name)
			}
			if ev.Event() != name {
				continue
			}
			out := map[string]any{}
			require.NoError(t, json.Unmarshal([]byte(ev.Data()), &out))
			return out
		case <-deadline:
			t.Fatalf("no %s event", name)
		}
	}
}

func TestModeWithoutManager(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/mode")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "disabled", out["mode"])

	resp2, err := http.Post(srv.URL+"/api/call/start", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestCallRequestValidation(t *testing.T) {
	hub := signal.NewLocalHub()
	_, base := newPeerServer(t, hub, "alice")

	resp, _ := postJSON(t, base+"/api/call/start", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, base+"/api/call/start", map[string]string{"remote_id": "bob", "call_type": "fax"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = postJSON(t, base+"/api/call/accept", map[string]string{"call_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = postJSON(t, base+"/api/call/toggle-video", map[string]string{"call_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, out := postJSON(t, base+"/api/call/hangup", map[string]string{"call_id": "nope"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not_found", out["status"])

	get, err := http.Get(base + "/api/call/start")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, get.StatusCode)

	bad, err := http.Post(base+"/api/call/start", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestStartToUnknownPeerFails(t *testing.T) {
	hub := signal.NewLocalHub()
	alice, base := newPeerServer(t, hub, "alice")

	resp, _ := postJSON(t, base+"/api/call/start", map[string]string{"remote_id": "nobody"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_, active := alice.Active()
	assert.False(t, active)
}

func TestInviteAndRejectOverHTTP(t *testing.T) {
	hub := signal.NewLocalHub()
	alice, aliceURL := newPeerServer(t, hub, "alice")
	_, bobURL := newPeerServer(t, hub, "bob")

	incoming := openEvents(t, bobURL+"/api/call/events")
	nextEvent(t, incoming, "connected")

	resp, out := postJSON(t, aliceURL+"/api/call/start", map[string]string{"remote_id": "bob", "call_type": "video"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ringing", out["status"])
	callID, _ := out["call_id"].(string)
	require.NotEmpty(t, callID)

	status := openEvents(t, aliceURL+"/api/call/session/"+callID+"/events")
	first := nextEvent(t, status, "status")
	assert.Equal(t, "ringing", first["status"])

	inv := nextEvent(t, incoming, "invite")
	assert.Equal(t, callID, inv["call_id"])
	assert.Equal(t, "alice", inv["from"])
	assert.Equal(t, "video", inv["call_type"])

	resp, _ = postJSON(t, bobURL+"/api/call/reject", map[string]string{"call_id": callID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final := nextEvent(t, status, "status")
	assert.Equal(t, "ended", final["status"])
	assert.Equal(t, "rejected: declined", final["reason"])

	require.Eventually(t, func() bool {
		_, active := alice.Active()
		return !active
	}, 5*time.Second, 10*time.Millisecond)

	resp, _ = postJSON(t, bobURL+"/api/call/accept", map[string]string{"call_id": callID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDebugShowsActiveCall(t *testing.T) {
	hub := signal.NewLocalHub()
	_, aliceURL := newPeerServer(t, hub, "alice")
	newPeerServer(t, hub, "bob")

	resp, out := postJSON(t, aliceURL+"/api/call/start", map[string]string{"remote_id": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	dbg, err := http.Get(aliceURL + "/api/call/debug")
	require.NoError(t, err)
	defer dbg.Body.Close()
	var body struct {
		SelfID  string `json:"self_id"`
		Session struct {
			CallID   string `json:"call_id"`
			Role     string `json:"role"`
			Status   string `json:"status"`
			CallType string `json:"call_type"`
		} `json:"session"`
	}
	require.NoError(t, json.NewDecoder(dbg.Body).Decode(&body))
	assert.Equal(t, "alice", body.SelfID)
	assert.Equal(t, out["call_id"], body.Session.CallID)
	assert.Equal(t, "caller", body.Session.Role)
	assert.Equal(t, "ringing", body.Session.Status)
	assert.Equal(t, "audio", body.Session.CallType)
}

func TestLogsEndpoint(t *testing.T) {
	logs := logtail.New(2)
	srv := httptest.NewServer(Handler(Viewer{Logs: logs}))
	defer srv.Close()

	_, _ = logs.Write([]byte("one\ntwo\nthr"))
	_, _ = logs.Write([]byte("ee\n\n"))

	resp, err := http.Get(srv.URL + "/api/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var entries []logtail.Line
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Msg)
	assert.Equal(t, "three", entries[1].Msg)
	assert.Equal(t, "no-store, no-cache, must-revalidate, max-age=0", resp.Header.Get("Cache-Control"))
}

func TestPeersEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{}))
	resp, err := http.Get(srv.URL + "/api/call/peers")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	srv.Close()

	peers := state.NewPeerTable()
	peers.Upsert("12D3KooWpeer", state.SourceMDNS, []string{"/ip4/10.0.0.7/tcp/4001"})
	srv = httptest.NewServer(Handler(Viewer{Peers: peers}))
	defer srv.Close()

	resp, err = http.Get(srv.URL + "/api/call/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Peers []state.SeenPeer `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Peers, 1)
	assert.Equal(t, "12D3KooWpeer", body.Peers[0].ID)
	assert.Equal(t, state.SourceMDNS, body.Peers[0].Source)
	assert.True(t, body.Peers[0].Reachable)
}

func TestCORSOnlyAllowsConfiguredOrigins(t *testing.T) {
	srv := httptest.NewServer(Handler(Viewer{AllowedOrigins: []string{"http://ui.local"}}))
	defer srv.Close()

	for origin, want := range map[string]string{
		"http://ui.local":   "http://ui.local",
		"http://evil.local": "",
	} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/call/mode", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.Header.Get("Access-Control-Allow-Origin"), origin)
	}
}
