package state

import (
	"sort"
	"sync"
	"time"
)

// How a peer came to be known.
const (
	SourceMDNS    = "mdns"
	SourceStatic  = "static"
	SourceInbound = "inbound"
)

// SeenPeer is a callable peer found on the p2p network.
type SeenPeer struct {
	ID           string    `json:"id"`
	Addrs        []string  `json:"addrs,omitempty"`
	Source       string    `json:"source"`
	Reachable    bool      `json:"reachable"`
	LastSeen     time.Time `json:"last_seen"`
	OfflineSince time.Time `json:"offline_since,omitempty"`
}

type PeerEvent struct {
	Type   string    `json:"type"`
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

// PeerTable tracks peers the node has discovered or talked to.
type PeerTable struct {
	mu        sync.Mutex
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: map[string]SeenPeer{}}
}

// Upsert records id as reachable. An existing source is kept unless the
// peer was only known as inbound; addrs replace the old ones when non-empty.
func (t *PeerTable) Upsert(id, source string, addrs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || sp.Source == SourceInbound {
		sp.Source = source
	}
	sp.ID = id
	if len(addrs) > 0 {
		sp.Addrs = append([]string(nil), addrs...)
	}
	sp.Reachable = true
	sp.LastSeen = time.Now()
	sp.OfflineSince = time.Time{}
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok {
		return
	}
	sp.LastSeen = time.Now()
	t.peers[id] = sp
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
}

// MarkOffline flags id unreachable. Only the first transition notifies.
func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || !sp.OfflineSince.IsZero() {
		return
	}
	sp.Reachable = false
	sp.OfflineSince = time.Now()
	t.peers[id] = sp
	t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// List returns every peer, reachable ones first, then by id.
func (t *PeerTable) List() []SeenPeer {
	t.mu.Lock()
	out := make([]SeenPeer, 0, len(t.peers))
	for _, sp := range t.peers {
		out = append(out, sp)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reachable != out[j].Reachable {
			return out[i].Reachable
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PruneStale moves online peers not seen since ttlCutoff to offline, then
// removes offline peers that went offline before graceCutoff.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		if sp.OfflineSince.IsZero() {
			if sp.LastSeen.Before(ttlCutoff) {
				sp.Reachable = false
				sp.OfflineSince = time.Now()
				t.peers[id] = sp
				t.notifyListeners(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
			}
		} else if sp.OfflineSince.Before(graceCutoff) {
			delete(t.peers, id)
			t.notifyListeners(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notifyListeners drops events for listeners that are not keeping up.
func (t *PeerTable) notifyListeners(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
