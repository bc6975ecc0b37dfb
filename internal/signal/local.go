package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrUnreachable is returned when the addressed peer is not attached to the relay.
var ErrUnreachable = errors.New("peer unreachable")

// inboxCap bounds the per-peer delivery queue of the local hub.
const inboxCap = 1024

// LocalHub is an in-process relay. Each joined peer gets a Local signaler;
// envelopes are delivered asynchronously, in send order per destination.
type LocalHub struct {
	mu    sync.RWMutex
	peers map[string]*Local
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{peers: make(map[string]*Local)}
}

// Join attaches userID to the hub. Joining twice replaces the previous signaler.
func (h *LocalHub) Join(userID string) *Local {
	l := &Local{
		hub:   h,
		self:  userID,
		fan:   newFanout(),
		inbox: make(chan *Envelope, inboxCap),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	prev := h.peers[userID]
	h.peers[userID] = l
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	go l.pump()
	log.Debugf("SIGNAL: local peer %s joined", userID)
	return l
}

func (h *LocalHub) lookup(userID string) *Local {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[userID]
}

func (h *LocalHub) leave(l *Local) {
	h.mu.Lock()
	if h.peers[l.self] == l {
		delete(h.peers, l.self)
	}
	h.mu.Unlock()
}

// Local is one peer's handle on a LocalHub.
type Local struct {
	hub  *LocalHub
	self string
	fan  *fanout

	inbox chan *Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the user id this signaler was joined with.
func (l *Local) ID() string { return l.self }

// Connected reports whether the signaler is still attached to its hub.
func (l *Local) Connected() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Send addresses msg to the peer joined as to. The envelope skips the wire,
// so msg is validated here the way Decode would on a real transport.
func (l *Local) Send(ctx context.Context, to string, msg Message) error {
	if !l.Connected() {
		return ErrUnavailable
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	dst := l.hub.lookup(to)
	if dst == nil {
		return fmt.Errorf("send %s to %s: %w", msg.Type, to, ErrUnreachable)
	}
	env := &Envelope{To: to, From: l.self, Payload: msg}
	select {
	case dst.inbox <- env:
		return nil
	case <-dst.done:
		return fmt.Errorf("send %s to %s: %w", msg.Type, to, ErrUnreachable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns the inbound envelope stream.
func (l *Local) Subscribe() (<-chan *Envelope, func()) {
	return l.fan.subscribe()
}

// Close detaches from the hub and closes every subscription.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.hub.leave(l)
	})
	return nil
}

func (l *Local) pump() {
	defer l.fan.close()
	for {
		select {
		case <-l.done:
			return
		case env := <-l.inbox:
			l.fan.publish(env)
		}
	}
}
