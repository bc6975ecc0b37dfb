package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/callcore/internal/signal"
)

// Options configures a Manager.
type Options struct {
	Signaler     Signaler
	SelfID       string
	Device       Device
	NewTransport TransportFactory

	RingTimeout    time.Duration // unanswered invite; also expires pending incoming invites
	ConnectTimeout time.Duration // accepted but never connected
	HistorySize    int           // status events kept per session
}

func (o *Options) setDefaults() {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 45 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 64
	}
}

type pendingInvite struct {
	call  IncomingCall
	timer *time.Timer
}

// Manager owns the call sessions of one user and routes inbound signaling to
// them. At most one call is active at a time; invites arriving during a call
// are rejected as busy.
type Manager struct {
	opts Options
	sig  Signaler

	mu       sync.RWMutex
	sessions map[string]*Session
	pending  map[string]*pendingInvite

	incomingMu sync.RWMutex
	incoming   []func(IncomingCall)
	incomingBc *broadcast[IncomingEvent]

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// New creates a Manager attached to opts.Signaler and starts listening for
// signaling messages immediately.
func New(opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		opts:       opts,
		sig:        opts.Signaler,
		sessions:   make(map[string]*Session),
		pending:    make(map[string]*pendingInvite),
		incomingBc: newBroadcast[IncomingEvent](16),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	ch, cancel := m.sig.Subscribe()
	go m.dispatchLoop(ch, cancel)
	return m
}

// SelfID returns the local user id.
func (m *Manager) SelfID() string { return m.opts.SelfID }

// Connected reports whether the signaling channel is usable.
func (m *Manager) Connected() bool { return m.sig.Connected() }

// OnIncoming registers a callback fired for each new invite.
func (m *Manager) OnIncoming(fn func(IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// SubscribeIncoming streams invite and cancellation events. Each SSE
// connection holds one subscription.
func (m *Manager) SubscribeIncoming() (<-chan IncomingEvent, func()) {
	return m.incomingBc.subscribe()
}

// Pending returns the unanswered invites.
func (m *Manager) Pending() []IncomingCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]IncomingCall, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.call)
	}
	return out
}

// Session returns the session for callID, if any.
func (m *Manager) Session(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// Active returns the current call, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		return s, true
	}
	return nil, false
}

func (m *Manager) sessionConfig(callID, remote string, role Role, ct CallType) sessionConfig {
	return sessionConfig{
		id:             Identity{LocalID: m.opts.SelfID, RemoteID: remote},
		role:           role,
		callID:         callID,
		callType:       ct,
		sig:            m.sig,
		device:         m.opts.Device,
		newTransport:   m.opts.NewTransport,
		ringTimeout:    m.opts.RingTimeout,
		connectTimeout: m.opts.ConnectTimeout,
		historySize:    m.opts.HistorySize,
		onEnd:          m.removeSession,
	}
}

// register adds s unless another call is active.
func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if len(m.sessions) > 0 {
		return ErrCallActive
	}
	m.sessions[s.callID] = s
	return nil
}

// PlaceCall calls remote. The returned session is ringing; its status stream
// reports the rest.
func (m *Manager) PlaceCall(ctx context.Context, remote string, ct CallType) (*Session, error) {
	if !m.sig.Connected() {
		return nil, newError(KindSignalingUnavailable, "place call", ErrSignalingUnavailable)
	}
	if _, ok := ParseCallType(string(ct)); !ok {
		ct = CallAudio
	}

	s := newSession(m.sessionConfig(uuid.NewString(), remote, RoleCaller, ct))
	if err := m.register(s); err != nil {
		return nil, err
	}
	log.Infof("CALL [%s]: calling %s (%s)", s.callID, remote, ct)

	if err := s.startCaller(ctx); err != nil {
		s.fail(KindOf(err), err.Error())
		return nil, err
	}
	return s, nil
}

// AcceptIncoming answers a pending invite.
func (m *Manager) AcceptIncoming(ctx context.Context, inv IncomingCall) (*Session, error) {
	p, ok := m.takePending(inv.CallID)
	if !ok {
		return nil, ErrNoIncomingCall
	}

	s := newSession(m.sessionConfig(p.call.CallID, p.call.From, RoleReceiver, p.call.CallType))
	if err := m.register(s); err != nil {
		return nil, err
	}

	if err := s.startReceiver(ctx); err != nil {
		s.fail(KindOf(err), err.Error())
		return nil, err
	}
	return s, nil
}

// RejectIncoming declines a pending invite. No media is acquired.
func (m *Manager) RejectIncoming(ctx context.Context, inv IncomingCall, reason string) error {
	p, ok := m.takePending(inv.CallID)
	if !ok {
		return ErrNoIncomingCall
	}
	if reason == "" {
		reason = "declined"
	}
	log.Infof("CALL [%s]: rejecting call from %s (%s)", p.call.CallID, p.call.From, reason)
	if err := m.sig.Send(ctx, p.call.From, signal.Message{
		Type:     signal.TypeReject,
		CallID:   p.call.CallID,
		CallerID: p.call.From,
		CalleeID: m.opts.SelfID,
		Reason:   reason,
	}); err != nil {
		return signalingError("send reject", err)
	}
	return nil
}

func (m *Manager) takePending(callID string) (*pendingInvite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[callID]
	if ok {
		delete(m.pending, callID)
		p.timer.Stop()
	}
	return p, ok
}

// removeSession removes a session from the tracking map.
func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	if m.sessions[s.callID] == s {
		delete(m.sessions, s.callID)
	}
	m.mu.Unlock()
}

// Close hangs up every call and stops dispatching. It does not close the
// signaler.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		<-m.stopped

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		for id, p := range m.pending {
			p.timer.Stop()
			delete(m.pending, id)
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		for _, s := range sessions {
			s.EndCall(ctx, "")
		}
		m.incomingBc.close()
	})
}

// dispatchLoop reads signaling envelopes and routes them in arrival order.
func (m *Manager) dispatchLoop(ch <-chan *signal.Envelope, cancel func()) {
	defer close(m.stopped)
	defer cancel()

	for {
		select {
		case <-m.done:
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch(env)
		}
	}
}

// dispatch routes one envelope to its session, or handles invites and
// cancellations of invites.
func (m *Manager) dispatch(env *signal.Envelope) {
	msg := &env.Payload
	if env.From == m.opts.SelfID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if msg.Type == signal.TypeInvite {
		m.handleInvite(ctx, env)
		return
	}

	m.mu.RLock()
	s, ok := m.sessions[msg.CallID]
	_, isPending := m.pending[msg.CallID]
	m.mu.RUnlock()

	if !ok {
		if isPending && msg.Type == signal.TypeEnd {
			if p, ok := m.takePending(msg.CallID); ok {
				log.Infof("CALL [%s]: %s cancelled the call", msg.CallID, env.From)
				m.incomingBc.publish(IncomingEvent{Type: "cancelled", Call: p.call})
			}
			return
		}
		log.Debugf("CALL [%s]: %s from %s for unknown call", msg.CallID, msg.Type, env.From)
		return
	}
	if env.From != s.id.RemoteID {
		log.Warnf("CALL [%s]: %s from %s, expected %s", msg.CallID, msg.Type, env.From, s.id.RemoteID)
		return
	}
	s.handleSignal(ctx, msg)
}

func (m *Manager) handleInvite(ctx context.Context, env *signal.Envelope) {
	msg := &env.Payload
	if msg.CallerID != env.From || msg.CalleeID != m.opts.SelfID {
		log.Warnf("CALL [%s]: invite with mismatched parties from %s, dropping", msg.CallID, env.From)
		return
	}
	ct, _ := ParseCallType(msg.CallType)

	m.mu.Lock()
	if _, dup := m.pending[msg.CallID]; dup {
		m.mu.Unlock()
		return
	}
	if _, dup := m.sessions[msg.CallID]; dup {
		m.mu.Unlock()
		return
	}
	busy := len(m.sessions) > 0
	var ic IncomingCall
	if !busy {
		ic = IncomingCall{CallID: msg.CallID, From: env.From, CallType: ct, Received: time.Now()}
		callID := msg.CallID
		m.pending[callID] = &pendingInvite{
			call: ic,
			timer: time.AfterFunc(m.opts.RingTimeout, func() {
				if p, ok := m.takePending(callID); ok {
					log.Infof("CALL [%s]: invite from %s expired", callID, p.call.From)
					m.incomingBc.publish(IncomingEvent{Type: "cancelled", Call: p.call})
				}
			}),
		}
	}
	m.mu.Unlock()

	if busy {
		log.Infof("CALL [%s]: busy, rejecting %s", msg.CallID, env.From)
		if err := m.sig.Send(ctx, env.From, signal.Message{
			Type:     signal.TypeReject,
			CallID:   msg.CallID,
			CallerID: env.From,
			CalleeID: m.opts.SelfID,
			Reason:   "busy",
		}); err != nil {
			log.Warnf("CALL [%s]: send busy reject: %v", msg.CallID, err)
		}
		return
	}

	log.Infof("CALL [%s]: incoming %s call from %s", ic.CallID, ic.CallType, ic.From)
	m.incomingBc.publish(IncomingEvent{Type: "invite", Call: ic})

	m.incomingMu.RLock()
	handlers := make([]func(IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}
