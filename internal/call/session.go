package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/petervdpas/callcore/internal/signal"
	"github.com/petervdpas/callcore/internal/util"
)

const (
	statusBuffer = 32
	sendTimeout  = 10 * time.Second
)

// Session is one call between two peers. It is created by the Manager and
// orchestrates media, negotiation and the status stream. Teardown happens
// exactly once, whoever triggers it.
type Session struct {
	id     Identity
	role   Role
	callID string

	sig          Signaler
	media        *MediaManager
	newTransport TransportFactory
	onEnd        func(*Session)

	ringTimeout    time.Duration
	connectTimeout time.Duration

	mu        sync.Mutex
	callType  CallType
	current   StatusEvent
	neg       *Negotiator
	announced bool // the peer knows the call; teardown owes it a call-end
	closed    bool
	connected bool
	endedBy   string

	remoteVideoDisabled bool
	remoteMuted         bool

	ringTimer    *time.Timer
	connectTimer *time.Timer

	history  *util.RingBuffer[StatusEvent]
	statuses *broadcast[StatusEvent]
	done     chan struct{}
}

type sessionConfig struct {
	id             Identity
	role           Role
	callID         string
	callType       CallType
	sig            Signaler
	device         Device
	newTransport   TransportFactory
	ringTimeout    time.Duration
	connectTimeout time.Duration
	historySize    int
	onEnd          func(*Session)
}

func newSession(c sessionConfig) *Session {
	s := &Session{
		id:             c.id,
		role:           c.role,
		callID:         c.callID,
		sig:            c.sig,
		media:          NewMediaManager(c.device, c.callID),
		newTransport:   c.newTransport,
		onEnd:          c.onEnd,
		ringTimeout:    c.ringTimeout,
		connectTimeout: c.connectTimeout,
		callType:       c.callType,
		history:        util.NewRingBuffer[StatusEvent](c.historySize),
		statuses:       newBroadcast[StatusEvent](statusBuffer),
		done:           make(chan struct{}),
		// the caller's invite already announced a received call
		announced: c.role == RoleReceiver,
	}
	s.current = StatusEvent{Status: StatusIdle, CallType: c.callType, At: time.Now()}
	s.history.Push(s.current)
	return s
}

// CallID returns the call id shared by both peers.
func (s *Session) CallID() string { return s.callID }

// Identity returns the local and remote user ids.
func (s *Session) Identity() Identity { return s.id }

// Role returns whether this side placed or received the call.
func (s *Session) Role() Role { return s.role }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// CallType returns the current call type; an audio call becomes video once
// either side sends video.
func (s *Session) CallType() CallType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callType
}

// Current returns the latest status event.
func (s *Session) Current() StatusEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe streams status events, starting with the current one. The
// channel closes after the final event of a torn down session.
func (s *Session) Subscribe() (<-chan StatusEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses.subscribe(s.current)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	CallID              string          `json:"call_id"`
	Identity            Identity        `json:"identity"`
	Role                string          `json:"role"`
	CallType            CallType        `json:"call_type"`
	Status              string          `json:"status"`
	Negotiation         string          `json:"negotiation"`
	Connectivity        ConnState       `json:"connectivity"`
	Local               LocalMediaState `json:"local"`
	RemoteVideoDisabled bool            `json:"remote_video_disabled"`
	RemoteMuted         bool            `json:"remote_muted"`
	EndedBy             string          `json:"ended_by,omitempty"`
	Remote              *RemoteStats    `json:"remote,omitempty"`
	History             []StatusEvent   `json:"history"`
}

// Status returns a snapshot for debugging and the HTTP surface.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		CallID:              s.callID,
		Identity:            s.id,
		Role:                s.role.String(),
		CallType:            s.callType,
		Status:              s.current.Display(),
		Negotiation:         NegIdle.String(),
		Connectivity:        ConnNew,
		RemoteVideoDisabled: s.remoteVideoDisabled,
		RemoteMuted:         s.remoteMuted,
		EndedBy:             s.endedBy,
	}
	neg := s.neg
	s.mu.Unlock()

	if neg != nil {
		snap.Negotiation = neg.State().String()
		snap.Connectivity = neg.Connectivity()
		if r, ok := neg.tr.(statsReporter); ok {
			st := r.RemoteStats()
			snap.Remote = &st
		}
	}
	snap.Local = s.media.State()
	snap.History = s.history.Snapshot()
	return snap
}

// setStatusLocked records and publishes a status change. Caller holds s.mu.
func (s *Session) setStatusLocked(st Status, notice string) {
	ev := StatusEvent{
		Status:              st,
		Notice:              notice,
		CallType:            s.callType,
		RemoteVideoDisabled: s.remoteVideoDisabled,
		RemoteMuted:         s.remoteMuted,
		At:                  time.Now(),
	}
	s.publishLocked(ev)
}

func (s *Session) publishLocked(ev StatusEvent) {
	s.current = ev
	s.history.Push(ev)
	s.statuses.publish(ev)
}

// refreshLocked republishes the current status with updated remote flags.
func (s *Session) refreshLocked() {
	if s.closed {
		return
	}
	s.setStatusLocked(s.current.Status, "")
}

func (s *Session) notice(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	log.Infof("CALL [%s]: %s", s.callID, msg)
	s.setStatusLocked(s.current.Status, msg)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send addresses msg to the remote peer of this call.
func (s *Session) send(ctx context.Context, msg signal.Message) error {
	msg.CallID = s.callID
	return s.sig.Send(ctx, s.id.RemoteID, msg)
}

func (s *Session) parties() (caller, callee string) {
	if s.role == RoleCaller {
		return s.id.LocalID, s.id.RemoteID
	}
	return s.id.RemoteID, s.id.LocalID
}

// acquireMedia opens the microphone (fatal) and, for video calls, the camera
// (non-fatal), then builds the negotiator and attaches what was acquired.
func (s *Session) acquireMedia(ctx context.Context) error {
	if _, err := s.media.AcquireAudio(ctx); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	if s.CallType() == CallVideo {
		if _, err := s.media.AcquireVideo(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			log.Warnf("CALL [%s]: camera: %v", s.callID, err)
			s.notice("camera unavailable, continuing with audio")
		}
		if s.isClosed() {
			return ErrClosed
		}
	}

	tr, err := s.newTransport(s.callID)
	if err != nil {
		return newError(KindNegotiationFailed, "create transport", err)
	}
	neg := NewNegotiator(s.id, s.role, s.callID, tr, s.send)
	neg.OnRemoteMedia(s.onRemoteMedia)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		neg.Close()
		return ErrClosed
	}
	s.neg = neg
	s.mu.Unlock()

	s.media.Bind(neg)
	for _, t := range s.media.Tracks() {
		if err := neg.AttachTrack(ctx, t); err != nil {
			return err
		}
	}
	go s.watchConnectivity(neg)
	return nil
}

// startCaller runs the caller side up to the invite.
func (s *Session) startCaller(ctx context.Context) error {
	if err := s.acquireMedia(ctx); err != nil {
		return err
	}

	caller, callee := s.parties()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.announced = true
	ct := s.callType
	// ringing before the invite leaves, so an immediate accept finds it
	s.setStatusLocked(StatusRinging, "")
	s.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		log.Infof("CALL [%s]: no answer after %s", s.callID, s.ringTimeout)
		s.fail(KindNegotiationFailed, "timeout")
	})
	s.mu.Unlock()

	if err := s.send(ctx, signal.Message{
		Type:     signal.TypeInvite,
		CallerID: caller,
		CalleeID: callee,
		CallType: string(ct),
	}); err != nil {
		return signalingError("send invite", err)
	}
	log.Infof("CALL [%s]: ringing %s (%s)", s.callID, s.id.RemoteID, ct)
	return nil
}

// startReceiver runs the receiver side up to the accept.
func (s *Session) startReceiver(ctx context.Context) error {
	if err := s.acquireMedia(ctx); err != nil {
		if k := KindOf(err); k == KindPermissionDenied || k == KindDeviceUnavailable {
			// the reject stands in for the call-end
			s.mu.Lock()
			s.announced = false
			s.mu.Unlock()
			caller, callee := s.parties()
			rctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if serr := s.send(rctx, signal.Message{
				Type:     signal.TypeReject,
				CallerID: caller,
				CalleeID: callee,
				Reason:   string(k),
			}); serr != nil {
				log.Warnf("CALL [%s]: send reject: %v", s.callID, serr)
			}
			cancel()
		}
		return err
	}

	caller, callee := s.parties()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.announced = true
	s.mu.Unlock()

	if err := s.send(ctx, signal.Message{
		Type:     signal.TypeAccept,
		CallerID: caller,
		CalleeID: callee,
	}); err != nil {
		return signalingError("send accept", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	// the caller's offer may already have connected us
	if !s.connected {
		s.setStatusLocked(StatusConnecting, "")
		s.armConnectTimerLocked()
	}
	s.mu.Unlock()

	s.sendMediaStatus(ctx)
	log.Infof("CALL [%s]: accepted call from %s", s.callID, s.id.RemoteID)
	return nil
}

func (s *Session) armConnectTimerLocked() {
	if s.connected {
		return
	}
	s.connectTimer = time.AfterFunc(s.connectTimeout, func() {
		log.Infof("CALL [%s]: not connected after %s", s.callID, s.connectTimeout)
		s.fail(KindNegotiationFailed, "timeout")
	})
}

// sendMediaStatus tells the remote about a camera that could not start in a
// video call, and about a microphone muted before the call was answered.
func (s *Session) sendMediaStatus(ctx context.Context) {
	st := s.media.State()
	if s.CallType() == CallVideo && !st.CameraEnabled {
		if err := s.send(ctx, signal.Message{Type: signal.TypeVideoStatus, Disabled: signal.Bool(true)}); err != nil {
			log.Debugf("CALL [%s]: send video-status: %v", s.callID, err)
		}
	}
	if !st.MicEnabled {
		if err := s.send(ctx, signal.Message{Type: signal.TypeMicStatus, Muted: signal.Bool(true)}); err != nil {
			log.Debugf("CALL [%s]: send mic-status: %v", s.callID, err)
		}
	}
}

// handleSignal processes one inbound message for this call. Called from the
// manager's dispatch goroutine, in arrival order.
func (s *Session) handleSignal(ctx context.Context, msg *signal.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	neg := s.neg
	s.mu.Unlock()

	var err error
	switch msg.Type {
	case signal.TypeAccept:
		s.onAccepted(ctx, neg)
	case signal.TypeReject:
		reason := "rejected"
		if msg.Reason != "" {
			reason += ": " + msg.Reason
		}
		log.Infof("CALL [%s]: %s %s", s.callID, s.id.RemoteID, reason)
		s.teardown(false, s.id.RemoteID, StatusEvent{Status: StatusEnded, Reason: reason})
	case signal.TypeEnd:
		reason := msg.Reason
		if reason == "" {
			reason = "hangup"
		}
		log.Infof("CALL [%s]: ended by %s (%s)", s.callID, s.id.RemoteID, reason)
		s.teardown(false, s.id.RemoteID, StatusEvent{Status: StatusEnded, Reason: reason})
	case signal.TypeOffer:
		if neg != nil {
			err = neg.HandleOffer(ctx, *msg.Offer, s.id.RemoteID)
		}
	case signal.TypeAnswer:
		if neg != nil {
			err = neg.HandleAnswer(ctx, *msg.Answer, s.id.RemoteID)
		}
	case signal.TypeCandidate:
		if neg != nil {
			err = neg.HandleCandidate(ctx, *msg.Candidate, s.id.RemoteID)
		}
	case signal.TypeRenegotiate:
		if neg != nil {
			err = neg.HandleRenegotiate(ctx, s.id.RemoteID)
		}
	case signal.TypeVideoStatus:
		s.mu.Lock()
		s.remoteVideoDisabled = *msg.Disabled
		s.refreshLocked()
		s.mu.Unlock()
	case signal.TypeMicStatus:
		s.mu.Lock()
		s.remoteMuted = *msg.Muted
		s.refreshLocked()
		s.mu.Unlock()
	default:
		log.Debugf("CALL [%s]: ignoring %s", s.callID, msg.Type)
	}

	if err != nil {
		log.Warnf("CALL [%s]: %s: %v", s.callID, msg.Type, err)
		if k := KindOf(err); k != KindUnknown {
			s.fail(k, err.Error())
		}
	}
}

// onAccepted moves the caller from ringing to negotiating.
func (s *Session) onAccepted(ctx context.Context, neg *Negotiator) {
	s.mu.Lock()
	if s.role != RoleCaller || s.current.Status != StatusRinging {
		s.mu.Unlock()
		log.Debugf("CALL [%s]: unexpected accept in %s", s.callID, s.current.Status)
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.setStatusLocked(StatusConnecting, "")
	s.armConnectTimerLocked()
	s.mu.Unlock()

	log.Infof("CALL [%s]: %s accepted", s.callID, s.id.RemoteID)
	s.sendMediaStatus(ctx)
	if err := neg.CreateAndSendOffer(ctx); err != nil {
		log.Warnf("CALL [%s]: offer: %v", s.callID, err)
		s.fail(KindOf(err), err.Error())
	}
}

// onRemoteMedia runs under the negotiator lock; it must not call back into
// the negotiator.
func (s *Session) onRemoteMedia(_, video bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if video && s.callType == CallAudio {
		s.callType = CallVideo
		log.Infof("CALL [%s]: upgraded to video by %s", s.callID, s.id.RemoteID)
	}
	if video {
		s.remoteVideoDisabled = false
	}
	s.refreshLocked()
}

// watchConnectivity mirrors transport connectivity into the status stream.
func (s *Session) watchConnectivity(neg *Negotiator) {
	ch, cancel := neg.SubscribeConnectivity()
	defer cancel()

	for st := range ch {
		switch st {
		case ConnConnected:
			s.mu.Lock()
			if !s.closed {
				s.connected = true
				if s.connectTimer != nil {
					s.connectTimer.Stop()
				}
				s.setStatusLocked(StatusConnected, "")
				log.Infof("CALL [%s]: connected to %s", s.callID, s.id.RemoteID)
			}
			s.mu.Unlock()
		case ConnDisconnected:
			s.mu.Lock()
			if !s.closed && s.connected {
				s.setStatusLocked(StatusConnecting, "connection interrupted, reconnecting")
			}
			s.mu.Unlock()
		case ConnFailed:
			s.fail(KindNegotiationFailed, "ice failed")
			return
		case ConnClosed:
			return
		}
	}
}

// ToggleMic mutes or unmutes the microphone and tells the remote.
func (s *Session) ToggleMic(ctx context.Context) (muted bool, err error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	muted, err = s.media.ToggleMicMute()
	if err != nil {
		return muted, err
	}
	s.mu.Lock()
	s.refreshLocked()
	s.mu.Unlock()
	if err := s.send(ctx, signal.Message{Type: signal.TypeMicStatus, Muted: signal.Bool(muted)}); err != nil {
		log.Debugf("CALL [%s]: send mic-status: %v", s.callID, err)
	}
	log.Infof("CALL [%s]: audio muted=%v", s.callID, muted)
	return muted, nil
}

// ToggleVideo turns the camera off or on and tells the remote. If the camera
// cannot be started the call carries on without video and the error is
// returned with disabled=true.
func (s *Session) ToggleVideo(ctx context.Context) (disabled bool, err error) {
	if s.isClosed() {
		return true, ErrClosed
	}
	disabled, err = s.media.ToggleVideo(ctx)
	if errors.Is(err, ErrClosed) {
		return true, err
	}
	if err != nil && KindOf(err) != KindPermissionDenied && KindOf(err) != KindDeviceUnavailable {
		s.fail(KindOf(err), err.Error())
		return true, err
	}
	if err != nil {
		s.notice("camera unavailable, continuing with audio")
	}

	s.mu.Lock()
	if !disabled && s.callType == CallAudio {
		s.callType = CallVideo
	}
	s.refreshLocked()
	s.mu.Unlock()

	if serr := s.send(ctx, signal.Message{Type: signal.TypeVideoStatus, Disabled: signal.Bool(disabled)}); serr != nil {
		log.Debugf("CALL [%s]: send video-status: %v", s.callID, serr)
	}
	log.Infof("CALL [%s]: video disabled=%v", s.callID, disabled)
	return disabled, err
}

// EndCall hangs up. endedBy is the user id that ended the call; an empty one
// means the local user. When endedBy is the remote peer no call-end is sent.
// Idempotent and safe under concurrent triggers.
func (s *Session) EndCall(ctx context.Context, endedBy string) {
	if endedBy == "" {
		endedBy = s.id.LocalID
	}
	remote := endedBy == s.id.RemoteID
	s.teardownCtx(ctx, !remote, endedBy, StatusEvent{Status: StatusEnded, Reason: "hangup"})
}

// fail ends the call with an error status and tells the remote.
func (s *Session) fail(kind ErrorKind, reason string) {
	if kind == "" {
		kind = KindUnknown
	}
	s.teardown(true, s.id.LocalID, StatusEvent{Status: StatusError, Kind: kind, Reason: reason})
}

func (s *Session) teardown(sendEnd bool, endedBy string, final StatusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	s.teardownCtx(ctx, sendEnd, endedBy, final)
}

func (s *Session) teardownCtx(ctx context.Context, sendEnd bool, endedBy string, final StatusEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.endedBy = endedBy
	neg := s.neg
	announced := s.announced
	for _, t := range []*time.Timer{s.ringTimer, s.connectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.mu.Unlock()

	if sendEnd && announced {
		caller, callee := s.parties()
		reason := final.Reason
		if err := s.send(ctx, signal.Message{
			Type:     signal.TypeEnd,
			CallerID: caller,
			CalleeID: callee,
			EndedBy:  endedBy,
			Reason:   reason,
		}); err != nil {
			log.Warnf("CALL [%s]: send call-end: %v", s.callID, err)
		}
	}

	s.media.ReleaseAll()
	if neg != nil {
		neg.Close()
	}

	s.mu.Lock()
	final.CallType = s.callType
	final.RemoteVideoDisabled = s.remoteVideoDisabled
	final.RemoteMuted = s.remoteMuted
	final.At = time.Now()
	s.current = final
	s.history.Push(final)
	s.statuses.closeWith(final)
	s.mu.Unlock()

	close(s.done)
	log.Infof("CALL [%s]: ended (%s) by %s", s.callID, final.Display(), endedBy)
	if s.onEnd != nil {
		s.onEnd(s)
	}
}
