package call

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petervdpas/callcore/internal/signal"
	"github.com/pion/webrtc/v4"
)

// candidateSendTimeout bounds one trickled candidate send.
const candidateSendTimeout = 5 * time.Second

// SendFunc delivers one message to the remote peer of a call. The session
// stamps call_id and the destination.
type SendFunc func(ctx context.Context, msg signal.Message) error

// Negotiator runs the offer/answer exchange for one Transport.
//
// Only one offer is outstanding at a time, and only the impolite caller ever
// makes one. The polite receiver asks for an offer with media-renegotiate
// instead, so it never holds a local offer that would need rolling back, and
// a caller offer that crosses a request is simply the one that survives.
// Changes to the outbound track set are negotiated as soon as the state is
// Stable.
type Negotiator struct {
	id     Identity
	role   Role
	callID string
	tr     Transport
	send   SendFunc
	buf    CandidateBuffer

	mu      sync.Mutex
	state   NegotiationState
	senders map[webrtc.RTPCodecType]Sender

	// outbound track set changed since the last description we produced
	dirty bool
	// a deferred offer still has to be made
	pendingRenegotiation bool
	// the last remote offer was ignored as the impolite side of a collision
	ignoreOffer bool

	remoteAudio   bool
	remoteVideo   bool
	onRemoteMedia func(audio, video bool)

	rounds int // completed offer/answer exchanges

	connMu sync.Mutex
	conn   ConnState
	connBc *broadcast[ConnState]

	closed atomic.Bool
}

// NewNegotiator takes ownership of tr.
func NewNegotiator(id Identity, role Role, callID string, tr Transport, send SendFunc) *Negotiator {
	n := &Negotiator{
		id:      id,
		role:    role,
		callID:  callID,
		tr:      tr,
		send:    send,
		senders: make(map[webrtc.RTPCodecType]Sender),
		conn:    ConnNew,
		connBc:  newBroadcast[ConnState](16),
	}
	tr.OnICECandidate(n.onLocalCandidate)
	tr.OnConnectionStateChange(n.onConnState)
	tr.OnRemoteTrack(func(kind webrtc.RTPCodecType) {
		log.Infof("CALL [%s]: remote %s track arrived", n.callID, kind)
	})
	return n
}

// OnRemoteMedia registers fn to be called, under the negotiator lock, each
// time a remote description changes what the remote peer sends.
func (n *Negotiator) OnRemoteMedia(fn func(audio, video bool)) {
	n.mu.Lock()
	n.onRemoteMedia = fn
	n.mu.Unlock()
}

// State returns the current negotiation state.
func (n *Negotiator) State() NegotiationState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Rounds returns the number of completed offer/answer exchanges.
func (n *Negotiator) Rounds() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rounds
}

// RemoteMedia reports what the remote peer sends, per the last applied
// remote description.
func (n *Negotiator) RemoteMedia() (audio, video bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remoteAudio, n.remoteVideo
}

// Connectivity returns the latest transport connectivity.
func (n *Negotiator) Connectivity() ConnState {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	return n.conn
}

// SubscribeConnectivity streams connectivity changes, starting with the
// current one. The channel closes when the negotiator closes.
func (n *Negotiator) SubscribeConnectivity() (<-chan ConnState, func()) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	return n.connBc.subscribe(n.conn)
}

// CreateAndSendOffer starts an offer/answer round. Valid from Idle or Stable.
// On the polite side it asks the remote peer to offer instead.
func (n *Negotiator) CreateAndSendOffer(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offerLocked(ctx, false)
}

// offerLocked creates, applies and sends an offer. An automatic offer asked
// for while a round is outstanding is deferred until Stable.
func (n *Negotiator) offerLocked(ctx context.Context, auto bool) error {
	switch n.state {
	case NegIdle, NegStable:
	case NegClosed:
		return ErrClosed
	default:
		if auto {
			n.pendingRenegotiation = true
			return nil
		}
		return ErrOfferOutstanding
	}

	if n.role.polite() {
		n.pendingRenegotiation = false
		if err := n.send(ctx, signal.Message{Type: signal.TypeRenegotiate}); err != nil {
			return signalingError("send renegotiate", err)
		}
		log.Debugf("CALL [%s]: asked %s for an offer", n.callID, n.id.RemoteID)
		return nil
	}

	offer, err := n.tr.CreateOffer()
	if err != nil {
		return newError(KindNegotiationFailed, "create offer", err)
	}
	if n.closed.Load() {
		return ErrClosed
	}
	if err := n.tr.SetLocalDescription(offer); err != nil {
		return newError(KindNegotiationFailed, "set local offer", err)
	}
	n.state = NegLocalOfferPending
	n.dirty = false
	n.pendingRenegotiation = false

	if err := n.send(ctx, signal.Message{Type: signal.TypeOffer, Offer: &offer}); err != nil {
		return signalingError("send offer", err)
	}
	log.Debugf("CALL [%s]: offer sent (%s)", n.callID, n.role)
	return nil
}

// HandleOffer applies a remote offer and answers it.
func (n *Negotiator) HandleOffer(ctx context.Context, offer webrtc.SessionDescription, from string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NegClosed {
		return nil
	}
	if from != n.id.RemoteID {
		log.Warnf("CALL [%s]: offer from unexpected peer %s, dropping", n.callID, from)
		return nil
	}

	// Only the caller holds local offers, so a collision always resolves in
	// its favour. The receiver answers our offer and its own change rides on
	// that answer or on the offer we make after it.
	n.ignoreOffer = n.state == NegLocalOfferPending
	if n.ignoreOffer {
		log.Infof("CALL [%s]: offer collision, keeping ours", n.callID)
		return nil
	}

	if err := n.tr.SetRemoteDescription(offer); err != nil {
		return newError(KindNegotiationFailed, "set remote offer", err)
	}
	n.state = NegRemoteOfferPending
	n.noteRemoteLocked(offer.SDP)
	n.drainLocked()

	answer, err := n.tr.CreateAnswer()
	if err != nil {
		return newError(KindNegotiationFailed, "create answer", err)
	}
	if n.closed.Load() {
		return nil
	}
	if err := n.tr.SetLocalDescription(answer); err != nil {
		return newError(KindNegotiationFailed, "set local answer", err)
	}
	// the answer carries the current outbound set
	n.dirty = false
	n.state = NegStable
	n.rounds++

	if err := n.send(ctx, signal.Message{Type: signal.TypeAnswer, Answer: &answer}); err != nil {
		return signalingError("send answer", err)
	}
	log.Debugf("CALL [%s]: answer sent", n.callID)
	return n.afterStableLocked(ctx)
}

// HandleAnswer completes our outstanding offer. Answers that do not match an
// outstanding offer are stale and ignored.
func (n *Negotiator) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription, from string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if from != n.id.RemoteID {
		log.Warnf("CALL [%s]: answer from unexpected peer %s, dropping", n.callID, from)
		return nil
	}
	if n.state != NegLocalOfferPending {
		log.Debugf("CALL [%s]: stale answer in state %s, ignoring", n.callID, n.state)
		return nil
	}

	if err := n.tr.SetRemoteDescription(answer); err != nil {
		return newError(KindNegotiationFailed, "set remote answer", err)
	}
	n.noteRemoteLocked(answer.SDP)
	n.drainLocked()
	n.state = NegStable
	n.ignoreOffer = false
	n.rounds++
	return n.afterStableLocked(ctx)
}

// HandleRenegotiate answers the polite peer's request for an offer. A request
// that arrives while a round is outstanding is served once it completes; one
// that arrives before the first offer is covered by that offer.
func (n *Negotiator) HandleRenegotiate(ctx context.Context, from string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if from != n.id.RemoteID || n.role.polite() {
		log.Debugf("CALL [%s]: renegotiate request from %s ignored", n.callID, from)
		return nil
	}
	switch n.state {
	case NegStable:
		return n.offerLocked(ctx, true)
	case NegLocalOfferPending, NegRemoteOfferPending:
		n.pendingRenegotiation = true
	}
	return nil
}

// HandleCandidate applies c, or buffers it until a remote description exists.
func (n *Negotiator) HandleCandidate(_ context.Context, c webrtc.ICECandidateInit, from string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NegClosed || from != n.id.RemoteID {
		return nil
	}
	if !n.tr.HasRemoteDescription() {
		n.buf.Enqueue(c)
		return nil
	}
	if err := n.tr.AddICECandidate(c); err != nil && !n.ignoreOffer {
		log.Warnf("CALL [%s]: add candidate: %v", n.callID, err)
	}
	return nil
}

// Buffered returns the number of candidates waiting for a remote description.
func (n *Negotiator) Buffered() int { return n.buf.Len() }

// AttachTrack starts sending t and renegotiates if Stable.
func (n *Negotiator) AttachTrack(ctx context.Context, t Track) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NegClosed {
		return ErrClosed
	}
	if _, ok := n.senders[t.Kind()]; ok {
		return fmt.Errorf("attach %s: already sending %s", t.ID(), t.Kind())
	}
	s, err := n.tr.AddTrack(t)
	if err != nil {
		return newError(KindNegotiationFailed, "add track", err)
	}
	n.senders[t.Kind()] = s
	n.dirty = true
	return n.renegotiateLocked(ctx)
}

// DetachTrack stops sending the track of t's kind and renegotiates if Stable.
func (n *Negotiator) DetachTrack(ctx context.Context, t Track) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == NegClosed {
		return ErrClosed
	}
	s, ok := n.senders[t.Kind()]
	if !ok {
		return nil
	}
	delete(n.senders, t.Kind())
	if err := n.tr.RemoveTrack(s); err != nil {
		return newError(KindNegotiationFailed, "remove track", err)
	}
	n.dirty = true
	return n.renegotiateLocked(ctx)
}

func (n *Negotiator) renegotiateLocked(ctx context.Context) error {
	if n.state != NegStable {
		// Idle: the first offer or answer picks the change up.
		// Pending: negotiated once the round completes.
		return nil
	}
	return n.offerLocked(ctx, true)
}

func (n *Negotiator) afterStableLocked(ctx context.Context) error {
	if n.dirty || n.pendingRenegotiation {
		log.Debugf("CALL [%s]: renegotiating deferred change", n.callID)
		return n.offerLocked(ctx, true)
	}
	return nil
}

func (n *Negotiator) drainLocked() {
	applied, err := n.buf.DrainInto(n.tr)
	if applied > 0 {
		log.Debugf("CALL [%s]: applied %d buffered candidates", n.callID, applied)
	}
	if err != nil {
		log.Warnf("CALL [%s]: buffered candidates: %v", n.callID, err)
	}
}

func (n *Negotiator) noteRemoteLocked(raw string) {
	audio, video, err := remoteSending(raw)
	if err != nil {
		log.Warnf("CALL [%s]: %v", n.callID, err)
		return
	}
	if audio == n.remoteAudio && video == n.remoteVideo {
		return
	}
	n.remoteAudio, n.remoteVideo = audio, video
	if n.onRemoteMedia != nil {
		n.onRemoteMedia(audio, video)
	}
}

// onLocalCandidate trickles a gathered candidate. Runs on transport
// goroutines and never takes the negotiator lock.
func (n *Negotiator) onLocalCandidate(c webrtc.ICECandidateInit) {
	if n.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), candidateSendTimeout)
	defer cancel()
	if err := n.send(ctx, signal.Message{Type: signal.TypeCandidate, Candidate: &c}); err != nil {
		log.Debugf("CALL [%s]: send candidate: %v", n.callID, err)
	}
}

func (n *Negotiator) onConnState(s ConnState) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.conn == s || n.conn == ConnClosed {
		return
	}
	n.conn = s
	n.connBc.publish(s)
}

// Close releases the transport and buffered candidates. Idempotent.
func (n *Negotiator) Close() {
	if n.closed.Swap(true) {
		return
	}
	n.mu.Lock()
	n.state = NegClosed
	n.buf.Clear()
	n.senders = make(map[webrtc.RTPCodecType]Sender)
	n.mu.Unlock()

	if err := n.tr.Close(); err != nil {
		log.Debugf("CALL [%s]: transport close: %v", n.callID, err)
	}
	n.onConnState(ConnClosed)
	n.connMu.Lock()
	n.connBc.close()
	n.connMu.Unlock()
}
