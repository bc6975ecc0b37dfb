// Package call negotiates one-to-one audio/video calls over an asynchronous
// signaling channel. Media travels on a separately negotiated Transport
// (pion/webrtc in production); coupling to the signaling layer is via the
// Signaler interface only.
package call

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/petervdpas/callcore/internal/signal"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("call")

// Signaler is the only surface the call package needs from the signaling layer.
// signal.WSClient, signal.SSEClient, signal.Stream and signal.Local satisfy it.
type Signaler interface {
	Send(ctx context.Context, to string, msg signal.Message) error
	Subscribe() (<-chan *signal.Envelope, func())
	Connected() bool
}

// Identity names both ends of a session. Built once and passed by value.
type Identity struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id"`
}

// Role is fixed for the lifetime of a session.
type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "receiver"
}

// polite peers yield in an offer collision. The receiver is polite.
func (r Role) polite() bool { return r == RoleReceiver }

// CallType is what the call carries. An audio call may be upgraded to video.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// ParseCallType accepts "audio" and "video".
func ParseCallType(s string) (CallType, bool) {
	switch CallType(s) {
	case CallAudio, CallVideo:
		return CallType(s), true
	}
	return "", false
}

// NegotiationState is the offer/answer state of a Negotiator.
type NegotiationState int

const (
	NegIdle NegotiationState = iota
	NegLocalOfferPending
	NegRemoteOfferPending
	NegStable
	NegClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegIdle:
		return "idle"
	case NegLocalOfferPending:
		return "local-offer-pending"
	case NegRemoteOfferPending:
		return "remote-offer-pending"
	case NegStable:
		return "stable"
	case NegClosed:
		return "closed"
	}
	return "unknown"
}

// ConnState is the transport connectivity as seen by the session.
// Failed is terminal; Disconnected may recover.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Status is the display projection of a session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
)

// StatusEvent is one entry of a session's status stream.
type StatusEvent struct {
	Status   Status    `json:"status"`
	Kind     ErrorKind `json:"kind,omitempty"`   // set when Status is error
	Reason   string    `json:"reason,omitempty"` // why the call ended
	Notice   string    `json:"notice,omitempty"` // passive, non-fatal information
	CallType CallType  `json:"call_type"`

	RemoteVideoDisabled bool `json:"remote_video_disabled"`
	RemoteMuted         bool `json:"remote_muted"`

	At time.Time `json:"at"`
}

// Display renders the status as shown to users: "connected", "error:<kind>"...
func (e StatusEvent) Display() string {
	if e.Status == StatusError {
		return string(e.Status) + ":" + string(e.Kind)
	}
	return string(e.Status)
}

// LocalMediaState is owned by MediaManager.
type LocalMediaState struct {
	MicEnabled    bool `json:"mic_enabled"`
	CameraEnabled bool `json:"camera_enabled"`
	ActiveTracks  int  `json:"active_tracks"`
}

// IncomingCall is an invite that has not been answered yet.
type IncomingCall struct {
	CallID   string    `json:"call_id"`
	From     string    `json:"from"`
	CallType CallType  `json:"call_type"`
	Received time.Time `json:"received"`
}

// IncomingEvent is delivered to SubscribeIncoming listeners.
type IncomingEvent struct {
	Type string       `json:"type"` // "invite" | "cancelled"
	Call IncomingCall `json:"call"`
}

// Track is one local media source.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(on bool)
	// Stop releases the device handle. Safe to call more than once.
	Stop() error
}

// Device opens local capture tracks.
type Device interface {
	OpenAudio(ctx context.Context) (Track, error)
	OpenVideo(ctx context.Context) (Track, error)
}
