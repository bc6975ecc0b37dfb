package call

import (
	"github.com/pion/webrtc/v4"
)

// Sender is the transport's handle for one outbound track.
type Sender interface {
	Kind() webrtc.RTPCodecType
}

// Transport is the media connection a Negotiator drives. It mirrors the
// subset of a WebRTC peer connection the call flow needs; pionTransport is
// the production implementation.
type Transport interface {
	// CreateOffer always advertises receive readiness for audio and video.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(d webrtc.SessionDescription) error
	SetRemoteDescription(d webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error

	// AddTrack starts sending t, reusing an inactive sender slot of the same
	// kind when one exists.
	AddTrack(t Track) (Sender, error)
	RemoveTrack(s Sender) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(ConnState))
	OnRemoteTrack(fn func(kind webrtc.RTPCodecType))

	Close() error
}

// TransportFactory creates the transport for one call.
type TransportFactory func(callID string) (Transport, error)

// RemoteStats summarises inbound RTP.
type RemoteStats struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Lost    uint64 `json:"lost"`
}

// statsReporter is implemented by transports that count inbound media.
type statsReporter interface {
	RemoteStats() RemoteStats
}
