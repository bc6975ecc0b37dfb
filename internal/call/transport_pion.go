package call

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ICEConfig configures the pion ICE agent.
type ICEConfig struct {
	Servers []string

	// Zero takes the DefaultICEConfig value.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
}

// DefaultICEConfig uses one public STUN server and 30s/120s/2s timeouts.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{
		Servers:             []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepaliveInterval:   2 * time.Second,
	}
}

// trackLocalProvider is implemented by tracks that pion can send.
type trackLocalProvider interface {
	TrackLocal() webrtc.TrackLocal
}

// enabledNotifier is implemented by tracks whose mute state the transport
// mirrors by detaching the media from the sender.
type enabledNotifier interface {
	OnEnabledChange(fn func(on bool))
}

// newAPI builds a pion API on top of a populated media engine.
func newAPI(mediaEngine *webrtc.MediaEngine, ice ICEConfig) (*webrtc.API, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	def := DefaultICEConfig()
	if ice.DisconnectedTimeout <= 0 {
		ice.DisconnectedTimeout = def.DisconnectedTimeout
	}
	if ice.FailedTimeout <= 0 {
		ice.FailedTimeout = def.FailedTimeout
	}
	if ice.KeepaliveInterval <= 0 {
		ice.KeepaliveInterval = def.KeepaliveInterval
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(ice.DisconnectedTimeout, ice.FailedTimeout, ice.KeepaliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

// PionTransportFactory creates pion-backed transports from api.
func PionTransportFactory(api *webrtc.API, ice ICEConfig) TransportFactory {
	return func(callID string) (Transport, error) {
		return newPionTransport(api, ice, callID)
	}
}

type pionSender struct {
	s    *webrtc.RTPSender
	kind webrtc.RTPCodecType
}

func (p *pionSender) Kind() webrtc.RTPCodecType { return p.kind }

// pionTransport adapts a webrtc.PeerConnection to Transport.
type pionTransport struct {
	callID string
	pc     *webrtc.PeerConnection

	mu sync.Mutex // guards transceiver setup

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
}

func newPionTransport(api *webrtc.API, ice ICEConfig, callID string) (*pionTransport, error) {
	var servers []webrtc.ICEServer
	if len(ice.Servers) > 0 {
		servers = []webrtc.ICEServer{{URLs: ice.Servers}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &pionTransport{callID: callID, pc: pc}, nil
}

// ensureReceive adds a recvonly transceiver for every kind that has none, so
// the offer always has valid audio and video m-lines.
func (t *pionTransport) ensureReceive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	have := map[webrtc.RTPCodecType]bool{}
	for _, tr := range t.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	if err := t.ensureReceive(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(d)
}

func (t *pionTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(d)
}

func (t *pionTransport) HasRemoteDescription() bool {
	return t.pc.RemoteDescription() != nil
}

func (t *pionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

// AddTrack relies on pion reusing an inactive transceiver of the same kind,
// which keeps the m-line count stable across camera off/on cycles.
func (t *pionTransport) AddTrack(tr Track) (Sender, error) {
	p, ok := tr.(trackLocalProvider)
	if !ok {
		return nil, fmt.Errorf("track %s cannot be sent", tr.ID())
	}
	local := p.TrackLocal()
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}

	// Read incoming RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if n, ok := tr.(enabledNotifier); ok {
		n.OnEnabledChange(func(on bool) {
			var next webrtc.TrackLocal
			if on {
				next = local
			}
			if err := sender.ReplaceTrack(next); err != nil {
				log.Debugf("CALL [%s]: replace %s track: %v", t.callID, tr.Kind(), err)
			}
		})
	}
	return &pionSender{s: sender, kind: tr.Kind()}, nil
}

func (t *pionTransport) RemoveTrack(s Sender) error {
	ps, ok := s.(*pionSender)
	if !ok {
		return errors.New("foreign sender")
	}
	return t.pc.RemoveTrack(ps.s)
}

func (t *pionTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		fn(c.ToJSON())
	})
}

func (t *pionTransport) OnConnectionStateChange(fn func(ConnState)) {
	t.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("CALL [%s]: ICE %s", t.callID, s)
		fn(connStateOf(s))
	})
}

func connStateOf(s webrtc.ICEConnectionState) ConnState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnClosed
	}
	return ConnNew
}

func (t *pionTransport) OnRemoteTrack(fn func(kind webrtc.RTPCodecType)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(remote.Kind())
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			// Ask for a keyframe so video shows without waiting for the
			// next periodic one.
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())}}
			if err := t.pc.WriteRTCP(pli); err != nil {
				log.Debugf("CALL [%s]: PLI: %v", t.callID, err)
			}
		}
		go t.readRemote(remote)
	})
}

// readRemote consumes a remote track and counts what arrives. Rendering is
// left to whoever taps the track; the call core only needs liveness stats.
func (t *pionTransport) readRemote(remote *webrtc.TrackRemote) {
	var (
		pkt     *rtp.Packet
		lastSeq uint16
		started bool
		err     error
	)
	for {
		if pkt, _, err = remote.ReadRTP(); err != nil {
			return
		}
		t.packets.Add(1)
		t.bytes.Add(uint64(len(pkt.Payload)))
		if started {
			if gap := pkt.SequenceNumber - lastSeq; gap > 1 && gap < 1<<15 {
				t.lost.Add(uint64(gap - 1))
			}
		}
		lastSeq, started = pkt.SequenceNumber, true
	}
}

func (t *pionTransport) RemoteStats() RemoteStats {
	return RemoteStats{
		Packets: t.packets.Load(),
		Bytes:   t.bytes.Load(),
		Lost:    t.lost.Load(),
	}
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
