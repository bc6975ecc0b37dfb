package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/callcore/internal/signal"
	"github.com/pion/webrtc/v4"
)

// ── tracks and devices ──────────────────────────────────────────────────────

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
	return nil
}

func (t *fakeTrack) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeDevice struct {
	name string

	mu       sync.Mutex
	audioErr error
	videoErr error
	opened   []*fakeTrack

	// when set, opens announce themselves on entered and then wait for
	// release, ignoring ctx like slow capture hardware does
	entered chan webrtc.RTPCodecType
	release chan struct{}
}

func newFakeDevice(name string) *fakeDevice { return &fakeDevice{name: name} }

// hold makes every later open block until the returned func is called.
func (d *fakeDevice) hold() (entered <-chan webrtc.RTPCodecType, release func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entered = make(chan webrtc.RTPCodecType, 4)
	d.release = make(chan struct{})
	var once sync.Once
	rel := d.release
	return d.entered, func() { once.Do(func() { close(rel) }) }
}

func (d *fakeDevice) open(kind webrtc.RTPCodecType, err error) (Track, error) {
	d.mu.Lock()
	entered, release := d.entered, d.release
	d.mu.Unlock()
	if release != nil {
		entered <- kind
		<-release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	t := &fakeTrack{id: fmt.Sprintf("%s-%s-%d", d.name, kind, len(d.opened)), kind: kind, enabled: true}
	d.opened = append(d.opened, t)
	return t, nil
}

func (d *fakeDevice) OpenAudio(context.Context) (Track, error) {
	d.mu.Lock()
	err := d.audioErr
	d.mu.Unlock()
	return d.open(webrtc.RTPCodecTypeAudio, err)
}

func (d *fakeDevice) OpenVideo(context.Context) (Track, error) {
	d.mu.Lock()
	err := d.videoErr
	d.mu.Unlock()
	return d.open(webrtc.RTPCodecTypeVideo, err)
}

func (d *fakeDevice) setVideoErr(err error) {
	d.mu.Lock()
	d.videoErr = err
	d.mu.Unlock()
}

func (d *fakeDevice) tracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.opened...)
}

func (d *fakeDevice) count(kind webrtc.RTPCodecType) int {
	n := 0
	for _, t := range d.tracks() {
		if t.kind == kind {
			n++
		}
	}
	return n
}

// ── transport ───────────────────────────────────────────────────────────────

type fakeSender struct {
	kind  webrtc.RTPCodecType
	track Track
}

func (s *fakeSender) Kind() webrtc.RTPCodecType { return s.kind }

// fakeTransport models the signaling state machine of a peer connection.
// Connectivity is reached once both descriptions are set and at least one
// remote candidate has been applied.
type fakeTransport struct {
	name       string
	candidates int // gathered on the first local description

	mu         sync.Mutex
	sigState   webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	slots      []*fakeSender
	remoteCand []webrtc.ICECandidateInit
	gathered   bool
	state      ConnState
	closed     bool
	version    int

	offers, answers int

	onCand   func(webrtc.ICECandidateInit)
	onState  func(ConnState)
	onRemote func(webrtc.RTPCodecType)
}

func newFakeTransport(name string, candidates int) *fakeTransport {
	return &fakeTransport{name: name, candidates: candidates, sigState: webrtc.SignalingStateStable, state: ConnNew}
}

func (f *fakeTransport) sdpLocked() string {
	f.version++
	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=- 4242 %d IN IP4 127.0.0.1\r\n", f.version)
	b.WriteString("s=-\r\nt=0 0\r\n")
	for i, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		dir := "recvonly"
		for _, s := range f.slots {
			if s.kind == kind && s.track != nil {
				dir = "sendrecv"
			}
		}
		pt := 111
		if kind == webrtc.RTPCodecTypeVideo {
			pt = 96
		}
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF %d\r\n", kind, pt)
		b.WriteString("c=IN IP4 0.0.0.0\r\n")
		fmt.Fprintf(&b, "a=mid:%d\r\n", i)
		fmt.Fprintf(&b, "a=%s\r\n", dir)
	}
	return b.String()
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.sdpLocked()}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	if f.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", f.sigState)
	}
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.sdpLocked()}, nil
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && f.sigState == webrtc.SignalingStateStable:
		f.sigState = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && f.sigState == webrtc.SignalingStateHaveRemoteOffer:
		f.sigState = webrtc.SignalingStateStable
	default:
		st := f.sigState
		f.mu.Unlock()
		return fmt.Errorf("set local %s in %s", d.Type, st)
	}
	f.local = &d
	gather := !f.gathered
	f.gathered = true
	onCand := f.onCand
	f.mu.Unlock()

	if gather && onCand != nil {
		for i := 0; i < f.candidates; i++ {
			mid := "0"
			onCand(webrtc.ICECandidateInit{
				Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 10.0.0.%d %d typ host", i+1, i+1, 50000+i),
				SDPMid:    &mid,
			})
		}
	}
	f.checkConnected()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && f.sigState == webrtc.SignalingStateStable:
		f.sigState = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && f.sigState == webrtc.SignalingStateHaveLocalOffer:
		f.sigState = webrtc.SignalingStateStable
	default:
		st := f.sigState
		f.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", d.Type, st)
	}
	f.remote = &d
	f.mu.Unlock()
	f.checkConnected()
	return nil
}

func (f *fakeTransport) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	if f.remote == nil {
		f.mu.Unlock()
		return errors.New("remote description not set")
	}
	f.remoteCand = append(f.remoteCand, c)
	f.mu.Unlock()
	f.checkConnected()
	return nil
}

func (f *fakeTransport) AddTrack(t Track) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("closed")
	}
	for _, s := range f.slots {
		if s.kind == t.Kind() && s.track == nil {
			s.track = t
			return s, nil
		}
	}
	s := &fakeSender{kind: t.Kind(), track: t}
	f.slots = append(f.slots, s)
	return s, nil
}

func (f *fakeTransport) RemoveTrack(s Sender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fs, ok := s.(*fakeSender)
	if !ok || fs.track == nil {
		return errors.New("sender not active")
	}
	fs.track = nil
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnectionStateChange(fn func(ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnRemoteTrack(fn func(webrtc.RTPCodecType)) {
	f.mu.Lock()
	f.onRemote = fn
	f.mu.Unlock()
}

func (f *fakeTransport) checkConnected() {
	f.mu.Lock()
	ready := !f.closed && f.state != ConnConnected &&
		f.local != nil && f.remote != nil && len(f.remoteCand) > 0
	if ready {
		f.state = ConnConnected
	}
	fn := f.onState
	f.mu.Unlock()
	if ready && fn != nil {
		fn(ConnConnected)
	}
}

// emit forces a connectivity change, as the ICE agent would.
func (f *fakeTransport) emit(st ConnState) {
	f.mu.Lock()
	f.state = st
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.state = ConnClosed
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(ConnClosed)
	}
	return nil
}

func (f *fakeTransport) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) counts() (offers, answers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.answers
}

func (f *fakeTransport) slotCount(kind webrtc.RTPCodecType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.slots {
		if s.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeTransport) remoteCandidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remoteCand)
}

// transportRecorder is a TransportFactory that keeps what it made.
type transportRecorder struct {
	name       string
	candidates int

	mu    sync.Mutex
	made  []*fakeTransport
	delay time.Duration
}

func (r *transportRecorder) factory(callID string) (Transport, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := newFakeTransport(r.name+"/"+callID, r.candidates)
	r.made = append(r.made, t)
	return t, nil
}

func (r *transportRecorder) last() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.made) == 0 {
		return nil
	}
	return r.made[len(r.made)-1]
}

// ── signaling ───────────────────────────────────────────────────────────────

// countingSignaler wraps a signaler and counts sent message types.
type countingSignaler struct {
	Signaler

	mu   sync.Mutex
	sent map[string]int
	down bool
}

func newCountingSignaler(inner Signaler) *countingSignaler {
	return &countingSignaler{Signaler: inner, sent: make(map[string]int)}
}

func (c *countingSignaler) Send(ctx context.Context, to string, msg signal.Message) error {
	c.mu.Lock()
	down := c.down
	if !down {
		c.sent[msg.Type]++
	}
	c.mu.Unlock()
	if down {
		return signal.ErrUnavailable
	}
	return c.Signaler.Send(ctx, to, msg)
}

func (c *countingSignaler) Connected() bool {
	c.mu.Lock()
	down := c.down
	c.mu.Unlock()
	return !down && c.Signaler.Connected()
}

func (c *countingSignaler) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *countingSignaler) count(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[typ]
}

// outbox is a SendFunc target for negotiator-level tests; the test decides
// when and in which order messages are delivered.
type outbox struct {
	mu   sync.Mutex
	msgs []signal.Message
}

func (o *outbox) send(_ context.Context, msg signal.Message) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	return nil
}

func (o *outbox) take() []signal.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = nil
	return out
}
