package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceInterval = 20 * time.Millisecond

// NewPionFactory returns a TransportFactory over pion with the default codec
// set, for devices that do not need a capture-specific media engine.
func NewPionFactory(ice ICEConfig) (TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api, err := newAPI(mediaEngine, ice)
	if err != nil {
		return nil, err
	}
	return PionTransportFactory(api, ice), nil
}

// SyntheticDevice opens tracks that need no hardware: the microphone sends
// Opus silence, the camera track is negotiated but carries no frames. Used
// for headless peers and the loopback demo.
type SyntheticDevice struct{}

func (SyntheticDevice) OpenAudio(ctx context.Context) (Track, error) {
	return openSynthetic(ctx, webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus)
}

func (SyntheticDevice) OpenVideo(ctx context.Context) (Track, error) {
	return openSynthetic(ctx, webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8)
}

func openSynthetic(ctx context.Context, kind webrtc.RTPCodecType, mime string) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := kind.String() + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "synthetic")
	if err != nil {
		return nil, deviceError("open synthetic "+kind.String(), err)
	}
	t := &syntheticTrack{id: id, kind: kind, local: local, enabled: true, stop: make(chan struct{})}
	if kind == webrtc.RTPCodecTypeAudio {
		go t.writeSilence()
	}
	return t, nil
}

type syntheticTrack struct {
	id    string
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	mu        sync.Mutex
	enabled   bool
	listeners []func(bool)

	stopOnce sync.Once
	stop     chan struct{}
}

func (t *syntheticTrack) ID() string                    { return t.id }
func (t *syntheticTrack) Kind() webrtc.RTPCodecType     { return t.kind }
func (t *syntheticTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *syntheticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *syntheticTrack) SetEnabled(on bool) {
	t.mu.Lock()
	changed := t.enabled != on
	t.enabled = on
	fns := append(([]func(bool))(nil), t.listeners...)
	t.mu.Unlock()
	if changed {
		for _, fn := range fns {
			fn(on)
		}
	}
}

func (t *syntheticTrack) OnEnabledChange(fn func(on bool)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *syntheticTrack) Stop() error {
	t.stopOnce.Do(func() { close(t.stop) })
	return nil
}

func (t *syntheticTrack) writeSilence() {
	tick := time.NewTicker(silenceInterval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			if !t.Enabled() {
				continue
			}
			// unbound tracks swallow the sample
			_ = t.local.WriteSample(media.Sample{Data: opusSilence, Duration: silenceInterval})
		}
	}
}
