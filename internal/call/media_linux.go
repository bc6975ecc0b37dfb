//go:build linux

package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewPlatformMedia returns the V4L2/malgo capture device and a pion transport
// factory whose media engine matches the capture codecs (VP8 + Opus).
func NewPlatformMedia(mc MediaConfig, ice ICEConfig) (Device, TransportFactory, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = mc.VideoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	api, err := newAPI(mediaEngine, ice)
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("CALL: no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Debugf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
	}

	return &captureDevice{selector: selector, cfg: mc}, PionTransportFactory(api, ice), nil
}

// captureDevice opens tracks through mediadevices.GetUserMedia.
type captureDevice struct {
	selector *mediadevices.CodecSelector
	cfg      MediaConfig
}

func (d *captureDevice) OpenAudio(ctx context.Context) (Track, error) {
	return d.open(ctx, mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if d.cfg.PreferredMic != "" {
				c.DeviceID = prop.String(d.cfg.PreferredMic)
			}
		},
	})
}

func (d *captureDevice) OpenVideo(ctx context.Context) (Track, error) {
	return d.open(ctx, mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if d.cfg.PreferredCam != "" {
				c.DeviceID = prop.String(d.cfg.PreferredCam)
			}
			// Raw formats only: some cameras expose an MJPEG node whose
			// malformed frames poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: d.cfg.MaxWidth}
			c.Height = prop.IntRanged{Max: d.cfg.MaxHeight}
		},
	})
}

// open runs GetUserMedia, which blocks on the driver, and gives up when ctx
// is done. A track that shows up after that is closed.
func (d *captureDevice) open(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (Track, error) {
	type result struct {
		track mediadevices.Track
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			ch <- result{err: err}
			return
		}
		tracks := stream.GetTracks()
		if len(tracks) == 0 {
			ch <- result{err: errors.New("no track returned")}
			return
		}
		for _, extra := range tracks[1:] {
			_ = extra.Close()
		}
		ch <- result{track: tracks[0]}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, r.err)
		}
		t := &deviceTrack{Track: r.track}
		t.enabled.Store(true)
		r.track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL: local %s track ended: %v", r.track.Kind(), err)
			}
		})
		return t, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.track != nil {
				_ = r.track.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// deviceTrack adds enable/stop bookkeeping to a mediadevices track.
type deviceTrack struct {
	mediadevices.Track

	enabled atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
	stopOnce  sync.Once
	stopErr   error
}

func (t *deviceTrack) Enabled() bool { return t.enabled.Load() }

func (t *deviceTrack) SetEnabled(on bool) {
	if t.enabled.Swap(on) == on {
		return
	}
	t.mu.Lock()
	fns := append([]func(bool){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(on)
	}
}

func (t *deviceTrack) OnEnabledChange(fn func(on bool)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *deviceTrack) TrackLocal() webrtc.TrackLocal { return t.Track }

func (t *deviceTrack) Stop() error {
	t.stopOnce.Do(func() { t.stopErr = t.Track.Close() })
	return t.stopErr
}
