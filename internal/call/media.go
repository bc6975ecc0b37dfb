package call

import (
	"context"
	"errors"
	"sync"
)

// TrackAttacher is the part of the Negotiator the MediaManager drives when
// video is toggled.
type TrackAttacher interface {
	AttachTrack(ctx context.Context, t Track) error
	DetachTrack(ctx context.Context, t Track) error
}

// MediaManager owns the local device handles of one call.
type MediaManager struct {
	dev    Device
	callID string

	toggleMu sync.Mutex // serializes ToggleVideo

	mu       sync.Mutex
	att      TrackAttacher
	audio    Track
	video    Track
	micOn    bool
	released bool
}

func NewMediaManager(dev Device, callID string) *MediaManager {
	return &MediaManager{dev: dev, callID: callID}
}

// Bind sets the negotiator that video toggles attach to.
func (m *MediaManager) Bind(att TrackAttacher) {
	m.mu.Lock()
	m.att = att
	m.mu.Unlock()
}

// AcquireAudio opens the microphone. Failure is fatal to the call.
func (m *MediaManager) AcquireAudio(ctx context.Context) (Track, error) {
	if m.isReleased() {
		return nil, ErrClosed
	}
	t, err := m.dev.OpenAudio(ctx)
	if err != nil {
		return nil, deviceError("acquire audio", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		_ = t.Stop()
		return nil, ErrClosed
	}
	if m.audio != nil {
		_ = m.audio.Stop()
	}
	m.audio = t
	m.micOn = true
	t.SetEnabled(true)
	log.Debugf("CALL [%s]: microphone acquired (%s)", m.callID, t.ID())
	return t, nil
}

// AcquireVideo opens the camera. Callers treat failure as non-fatal.
func (m *MediaManager) AcquireVideo(ctx context.Context) (Track, error) {
	if m.isReleased() {
		return nil, ErrClosed
	}
	t, err := m.dev.OpenVideo(ctx)
	if err != nil {
		return nil, deviceError("acquire video", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		_ = t.Stop()
		return nil, ErrClosed
	}
	if m.video != nil {
		_ = m.video.Stop()
	}
	m.video = t
	log.Debugf("CALL [%s]: camera acquired (%s)", m.callID, t.ID())
	return t, nil
}

// Tracks returns the active tracks, audio first.
func (m *MediaManager) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Track
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

// State returns the local media state.
func (m *MediaManager) State() LocalMediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := LocalMediaState{
		MicEnabled:    m.audio != nil && m.micOn,
		CameraEnabled: m.video != nil,
	}
	if m.audio != nil {
		st.ActiveTracks++
	}
	if m.video != nil {
		st.ActiveTracks++
	}
	return st
}

// ToggleMicMute flips the microphone's enabled flag and returns the new muted
// state. The track stays attached, so no renegotiation happens.
func (m *MediaManager) ToggleMicMute() (muted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return false, ErrClosed
	}
	if m.audio == nil {
		return true, newError(KindDeviceUnavailable, "toggle mic", errors.New("no microphone"))
	}
	m.micOn = !m.micOn
	m.audio.SetEnabled(m.micOn)
	return !m.micOn, nil
}

// ToggleVideo turns the camera off (stop and detach) or on (fresh track,
// attached). Both directions renegotiate. A failed turn-on leaves video off
// and returns the error.
func (m *MediaManager) ToggleVideo(ctx context.Context) (off bool, err error) {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return true, ErrClosed
	}
	att := m.att
	if v := m.video; v != nil {
		m.video = nil
		m.mu.Unlock()
		var derr error
		if att != nil {
			derr = att.DetachTrack(ctx, v)
		}
		_ = v.Stop()
		log.Infof("CALL [%s]: camera off", m.callID)
		return true, derr
	}
	m.mu.Unlock()

	t, err := m.AcquireVideo(ctx)
	if err != nil {
		return true, err
	}
	if att != nil {
		if err := att.AttachTrack(ctx, t); err != nil {
			m.mu.Lock()
			if m.video == t {
				m.video = nil
			}
			m.mu.Unlock()
			_ = t.Stop()
			return true, err
		}
	}
	log.Infof("CALL [%s]: camera on", m.callID)
	return false, nil
}

// ReleaseAll stops every track. Idempotent.
func (m *MediaManager) ReleaseAll() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	tracks := []Track{m.audio, m.video}
	m.audio, m.video = nil, nil
	m.att = nil
	m.mu.Unlock()

	for _, t := range tracks {
		if t == nil {
			continue
		}
		if err := t.Stop(); err != nil {
			log.Debugf("CALL [%s]: stop %s: %v", m.callID, t.ID(), err)
		}
	}
}

func (m *MediaManager) isReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// MediaConfig selects and bounds capture devices.
type MediaConfig struct {
	PreferredCam string
	PreferredMic string
	MaxWidth     int
	MaxHeight    int
	VideoBitrate int // bits per second
}

// DefaultMediaConfig caps capture at 640x480 and VP8 at 1.5 Mbps.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{MaxWidth: 640, MaxHeight: 480, VideoBitrate: 1_500_000}
}
