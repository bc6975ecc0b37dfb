//go:build !linux

package call

import (
	"context"
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"
)

// NewPlatformMedia returns a device that cannot capture and a receive-capable
// pion transport factory. Capture through pion/mediadevices needs the Linux
// drivers (V4L2 + malgo).
func NewPlatformMedia(_ MediaConfig, ice ICEConfig) (Device, TransportFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	api, err := newAPI(mediaEngine, ice)
	if err != nil {
		return nil, nil, err
	}
	log.Infof("CALL: no local capture on %s, calls fail with %s", runtime.GOOS, KindDeviceUnavailable)
	return noDevice{}, PionTransportFactory(api, ice), nil
}

type noDevice struct{}

func (noDevice) OpenAudio(context.Context) (Track, error) {
	return nil, fmt.Errorf("%w: no microphone driver on %s", ErrDeviceUnavailable, runtime.GOOS)
}

func (noDevice) OpenVideo(context.Context) (Track, error) {
	return nil, fmt.Errorf("%w: no camera driver on %s", ErrDeviceUnavailable, runtime.GOOS)
}
