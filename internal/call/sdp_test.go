package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sdpHead = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func mline(kind, port, dir string) string {
	s := "m=" + kind + " " + port + " UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\n"
	if dir != "" {
		s += "a=" + dir + "\r\n"
	}
	return s
}

func TestRemoteSending(t *testing.T) {
	cases := []struct {
		name         string
		sdp          string
		audio, video bool
	}{
		{"both send", sdpHead + mline("audio", "9", "sendrecv") + mline("video", "9", "sendrecv"), true, true},
		{"audio only", sdpHead + mline("audio", "9", "sendrecv") + mline("video", "9", "recvonly"), true, false},
		{"sendonly video", sdpHead + mline("audio", "9", "inactive") + mline("video", "9", "sendonly"), false, true},
		{"default direction", sdpHead + mline("audio", "9", "") + mline("video", "9", ""), true, true},
		{"session level", sdpHead + "a=recvonly\r\n" + mline("audio", "9", "") + mline("video", "9", "sendrecv"), false, true},
		{"rejected m-line", sdpHead + mline("audio", "9", "sendrecv") + mline("video", "0", "sendrecv"), true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			audio, video, err := remoteSending(tc.sdp)
			require.NoError(t, err)
			assert.Equal(t, tc.audio, audio, "audio")
			assert.Equal(t, tc.video, video, "video")
		})
	}
}

func TestRemoteSendingFakeTransportSDP(t *testing.T) {
	tr := newFakeTransport("x", 0)
	_, err := tr.AddTrack(videoTrack("cam"))
	require.NoError(t, err)
	offer, err := tr.CreateOffer()
	require.NoError(t, err)

	audio, video, err := remoteSending(offer.SDP)
	require.NoError(t, err)
	assert.False(t, audio)
	assert.True(t, video)
}

func TestRemoteSendingMalformed(t *testing.T) {
	_, _, err := remoteSending("not sdp")
	assert.Error(t, err)
}
