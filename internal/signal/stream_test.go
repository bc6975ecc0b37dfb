package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// linkedStreams connects the hosts before either registers its handler, so
// each peerstore holds a protocol list without the signal protocol.
func linkedStreams(t *testing.T) (a, b *Stream, ha, hb host.Host) {
	t.Helper()
	ha, hb = newLoopbackHost(t), newLoopbackHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ha.Connect(ctx, peer.AddrInfo{ID: hb.ID(), Addrs: hb.Addrs()}))

	a, b = NewStream(ha), NewStream(hb)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, ha, hb
}

func TestStreamSendIsAcknowledged(t *testing.T) {
	a, b, ha, hb := linkedStreams(t)
	assert.Equal(t, ha.ID().String(), a.ID())

	ch, cancel := b.Subscribe()
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, a.Send(ctx, hb.ID().String(), Message{Type: TypeEnd, CallID: "c1"}))

	env := recv(t, ch)
	assert.Equal(t, ha.ID().String(), env.From)
	assert.Equal(t, hb.ID().String(), env.To)
	assert.NotEmpty(t, env.Payload.ID)
}

func TestStreamDropsForgedSender(t *testing.T) {
	_, b, ha, hb := linkedStreams(t)
	ch, cancel := b.Subscribe()
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	s, err := ha.NewStream(ctx, hb.ID(), protocol.ID(proto.SignalProtoID))
	require.NoError(t, err)
	defer s.Close()

	forged := Envelope{To: hb.ID().String(), From: "mallory", Payload: Message{Type: TypeEnd, CallID: "c1", ID: "x"}}
	require.NoError(t, json.NewEncoder(s).Encode(&forged))

	// no ack comes back
	_ = s.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack proto.Ack
	assert.Error(t, json.NewDecoder(s).Decode(&ack))

	select {
	case env := <-ch:
		t.Fatalf("forged envelope delivered: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStreamSendErrors(t *testing.T) {
	a, _, _, _ := linkedStreams(t)
	ctx := context.Background()

	err := a.Send(ctx, "not-a-peer-id", endMsg("c"))
	assert.Error(t, err)

	require.NoError(t, a.Close())
	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Send(ctx, "whatever", endMsg("c")), ErrUnavailable)
}

func TestStreamUnknownPeerUnreachable(t *testing.T) {
	a, _, _, _ := linkedStreams(t)
	stranger := newLoopbackHost(t)
	stranger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := a.Send(ctx, stranger.ID().String(), endMsg("c"))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestStreamSendAfterLateHandler(t *testing.T) {
	ha, hb := newLoopbackHost(t), newLoopbackHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ha.Connect(ctx, peer.AddrInfo{ID: hb.ID(), Addrs: hb.Addrs()}))
	a := NewStream(ha)
	defer a.Close()

	// identify has run and recorded hb without the signal protocol
	require.Eventually(t, func() bool {
		protos, err := ha.Peerstore().GetProtocols(hb.ID())
		return err == nil && len(protos) > 0
	}, 5*time.Second, 10*time.Millisecond)

	err := a.Send(ctx, hb.ID().String(), endMsg("c1"))
	assert.ErrorIs(t, err, ErrUnreachable, "no handler yet")

	b := NewStream(hb)
	defer b.Close()
	ch, stop := b.Subscribe()
	defer stop()

	require.NoError(t, a.Send(ctx, hb.ID().String(), endMsg("c1")))
	env := recv(t, ch)
	assert.Equal(t, ha.ID().String(), env.From)
}
