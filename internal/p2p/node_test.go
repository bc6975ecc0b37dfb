package p2p

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/petervdpas/callcore/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, o Options) *Node {
	t.Helper()
	o.Loopback = true
	n, err := New(context.Background(), o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestIdentityKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.True(t, isNew)

	second, isNew, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.True(t, first.Equals(second))
}

func TestStaticPeerRecordedOnBothSides(t *testing.T) {
	a := newNode(t, Options{})
	require.NotEmpty(t, a.Addrs())

	b := newNode(t, Options{Peers: []string{a.Addrs()[0]}})

	sp, ok := b.Peers.Get(a.ID())
	require.True(t, ok)
	assert.Equal(t, state.SourceStatic, sp.Source)
	assert.True(t, sp.Reachable)

	require.Eventually(t, func() bool {
		sp, ok := a.Peers.Get(b.ID())
		return ok && sp.Source == state.SourceInbound && sp.Reachable
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		sp, ok := a.Peers.Get(b.ID())
		return ok && !sp.Reachable
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConnectRejectsBadAddr(t *testing.T) {
	n := newNode(t, Options{})
	assert.Error(t, n.Connect(context.Background(), "not-a-multiaddr"))
	assert.Error(t, n.Connect(context.Background(), "/ip4/127.0.0.1/tcp/1"))
	assert.Empty(t, n.Peers.List())
}
