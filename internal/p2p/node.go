package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/state"
	"github.com/petervdpas/callcore/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Node is the libp2p host used by the stream signaler. Its peer id is the
// local user id in p2p signaling mode.
type Node struct {
	Host  host.Host
	Peers *state.PeerTable
	mdns  mdns.Service

	startTime time.Time
	done      chan struct{}
}

// Discovered peers that stay silent this long go offline, and are dropped
// after the same again.
const (
	peerTTL       = 2 * time.Minute
	pruneInterval = 30 * time.Second
)

type mdnsNotifee struct {
	h     host.Host
	peers *state.PeerTable
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("P2P: mdns dial %s: %v", pi.ID, err)
		return
	}
	log.Debugf("P2P: mdns connected to %s", pi.ID)
	n.peers.Upsert(pi.ID.String(), state.SourceMDNS, addrStrings(pi))
}

func addrStrings(pi peer.AddrInfo) []string {
	out := make([]string, 0, len(pi.Addrs))
	for _, a := range pi.Addrs {
		out = append(out, a.String())
	}
	return out
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("P2P: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// Options configures New.
type Options struct {
	ListenPort int      // 0 picks a free port
	KeyFile    string   // persistent identity; empty uses an ephemeral key
	Loopback   bool     // listen on 127.0.0.1 only
	MDNS       bool     // LAN discovery
	Peers      []string // full /p2p multiaddrs dialled at startup
}

// New starts a libp2p host.
func New(ctx context.Context, o Options) (*Node, error) {
	var opts []libp2p.Option

	if o.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(o.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("P2P: generated new identity key: %s", o.KeyFile)
		} else {
			log.Infof("P2P: loaded identity key: %s", o.KeyFile)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	ip := "0.0.0.0"
	if o.Loopback {
		ip = "127.0.0.1"
	}
	opts = append(opts, libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", ip, o.ListenPort)))

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	n := &Node{Host: h, Peers: state.NewPeerTable(), startTime: time.Now(), done: make(chan struct{})}
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.Peers.Upsert(c.RemotePeer().String(), state.SourceInbound, []string{c.RemoteMultiaddr().String()})
		},
		DisconnectedF: func(nw network.Network, c network.Conn) {
			if nw.Connectedness(c.RemotePeer()) != network.Connected {
				n.Peers.MarkOffline(c.RemotePeer().String())
			}
		},
	})
	go n.pruneLoop()

	if o.MDNS {
		md := mdns.NewMdnsService(h, proto.MdnsTag, &mdnsNotifee{h: h, peers: n.Peers})
		if err := md.Start(); err != nil {
			_ = n.Close()
			return nil, err
		}
		n.mdns = md
	}

	for _, addr := range o.Peers {
		if err := n.Connect(ctx, addr); err != nil {
			log.Warnf("P2P: static peer %s: %v", addr, err)
		}
	}

	log.Infof("P2P: host %s listening on %v", h.ID(), n.Addrs())
	return n, nil
}

// Connect dials a full multiaddr that ends in /p2p/<peer id>.
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("peer info: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(cctx, *pi); err != nil {
		return err
	}
	n.Peers.Upsert(pi.ID.String(), state.SourceStatic, addrStrings(*pi))
	return nil
}

// pruneLoop ages out peers that are no longer connected.
func (n *Node) pruneLoop() {
	t := time.NewTicker(pruneInterval)
	defer t.Stop()
	for {
		select {
		case <-n.done:
			return
		case now := <-t.C:
			for _, sp := range n.Peers.List() {
				if pid, err := peer.Decode(sp.ID); err == nil && n.Host.Network().Connectedness(pid) == network.Connected {
					n.Peers.Touch(sp.ID)
				}
			}
			n.Peers.PruneStale(now.Add(-peerTTL), now.Add(-peerTTL))
		}
	}
}

// Addrs returns the host's full multiaddrs, skipping link-local ones.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
			continue
		}
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.Host.ID()))
	}
	return out
}

// ID returns the host's peer id.
func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Uptime reports how long the host has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

func (n *Node) Close() error {
	select {
	case <-n.done:
	default:
		close(n.done)
	}
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
