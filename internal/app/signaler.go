package app

import (
	"context"
	"fmt"
	"io"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/p2p"
	"github.com/petervdpas/callcore/internal/signal"
	"github.com/petervdpas/callcore/internal/util"
)

// signaler is what the app owns: a call.Signaler it must close.
type signaler interface {
	call.Signaler
	io.Closer
	ID() string
}

// transport is the signaling setup for one configured mode.
type transport struct {
	sig  signaler
	node *p2p.Node        // p2p mode only
	hub  *signal.LocalHub // local mode only
}

func (t *transport) Close() {
	_ = t.sig.Close()
	if t.node != nil {
		_ = t.node.Close()
	}
}

// openSignaling connects the signaler the config asks for. In p2p mode the
// user id is the libp2p peer id; every other mode uses cfg.Identity.UserID.
func openSignaling(ctx context.Context, peerDir string, cfg config.Config) (*transport, error) {
	sc := cfg.Signaling
	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()

	switch sc.Mode {
	case config.ModeWS:
		c, err := signal.DialWS(dialCtx, sc.RelayURL, cfg.Identity.UserID)
		if err != nil {
			return nil, err
		}
		return &transport{sig: c}, nil

	case config.ModeSSE:
		c, err := signal.DialSSE(dialCtx, sc.RelayURL, cfg.Identity.UserID)
		if err != nil {
			return nil, err
		}
		return &transport{sig: c}, nil

	case config.ModeP2P:
		keyFile := ""
		if cfg.Identity.KeyFile != "" {
			keyFile = util.ResolvePath(peerDir, cfg.Identity.KeyFile)
		}
		node, err := p2p.New(dialCtx, p2p.Options{
			ListenPort: sc.ListenPort,
			KeyFile:    keyFile,
			MDNS:       sc.MDNS,
			Peers:      sc.Peers,
		})
		if err != nil {
			return nil, fmt.Errorf("start p2p node: %w", err)
		}
		return &transport{sig: signal.NewStream(node.Host), node: node}, nil

	case config.ModeLocal:
		hub := signal.NewLocalHub()
		return &transport{sig: hub.Join(cfg.Identity.UserID), hub: hub}, nil
	}
	return nil, fmt.Errorf("unknown signaling mode %q", sc.Mode)
}
