package app

import (
	"context"
	"time"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/signal"
)

// EchoID is the user id of the answering peer in local mode.
const EchoID = "echo"

// startEcho joins a peer to hub that answers every call with synthetic media,
// so a single local process has someone to call.
func startEcho(hub *signal.LocalHub, newTransport call.TransportFactory, opts call.Options) (stop func()) {
	local := hub.Join(EchoID)
	opts.Signaler = local
	opts.SelfID = EchoID
	opts.Device = call.SyntheticDevice{}
	opts.NewTransport = newTransport

	m := call.New(opts)
	m.OnIncoming(func(ic call.IncomingCall) {
		// the dispatch goroutine must not block on media setup
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := m.AcceptIncoming(ctx, ic); err != nil {
				log.Warnf("ECHO: accept %s from %s: %v", ic.CallID, ic.From, err)
				return
			}
			log.Infof("ECHO: answered %s from %s", ic.CallID, ic.From)
		}()
	})
	log.Infof("ECHO: call %q to reach the echo peer", EchoID)

	return func() {
		m.Close()
		_ = local.Close()
	}
}
