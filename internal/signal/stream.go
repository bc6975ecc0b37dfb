package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/petervdpas/callcore/internal/proto"
)

const (
	// ackTimeout is how long Send waits for the remote to acknowledge an envelope.
	ackTimeout = 10 * time.Second

	// readTimeout bounds how long an inbound stream may take to deliver its envelope.
	readTimeout = 30 * time.Second
)

// Stream is a Signaler that talks directly to peers over libp2p. User ids are
// peer ids; each envelope travels on its own stream and is acknowledged
// before Send returns. The sender is authenticated by the libp2p connection,
// so an envelope whose From does not match the remote peer is dropped.
type Stream struct {
	host   host.Host
	selfID string
	fan    *fanout

	closeOnce sync.Once
	done      chan struct{}
}

// NewStream registers the signal stream handler on h.
func NewStream(h host.Host) *Stream {
	s := &Stream{
		host:   h,
		selfID: h.ID().String(),
		fan:    newFanout(),
		done:   make(chan struct{}),
	}
	h.SetStreamHandler(protocol.ID(proto.SignalProtoID), s.handleIncoming)
	log.Infof("SIGNAL: registered handler for %s", proto.SignalProtoID)
	return s
}

// ID returns the local peer id.
func (s *Stream) ID() string { return s.selfID }

// Connected reports true until Close; reachability is per peer and surfaces
// as a Send error.
func (s *Stream) Connected() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Send opens a stream to peer to, writes the envelope and waits for its ACK.
// Protocol support is left to stream negotiation: the peerstore's protocol
// list is an identify snapshot and may predate the remote handler.
func (s *Stream) Send(ctx context.Context, to string, msg Message) error {
	if !s.Connected() {
		return ErrUnavailable
	}
	pid, err := peer.Decode(to)
	if err != nil {
		return fmt.Errorf("send %s: invalid peer id %q: %w", msg.Type, to, err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := s.host.NewStream(dialCtx, pid, protocol.ID(proto.SignalProtoID))
	if err != nil {
		return fmt.Errorf("send %s to %s: %w: %v", msg.Type, short(to), ErrUnreachable, err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(&Envelope{To: to, From: s.selfID, Payload: msg}); err != nil {
		return fmt.Errorf("send %s: encode: %w", msg.Type, err)
	}

	var ack proto.Ack
	_ = stream.SetReadDeadline(time.Now().Add(ackTimeout))
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		return fmt.Errorf("send %s: waiting for ack from %s: %w", msg.Type, short(to), err)
	}
	if ack.Type != proto.TypeAck || ack.ID != msg.ID {
		return fmt.Errorf("send %s: ack mismatch (got %s, want %s)", msg.Type, ack.ID, msg.ID)
	}
	log.Debugf("SIGNAL: sent %s %s to %s", msg.Type, short(msg.ID), short(to))
	return nil
}

func (s *Stream) handleIncoming(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer().String()

	_ = stream.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := bufio.NewReader(stream).ReadBytes('\n')
	if err != nil {
		log.Warnf("SIGNAL: read error from %s: %v", short(remote), err)
		return
	}
	env, err := Decode(line)
	if err != nil {
		log.Warnf("SIGNAL: dropping malformed envelope from %s: %v", short(remote), err)
		return
	}
	if env.From != remote {
		log.Warnf("SIGNAL: sender mismatch (claims %s, is %s), dropping", short(env.From), short(remote))
		return
	}

	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(proto.Ack{Type: proto.TypeAck, ID: env.Payload.ID}); err != nil {
		log.Warnf("SIGNAL: ack write error to %s: %v", short(remote), err)
	}

	if !s.Connected() {
		return
	}
	s.fan.publish(env)
}

// Subscribe returns the inbound envelope stream.
func (s *Stream) Subscribe() (<-chan *Envelope, func()) {
	return s.fan.subscribe()
}

// Close removes the stream handler and closes every subscription. The host
// itself is owned by the caller.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.host.RemoveStreamHandler(protocol.ID(proto.SignalProtoID))
		s.fan.close()
	})
	return nil
}

// short trims ids for log lines.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
