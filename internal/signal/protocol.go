// Package signal carries call signaling envelopes between peers.
// Wire format: one JSON Envelope per message. The relay (or libp2p stream)
// only reads To/From; Payload is opaque to it.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("signal")

// Message type constants. Call control messages (call-*) are application
// level and media-* messages drive the transport negotiation. A
// media-renegotiate asks the caller for a fresh offer. The *-status messages
// are fast UI hints sent alongside the real track changes.
const (
	TypeInvite = "call-invite"
	TypeAccept = "call-accept"
	TypeReject = "call-reject"
	TypeEnd    = "call-end"

	TypeOffer       = "media-offer"
	TypeAnswer      = "media-answer"
	TypeCandidate   = "media-candidate"
	TypeRenegotiate = "media-renegotiate"

	TypeVideoStatus = "video-status"
	TypeMicStatus   = "mic-status"
)

// ErrUnavailable is returned by signalers that are not connected to their relay.
var ErrUnavailable = errors.New("signaling channel unavailable")

// Message is the payload of every envelope. Which fields are set depends on Type.
type Message struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	CallID string `json:"call_id"`

	// call-invite / call-accept / call-reject / call-end
	CallerID string `json:"caller_id,omitempty"`
	CalleeID string `json:"callee_id,omitempty"`
	CallType string `json:"call_type,omitempty"` // "audio" | "video"
	Reason   string `json:"reason,omitempty"`
	EndedBy  string `json:"ended_by,omitempty"`

	// media-offer / media-answer / media-candidate
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// video-status / mic-status
	Disabled *bool `json:"disabled,omitempty"`
	Muted    *bool `json:"muted,omitempty"`
}

// Envelope is what the relay forwards: addressed by user id, payload opaque.
type Envelope struct {
	To      string  `json:"to"`
	From    string  `json:"from"`
	Payload Message `json:"payload"`
}

// Validate checks that the fields required by the message type are present.
func (m *Message) Validate() error {
	if m.Type == "" {
		return errors.New("missing type")
	}
	if m.CallID == "" {
		return fmt.Errorf("%s: missing call_id", m.Type)
	}
	switch m.Type {
	case TypeInvite:
		if m.CallerID == "" || m.CalleeID == "" {
			return fmt.Errorf("%s: missing caller_id or callee_id", m.Type)
		}
		if m.CallType != "audio" && m.CallType != "video" {
			return fmt.Errorf("%s: invalid call_type %q", m.Type, m.CallType)
		}
	case TypeAccept, TypeReject, TypeEnd, TypeRenegotiate:
	case TypeOffer:
		if m.Offer == nil || m.Offer.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("%s: missing offer", m.Type)
		}
	case TypeAnswer:
		if m.Answer == nil || m.Answer.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("%s: missing answer", m.Type)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s: missing candidate", m.Type)
		}
	case TypeVideoStatus:
		if m.Disabled == nil {
			return fmt.Errorf("%s: missing disabled", m.Type)
		}
	case TypeMicStatus:
		if m.Muted == nil {
			return fmt.Errorf("%s: missing muted", m.Type)
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode marshals an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode unmarshals and validates an envelope read from the wire.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.From == "" {
		return nil, errors.New("decode envelope: missing from")
	}
	if err := env.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// Bool returns a pointer to b, for the status message fields.
func Bool(b bool) *bool { return &b }
