package proto

const (
	// MdnsTag is the mDNS service tag used to discover peers on the LAN.
	MdnsTag = "callcore-mdns"

	// libp2p stream protocol ID carrying call signaling envelopes
	SignalProtoID = "/callcore/signal/1.0.0"
)

const (
	// stream signaler transport acknowledgement
	TypeAck = "ack"
)

// Ack is written back on a signal stream once the envelope has been read.
type Ack struct {
	Type string `json:"type"` // "ack"
	ID   string `json:"id"`   // matches the envelope payload id
}
