package provider

import "github.com/vmihailenco/msgpack/v5"

// MessageType tags the sync protocol frames. The relay never looks at them.
type MessageType uint8

const (
	// MsgSyncStep1 carries a state vector. Broadcast step1 asks every peer for a diff and
	// for their own vector; addressed step1 only asks for a diff.
	MsgSyncStep1 MessageType = iota
	// MsgSyncStep2 carries a diff answering a step1. A large diff arrives as addressed
	// MsgUpdate frames followed by a final MsgSyncStep2.
	MsgSyncStep2
	// MsgUpdate carries one locally committed transaction, or part of one.
	MsgUpdate
	// MsgAwareness carries presence states.
	MsgAwareness
	// MsgQueryAwareness asks peers to send their presence.
	MsgQueryAwareness
)

// Envelope is the client-side framing inside each relay message. To is empty for
// messages meant for the whole room.
type Envelope struct {
	Type MessageType `msgpack:"t"`
	From string      `msgpack:"f"`
	To   string      `msgpack:"to,omitempty"`
	Body []byte      `msgpack:"b,omitempty"`
}

func encodeEnvelope(e Envelope) ([]byte, error) {
	return msgpack.Marshal(&e)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
