package dtx

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidMessage is returned when a decoded message carries neither a
// REDO, an ack, nor a close marker.
var ErrInvalidMessage = errors.New("invalid message")

// StreamID names the replay stream a link carries.
type StreamID string

// RecoveryStream carries remote-recovery REDOs toward a RECOVERING target.
const RecoveryStream StreamID = "recovery"

const evictionPrefix = "evict-"

// EvictionStream returns the stream used to replay records of the failed
// participant f.
func EvictionStream(f ParticipantID) StreamID {
	return StreamID(evictionPrefix + string(f))
}

// Evicted returns the failed participant an eviction stream belongs to.
func (s StreamID) Evicted() (ParticipantID, bool) {
	if !strings.HasPrefix(string(s), evictionPrefix) {
		return "", false
	}
	return ParticipantID(strings.TrimPrefix(string(s), evictionPrefix)), true
}

// RedoMessage replays one transaction. IsLast marks the end of the
// sender's journal for the link and carries no descriptor.
type RedoMessage struct {
	Desc    TxDescriptor `json:"desc"`
	Payload []byte       `json:"payload,omitempty"`
	IsLast  bool         `json:"isLast,omitempty"`
}

// PersistentAck confirms durable application of REDOs. EndOfLog
// acknowledges an IsLast REDO.
type PersistentAck struct {
	TxIDs    []TxID `json:"txIds,omitempty"`
	EndOfLog bool   `json:"endOfLog,omitempty"`
}

// Covers reports whether the ack confirms id.
func (a PersistentAck) Covers(id TxID) bool {
	return slices.Contains(a.TxIDs, id)
}

// Message is the envelope exchanged over a link.
type Message struct {
	From   ParticipantID  `json:"from"`
	Stream StreamID       `json:"stream"`
	Redo   *RedoMessage   `json:"redo,omitempty"`
	Ack    *PersistentAck `json:"ack,omitempty"`

	// Bye tells the receiving end that the sender closed the link.
	Bye bool `json:"bye,omitempty"`
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	if m.Redo == nil && m.Ack == nil && !m.Bye {
		return Message{}, ErrInvalidMessage
	}
	if m.From == "" {
		return Message{}, fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	return m, nil
}
