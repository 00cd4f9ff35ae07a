// Package dtx defines the transaction descriptors, log records and replay
// messages shared by the DTM0 recovery components.
package dtx

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidTxID is returned when a transaction id cannot be parsed.
var ErrInvalidTxID = errors.New("invalid transaction id")

// ParticipantID identifies a cluster member with persistent state.
type ParticipantID string

// ValidateToken checks that id can be used as a single NATS subject token.
func (id ParticipantID) ValidateToken() error {
	if id == "" {
		return fmt.Errorf("participant id is empty")
	}
	if strings.ContainsAny(string(id), ".*> \t\r\n") {
		return fmt.Errorf("participant id %q contains '.', '*', '>' or whitespace", id)
	}
	return nil
}

// TxID identifies a transaction. Seq is assigned monotonically by the
// originating participant; it is an ordering marker, not a timestamp.
type TxID struct {
	Originator ParticipantID `json:"originator"`
	Seq        uint64        `json:"seq"`
}

// IsZero reports whether the id is the zero value.
func (id TxID) IsZero() bool {
	return id.Originator == "" && id.Seq == 0
}

// String returns "originator/seq".
func (id TxID) String() string {
	return string(id.Originator) + "/" + strconv.FormatUint(id.Seq, 10)
}

// ParseTxID parses the output of TxID.String.
func ParseTxID(s string) (TxID, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return TxID{}, fmt.Errorf("%w: %q", ErrInvalidTxID, s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return TxID{}, fmt.Errorf("%w: %q: %v", ErrInvalidTxID, s, err)
	}
	return TxID{Originator: ParticipantID(s[:i]), Seq: seq}, nil
}

// TxDescriptor is a transaction id plus the participants it touched.
type TxDescriptor struct {
	ID           TxID            `json:"id"`
	Participants []ParticipantID `json:"participants"`
}

// Involves reports whether p is one of the transaction's participants.
func (d TxDescriptor) Involves(p ParticipantID) bool {
	return slices.Contains(d.Participants, p)
}

// Equal reports whether both descriptors name the same transaction.
func (d TxDescriptor) Equal(o TxDescriptor) bool {
	return d.ID == o.ID
}

// Clone returns a copy that shares no memory with d.
func (d TxDescriptor) Clone() TxDescriptor {
	return TxDescriptor{ID: d.ID, Participants: slices.Clone(d.Participants)}
}

// LogRecord is one entry of the DTM0 log.
type LogRecord struct {
	Desc    TxDescriptor `json:"desc"`
	Service string       `json:"service"`
	Payload []byte       `json:"payload"`

	// Open is true while the record may still be mutated by persistence
	// bookkeeping. A closed record is durable on every participant and
	// may be pruned.
	Open bool `json:"open"`

	// PersistentOn lists the participants known to hold the record durably.
	PersistentOn []ParticipantID `json:"persistentOn,omitempty"`
}

// Clone returns a deep copy of the record.
func (r LogRecord) Clone() LogRecord {
	return LogRecord{
		Desc:         r.Desc.Clone(),
		Service:      r.Service,
		Payload:      slices.Clone(r.Payload),
		Open:         r.Open,
		PersistentOn: slices.Clone(r.PersistentOn),
	}
}

// PersistentFor reports whether p is known to hold the record durably.
func (r LogRecord) PersistentFor(p ParticipantID) bool {
	return slices.Contains(r.PersistentOn, p)
}

// FullyPersistent reports whether every participant holds the record.
func (r LogRecord) FullyPersistent() bool {
	for _, p := range r.Desc.Participants {
		if !r.PersistentFor(p) {
			return false
		}
	}
	return true
}
