// Package ha models the high-availability view of the cluster: participant
// states, the events that move them, and the feeds that deliver those
// events to the recovery scheduler.
package ha

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocolViolation is wrapped by every rejected state transition.
var ErrProtocolViolation = errors.New("HA protocol violation")

// State of a participant as seen by HA.
type State int

const (
	// StateTransient is the initial state and the state of a participant
	// that is temporarily unreachable.
	StateTransient State = iota
	// StateRecovering means the participant is restoring its log.
	StateRecovering
	// StateOnline means the participant serves requests.
	StateOnline
	// StateFailed is terminal.
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateTransient:
		return "TRANSIENT"
	case StateRecovering:
		return "RECOVERING"
	case StateOnline:
		return "ONLINE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < StateTransient || s > StateFailed {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState parses a state name, case-insensitively.
func ParseState(name string) (State, error) {
	for s := StateTransient; s <= StateFailed; s++ {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Accepting reports whether a participant in this state takes part in
// replay, either as a source or as a target.
func (s State) Accepting() bool {
	return s == StateOnline || s == StateRecovering
}

// EventKind is a process event reported by HA.
type EventKind int

const (
	// ProcessStarting moves a TRANSIENT participant to RECOVERING.
	ProcessStarting EventKind = iota + 1
	// ProcessStarted moves a RECOVERING participant to ONLINE.
	ProcessStarted
	// ProcessTransientFailed moves a participant to TRANSIENT.
	ProcessTransientFailed
	// ProcessFailed moves a participant to FAILED permanently.
	ProcessFailed
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case ProcessStarting:
		return "PROCESS_STARTING"
	case ProcessStarted:
		return "PROCESS_STARTED"
	case ProcessTransientFailed:
		return "PROCESS_T_FAILED"
	case ProcessFailed:
		return "PROCESS_FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	if k < ProcessStarting || k > ProcessFailed {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	v, err := ParseEventKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseEventKind parses an event kind name. The short forms "starting",
// "started", "transient" and "failed" are accepted for the CLI.
func ParseEventKind(name string) (EventKind, error) {
	switch strings.ToLower(name) {
	case "process_starting", "starting":
		return ProcessStarting, nil
	case "process_started", "started":
		return ProcessStarted, nil
	case "process_t_failed", "transient", "t_failed":
		return ProcessTransientFailed, nil
	case "process_failed", "failed":
		return ProcessFailed, nil
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Next returns the state reached from "from" on event kind.
//
//	TRANSIENT  --STARTING-->  RECOVERING
//	RECOVERING --STARTED-->   ONLINE
//	ONLINE     --T_FAILED-->  TRANSIENT
//	RECOVERING --T_FAILED-->  TRANSIENT
//	any non-FAILED --FAILED--> FAILED
func Next(from State, kind EventKind) (State, error) {
	switch {
	case from == StateTransient && kind == ProcessStarting:
		return StateRecovering, nil
	case from == StateRecovering && kind == ProcessStarted:
		return StateOnline, nil
	case from.Accepting() && kind == ProcessTransientFailed:
		return StateTransient, nil
	case from != StateFailed && kind == ProcessFailed:
		return StateFailed, nil
	}
	return from, fmt.Errorf("%w: %s in state %s", ErrProtocolViolation, kind, from)
}

// Fold applies kinds in order starting from TRANSIENT and stops at the
// first violation.
func Fold(kinds ...EventKind) (State, error) {
	s := StateTransient
	for _, k := range kinds {
		next, err := Next(s, k)
		if err != nil {
			return s, err
		}
		s = next
	}
	return s, nil
}
