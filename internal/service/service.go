// Package service holds the user services whose updates are journalled in
// the DTM0 log, and the mux that turns log records into REDO payloads and
// back.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Service errors.
var (
	ErrUnknownService = errors.New("unknown service")
	ErrInvalidPayload = errors.New("invalid service payload")
)

// Transmuter is implemented by every user service.
type Transmuter interface {
	// Name is the value of LogRecord.Service for records the service owns.
	Name() string

	// Transmute converts a log record into the body of a REDO payload.
	Transmute(rec dtx.LogRecord) ([]byte, error)

	// Apply makes rec durable in the service's own state. It is called once
	// per record, when the record is first appended to the log.
	Apply(ctx context.Context, rec dtx.LogRecord) error
}

// envelope is the REDO payload format. It names the service so the
// receiver can dispatch without out-of-band information.
type envelope struct {
	Service string `json:"service"`
	Body    []byte `json:"body"`
}

// Mux dispatches records to services by name.
type Mux struct {
	mu       sync.RWMutex
	services map[string]Transmuter
}

// NewMux creates a mux with the given services registered.
func NewMux(services ...Transmuter) *Mux {
	m := &Mux{services: make(map[string]Transmuter)}
	for _, s := range services {
		m.Register(s)
	}
	return m
}

// Register adds or replaces a service.
func (m *Mux) Register(s Transmuter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.Name()] = s
}

// Names returns the registered service names, sorted.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.services))
	for n := range m.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) lookup(name string) (Transmuter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return s, nil
}

// Transmute produces the REDO payload for rec.
func (m *Mux) Transmute(rec dtx.LogRecord) ([]byte, error) {
	s, err := m.lookup(rec.Service)
	if err != nil {
		return nil, err
	}
	body, err := s.Transmute(rec)
	if err != nil {
		return nil, fmt.Errorf("transmute %s with %s: %w", rec.Desc.ID, rec.Service, err)
	}
	data, err := json.Marshal(envelope{Service: rec.Service, Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode splits a REDO payload into the service name and the record body.
func (m *Mux) Decode(payload []byte) (string, []byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if _, err := m.lookup(env.Service); err != nil {
		return "", nil, err
	}
	return env.Service, env.Body, nil
}

// Apply hands rec to the owning service.
func (m *Mux) Apply(ctx context.Context, rec dtx.LogRecord) error {
	s, err := m.lookup(rec.Service)
	if err != nil {
		return err
	}
	if err := s.Apply(ctx, rec); err != nil {
		return fmt.Errorf("apply %s with %s: %w", rec.Desc.ID, rec.Service, err)
	}
	return nil
}
