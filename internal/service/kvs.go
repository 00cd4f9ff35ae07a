package service

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// KVSName is the service name of the key-value store.
const KVSName = "kvs"

// KVS operations.
const (
	KVSPut = "PUT"
	KVSDel = "DEL"
)

// KVSOp is one key-value update.
type KVSOp struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

func (o KVSOp) validate() error {
	if o.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidPayload)
	}
	switch o.Op {
	case KVSPut, KVSDel:
		return nil
	}
	return fmt.Errorf("%w: unknown op %q", ErrInvalidPayload, o.Op)
}

// PutOp encodes a PUT.
func PutOp(key string, value []byte) []byte {
	data, _ := json.Marshal(KVSOp{Op: KVSPut, Key: key, Value: value})
	return data
}

// DelOp encodes a DEL.
func DelOp(key string) []byte {
	data, _ := json.Marshal(KVSOp{Op: KVSDel, Key: key})
	return data
}

// KVS is an in-memory key-value store.
type KVS struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Transmuter = (*KVS)(nil)

// NewKVS creates an empty store.
func NewKVS() *KVS {
	return &KVS{data: make(map[string][]byte)}
}

// Name implements Transmuter.
func (s *KVS) Name() string { return KVSName }

func decodeKVSOp(payload []byte) (KVSOp, error) {
	var op KVSOp
	if err := json.Unmarshal(payload, &op); err != nil {
		return KVSOp{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := op.validate(); err != nil {
		return KVSOp{}, err
	}
	return op, nil
}

// Transmute implements Transmuter. The REDO body is the canonical
// encoding of the operation.
func (s *KVS) Transmute(rec dtx.LogRecord) ([]byte, error) {
	op, err := decodeKVSOp(rec.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(op)
}

// Apply implements Transmuter.
func (s *KVS) Apply(_ context.Context, rec dtx.LogRecord) error {
	op, err := decodeKVSOp(rec.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch op.Op {
	case KVSPut:
		s.data[op.Key] = append([]byte(nil), op.Value...)
	case KVSDel:
		delete(s.data, op.Key)
	}
	return nil
}

// Get returns the value stored under key.
func (s *KVS) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Snapshot returns a copy of the whole store.
func (s *KVS) Snapshot() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}
