package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// BlobName is the service name of the object store.
const BlobName = "blob"

// maxBlobSize bounds a single object.
const maxBlobSize = 64 << 20

// BlobWrite writes Data into Object at Offset, growing the object as needed.
type BlobWrite struct {
	Object string `json:"object"`
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

func (w BlobWrite) validate() error {
	if w.Object == "" {
		return fmt.Errorf("%w: empty object name", ErrInvalidPayload)
	}
	if w.Offset < 0 || w.Offset+int64(len(w.Data)) > maxBlobSize {
		return fmt.Errorf("%w: write [%d, %d) out of range", ErrInvalidPayload, w.Offset, w.Offset+int64(len(w.Data)))
	}
	return nil
}

// WriteOp encodes a blob write.
func WriteOp(object string, offset int64, data []byte) []byte {
	b, _ := json.Marshal(BlobWrite{Object: object, Offset: offset, Data: data})
	return b
}

// Blob is an in-memory object store.
type Blob struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Transmuter = (*Blob)(nil)

// NewBlob creates an empty store.
func NewBlob() *Blob {
	return &Blob{objects: make(map[string][]byte)}
}

// Name implements Transmuter.
func (b *Blob) Name() string { return BlobName }

func decodeBlobWrite(payload []byte) (BlobWrite, error) {
	var w BlobWrite
	if err := json.Unmarshal(payload, &w); err != nil {
		return BlobWrite{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := w.validate(); err != nil {
		return BlobWrite{}, err
	}
	return w, nil
}

// Transmute implements Transmuter.
func (b *Blob) Transmute(rec dtx.LogRecord) ([]byte, error) {
	w, err := decodeBlobWrite(rec.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Apply implements Transmuter.
func (b *Blob) Apply(_ context.Context, rec dtx.LogRecord) error {
	w, err := decodeBlobWrite(rec.Payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	obj := b.objects[w.Object]
	end := int(w.Offset) + len(w.Data)
	if end > len(obj) {
		grown := make([]byte, end)
		copy(grown, obj)
		obj = grown
	}
	copy(obj[w.Offset:], w.Data)
	b.objects[w.Object] = obj
	return nil
}

// Read returns a copy of the object.
func (b *Blob) Read(object string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[object]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj...), true
}
