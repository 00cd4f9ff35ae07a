package dtmlog

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// slot is one arena cell. desc and seq never change after append; the
// mutable part is guarded by mu.
type slot struct {
	seq  Cursor
	desc dtx.TxDescriptor

	mu         sync.Mutex
	service    string
	payload    []byte
	open       bool
	persistent []dtx.ParticipantID
	pruned     bool
}

func (s *slot) record() dtx.LogRecord {
	return dtx.LogRecord{
		Desc:         s.desc.Clone(),
		Service:      s.service,
		Payload:      slices.Clone(s.payload),
		Open:         s.open,
		PersistentOn: slices.Clone(s.persistent),
	}
}

// MemLog is an in-memory arena log. Iteration never takes a slot lock.
type MemLog struct {
	mu     sync.RWMutex
	slots  []*slot
	index  map[dtx.TxID]*slot
	pruned map[dtx.TxID]struct{}
	seq    Cursor
	closed bool
}

var _ Log = (*MemLog)(nil)

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{
		index:  make(map[dtx.TxID]*slot),
		pruned: make(map[dtx.TxID]struct{}),
	}
}

// Append implements Log.
func (l *MemLog) Append(ctx context.Context, rec dtx.LogRecord) (bool, error) {
	if rec.Desc.ID.IsZero() {
		return false, ErrInvalidTx
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrClosed
	}
	if _, ok := l.index[rec.Desc.ID]; ok {
		return false, nil
	}
	if _, ok := l.pruned[rec.Desc.ID]; ok {
		return false, nil
	}

	l.seq++
	c := rec.Clone()
	s := &slot{
		seq:        l.seq,
		desc:       c.Desc,
		service:    c.Service,
		payload:    c.Payload,
		persistent: c.PersistentOn,
	}
	s.open = !dtx.LogRecord{Desc: s.desc, PersistentOn: s.persistent}.FullyPersistent()
	l.slots = append(l.slots, s)
	l.index[rec.Desc.ID] = s
	return true, nil
}

func (l *MemLog) lookupSlot(id dtx.TxID) (*slot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}
	s, ok := l.index[id]
	if !ok {
		if _, ok := l.pruned[id]; ok {
			return nil, prunedError(id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Lookup implements Log.
func (l *MemLog) Lookup(ctx context.Context, id dtx.TxID) (dtx.LogRecord, error) {
	s, err := l.lookupSlot(id)
	if err != nil {
		return dtx.LogRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pruned {
		return dtx.LogRecord{}, prunedError(id)
	}
	return s.record(), nil
}

// Next implements Log.
func (l *MemLog) Next(ctx context.Context, after Cursor) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return Entry{}, ErrClosed
	}
	i := sort.Search(len(l.slots), func(i int) bool { return l.slots[i].seq > after })
	if i == len(l.slots) {
		return Entry{}, ErrEndOfLog
	}
	s := l.slots[i]
	return Entry{Cursor: s.seq, Desc: s.desc.Clone()}, nil
}

// LockForCopy implements Log. A slot held by another writer reports
// ErrStale instead of waiting.
func (l *MemLog) LockForCopy(ctx context.Context, id dtx.TxID, fn func(dtx.LogRecord) error) error {
	s, err := l.lookupSlot(id)
	if err != nil {
		return err
	}

	if !s.mu.TryLock() {
		return fmt.Errorf("%w: %s", ErrStale, id)
	}
	defer s.mu.Unlock()

	if s.pruned {
		return prunedError(id)
	}
	return fn(s.record())
}

// MarkPersistent implements Log.
func (l *MemLog) MarkPersistent(ctx context.Context, id dtx.TxID, p dtx.ParticipantID) error {
	s, err := l.lookupSlot(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pruned {
		return nil
	}
	if !slices.Contains(s.persistent, p) {
		s.persistent = append(s.persistent, p)
	}
	s.open = !dtx.LogRecord{Desc: s.desc, PersistentOn: s.persistent}.FullyPersistent()
	return nil
}

// Prune implements Log.
func (l *MemLog) Prune(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	kept := l.slots[:0]
	pruned := 0
	for _, s := range l.slots {
		s.mu.Lock()
		if !s.open {
			s.pruned = true
			s.payload = nil
			delete(l.index, s.desc.ID)
			l.pruned[s.desc.ID] = struct{}{}
			pruned++
		} else {
			kept = append(kept, s)
		}
		s.mu.Unlock()
	}
	clear(l.slots[len(kept):])
	l.slots = kept
	return pruned, nil
}

// Len returns the number of records currently stored.
func (l *MemLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slots)
}

// Close implements Log.
func (l *MemLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
