// Package dtmlog provides the DTM0 log access facade: idempotent append,
// point lookup, cursor iteration, and a short-lived exclusive lock for
// copying a record out while the pruner may be mutating it.
package dtmlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Log errors.
var (
	ErrNotFound  = errors.New("log record not found")
	ErrPruned    = errors.New("log record was pruned")
	ErrEndOfLog  = errors.New("end of log")
	ErrStale     = errors.New("log record is being mutated concurrently")
	ErrClosed    = errors.New("log is closed")
	ErrInvalidTx = errors.New("log record has no transaction id")
)

func prunedError(id dtx.TxID) error {
	return fmt.Errorf("%w: %w: %s", ErrNotFound, ErrPruned, id)
}

// Cursor is a position in local log order. Start precedes every record.
type Cursor uint64

// Start is the cursor before the first record.
const Start Cursor = 0

// Entry is an iteration result. Only the immutable descriptor is exposed;
// use LockForCopy for the rest of the record.
type Entry struct {
	Cursor Cursor
	Desc   dtx.TxDescriptor
}

// Log is the storage contract the recovery tasks depend on.
type Log interface {
	// Append stores rec unless a record with the same transaction id
	// exists or was pruned, in which case it returns false and changes
	// nothing.
	Append(ctx context.Context, rec dtx.LogRecord) (bool, error)

	// Lookup returns a copy of the record for id. A pruned id reports an
	// error matching both ErrNotFound and ErrPruned.
	Lookup(ctx context.Context, id dtx.TxID) (dtx.LogRecord, error)

	// Next returns the first entry after the cursor, or ErrEndOfLog.
	Next(ctx context.Context, after Cursor) (Entry, error)

	// LockForCopy calls fn with a copy of the record while holding its
	// exclusive lock. The lock is released when LockForCopy returns.
	LockForCopy(ctx context.Context, id dtx.TxID, fn func(dtx.LogRecord) error) error

	// MarkPersistent records that p holds id durably.
	MarkPersistent(ctx context.Context, id dtx.TxID, p dtx.ParticipantID) error

	// Prune removes records that are durable on every participant. Their
	// ids are remembered so a late duplicate is not journalled again.
	Prune(ctx context.Context) (int, error)

	Close() error
}

// Iterator walks a log lazily. A stopped iteration is resumed by calling
// IterateFrom with the last Cursor.
type Iterator struct {
	log    Log
	cursor Cursor
	entry  Entry
	err    error
	done   bool
}

// IterateFrom returns an iterator over the entries after cursor.
func IterateFrom(l Log, cursor Cursor) *Iterator {
	return &Iterator{log: l, cursor: cursor}
}

// Next advances to the next entry. It returns false at the end of the log
// or on error; check Err to tell the two apart.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	e, err := it.log.Next(ctx, it.cursor)
	if err != nil {
		it.done = true
		if !errors.Is(err, ErrEndOfLog) {
			it.err = err
		}
		return false
	}
	it.entry = e
	it.cursor = e.Cursor
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry {
	return it.entry
}

// Cursor returns the position of the current entry.
func (it *Iterator) Cursor() Cursor {
	return it.cursor
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
