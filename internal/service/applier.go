package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Applier journals records and applies them to their service exactly once.
// Client writes and replayed REDOs both go through it.
type Applier struct {
	log dtmlog.Log
	mux *Mux

	// mu serializes the lookup/apply/append sequence so that the same
	// transaction arriving on two paths at once is applied once.
	mu sync.Mutex
}

// NewApplier creates an applier over l and mux.
func NewApplier(l dtmlog.Log, mux *Mux) *Applier {
	return &Applier{log: l, mux: mux}
}

// Mux returns the service mux.
func (a *Applier) Mux() *Mux {
	return a.mux
}

// Apply applies rec to its service and appends it to the log unless the
// log holds the transaction or has pruned it. It reports whether rec was
// new.
//
// The service is applied before the append, so a failure between the two
// leads to the operation being applied again on retry. Service operations
// must tolerate re-application.
func (a *Applier) Apply(ctx context.Context, rec dtx.LogRecord) (bool, error) {
	if rec.Desc.ID.IsZero() {
		return false, dtmlog.ErrInvalidTx
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.log.Lookup(ctx, rec.Desc.ID)
	if err == nil || errors.Is(err, dtmlog.ErrPruned) {
		// Already journalled, or journalled and since pruned.
		return false, nil
	}
	if !errors.Is(err, dtmlog.ErrNotFound) {
		return false, fmt.Errorf("lookup %s: %w", rec.Desc.ID, err)
	}

	if err := a.mux.Apply(ctx, rec); err != nil {
		return false, err
	}
	inserted, err := a.log.Append(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("append %s: %w", rec.Desc.ID, err)
	}
	return inserted, nil
}
