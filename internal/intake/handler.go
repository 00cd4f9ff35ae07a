// Package intake is the local request-intake path: client writes are
// journalled and applied here, and the first write after recovery starts
// becomes the local recovery marker.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
)

// Intake errors.
var (
	ErrNotAccepting    = errors.New("participant is not accepting writes")
	ErrNotAParticipant = errors.New("write does not involve this participant")
	ErrMissingService  = errors.New("record has no service")
)

// Journal applies a record to its service and the log exactly once.
type Journal interface {
	Apply(ctx context.Context, rec dtx.LogRecord) (bool, error)
}

// WriteObserver is told about every accepted write.
type WriteObserver interface {
	ObserveWrite(desc dtx.TxDescriptor)
}

// Result describes an accepted write.
type Result struct {
	ID       dtx.TxID `json:"id"`
	Inserted bool     `json:"inserted"`
}

// Handler accepts client writes for this participant.
type Handler struct {
	reg      *registry.Registry
	log      dtmlog.Log
	journal  Journal
	observer WriteObserver
	logger   *slog.Logger
}

// NewHandler creates a handler. observer may be nil.
func NewHandler(reg *registry.Registry, l dtmlog.Log, journal Journal, observer WriteObserver) *Handler {
	return &Handler{
		reg:      reg,
		log:      l,
		journal:  journal,
		observer: observer,
		logger:   slog.Default().With("component", "intake", "node", reg.Self()),
	}
}

// Write journals and applies rec. Clients may not write to a TRANSIENT or
// FAILED participant. The observer sees the write after it is durable.
func (h *Handler) Write(ctx context.Context, rec dtx.LogRecord) (Result, error) {
	self := h.reg.Self()
	if state := h.reg.SelfState(); !state.Accepting() {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrNotAccepting, self, state)
	}
	if rec.Desc.ID.IsZero() {
		return Result{}, dtmlog.ErrInvalidTx
	}
	if !rec.Desc.Involves(self) {
		return Result{}, fmt.Errorf("%w: %s", ErrNotAParticipant, rec.Desc.ID)
	}
	if rec.Service == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingService, rec.Desc.ID)
	}

	// Client writes never carry persistence marks from elsewhere.
	rec.PersistentOn = nil
	inserted, err := h.journal.Apply(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", rec.Desc.ID, err)
	}
	if err := h.log.MarkPersistent(ctx, rec.Desc.ID, self); err != nil {
		return Result{}, fmt.Errorf("mark %s persistent: %w", rec.Desc.ID, err)
	}

	if h.observer != nil {
		h.observer.ObserveWrite(rec.Desc)
	}
	h.logger.Debug("write accepted", "tx", rec.Desc.ID, "service", rec.Service, "inserted", inserted)
	return Result{ID: rec.Desc.ID, Inserted: inserted}, nil
}
