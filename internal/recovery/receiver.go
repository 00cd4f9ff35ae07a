package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

// Decoder splits a REDO payload into service name and record body.
type Decoder interface {
	Decode(payload []byte) (service string, body []byte, err error)
}

// Journal applies a record to its service and the log exactly once.
type Journal interface {
	Apply(ctx context.Context, rec dtx.LogRecord) (bool, error)
}

// errNotExpecting closes a link whose stream this node cannot take yet.
var errNotExpecting = errors.New("not expecting REDOs on this stream")

// RedoObserver is told about every REDO after it has been persisted.
type RedoObserver interface {
	// Expecting reports whether REDOs on stream can be taken now. A REDO
	// arriving while it is false is neither persisted nor acknowledged.
	Expecting(stream dtx.StreamID) bool
	ObserveRedo(from dtx.ParticipantID, stream dtx.StreamID, redo dtx.RedoMessage)
}

// Receiver serves inbound replay links: it persists each REDO, reports it
// to the observer and acknowledges it. A REDO that cannot be persisted, or
// that the observer is not expecting, is never acknowledged; the link is
// closed and the sender retries.
type Receiver struct {
	self     dtx.ParticipantID
	log      dtmlog.Log
	tr       transport.Transport
	decoder  Decoder
	journal  Journal
	observer RedoObserver
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewReceiver creates a receiver. observer may be nil.
func NewReceiver(self dtx.ParticipantID, l dtmlog.Log, tr transport.Transport,
	decoder Decoder, journal Journal, observer RedoObserver) *Receiver {
	return &Receiver{
		self:     self,
		log:      l,
		tr:       tr,
		decoder:  decoder,
		journal:  journal,
		observer: observer,
		logger:   slog.Default().With("component", "receiver", "node", self),
	}
}

// Run accepts links until ctx is cancelled or the transport closes, then
// waits for the link handlers to return.
func (r *Receiver) Run(ctx context.Context) error {
	defer r.wg.Wait()
	for {
		link, err := r.tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			return fmt.Errorf("accept link: %w", err)
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer link.Close()
			err := r.serve(ctx, link)
			switch {
			case err == nil || ctx.Err() != nil:
			case errors.Is(err, errNotExpecting):
				r.logger.Debug("refused replay link", "peer", link.Peer(), "stream", link.Stream())
			default:
				r.logger.Warn("replay link closed", "peer", link.Peer(), "stream", link.Stream(), "error", err)
			}
		}()
	}
}

func (r *Receiver) serve(ctx context.Context, link transport.Link) error {
	logger := r.logger.With("peer", link.Peer(), "stream", link.Stream())
	logger.Debug("replay link accepted")

	for {
		msg, err := link.Recv(ctx)
		if errors.Is(err, transport.ErrLinkClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.Redo == nil {
			continue
		}
		redo := *msg.Redo
		if r.observer != nil && !r.observer.Expecting(link.Stream()) {
			return errNotExpecting
		}

		if redo.IsLast {
			r.observe(link, redo)
			if err := link.Send(ctx, dtx.Message{Ack: &dtx.PersistentAck{EndOfLog: true}}); err != nil {
				return fmt.Errorf("ack end of log: %w", err)
			}
			continue
		}

		if err := r.persist(ctx, link.Peer(), redo); err != nil {
			return err
		}
		r.observe(link, redo)
		ack := dtx.PersistentAck{TxIDs: []dtx.TxID{redo.Desc.ID}}
		if err := link.Send(ctx, dtx.Message{Ack: &ack}); err != nil {
			return fmt.Errorf("ack %s: %w", redo.Desc.ID, err)
		}
	}
}

func (r *Receiver) persist(ctx context.Context, from dtx.ParticipantID, redo dtx.RedoMessage) error {
	service, body, err := r.decoder.Decode(redo.Payload)
	if err != nil {
		return fmt.Errorf("decode REDO %s: %w", redo.Desc.ID, err)
	}

	rec := dtx.LogRecord{Desc: redo.Desc.Clone(), Service: service, Payload: body}
	inserted, err := r.journal.Apply(ctx, rec)
	if err != nil {
		return fmt.Errorf("apply REDO %s: %w", redo.Desc.ID, err)
	}
	if inserted {
		redoAppliedMetric.Inc()
	} else {
		redoDuplicateMetric.Inc()
	}

	// Both ends now hold the record.
	for _, p := range []dtx.ParticipantID{r.self, from} {
		if !rec.Desc.Involves(p) {
			continue
		}
		if err := r.log.MarkPersistent(ctx, rec.Desc.ID, p); err != nil && !errors.Is(err, dtmlog.ErrNotFound) {
			return fmt.Errorf("mark %s persistent on %s: %w", rec.Desc.ID, p, err)
		}
	}
	return nil
}

func (r *Receiver) observe(link transport.Link, redo dtx.RedoMessage) {
	if r.observer != nil {
		r.observer.ObserveRedo(link.Peer(), link.Stream(), redo)
	}
}
