package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

var errAckTimeout = errors.New("timed out waiting for acknowledgement")

// Transmuter turns a log record into a REDO payload.
type Transmuter interface {
	Transmute(rec dtx.LogRecord) ([]byte, error)
}

// pusher replays the selected part of the local log to one peer over one
// stream. It keeps one REDO in flight, resumes from the last acknowledged
// record after a link failure, and finishes once the peer acknowledges
// the end-of-log marker.
type pusher struct {
	cfg    Config
	log    dtmlog.Log
	tr     transport.Transport
	codec  Transmuter
	logger *slog.Logger

	peer   dtx.ParticipantID
	stream dtx.StreamID
	// selects decides whether a record belongs to this stream.
	selects func(dtx.TxDescriptor) bool

	// cursor is the position of the last record that needs no further
	// work: acknowledged, skipped, or pruned.
	cursor dtmlog.Cursor
	sent   int
}

func newPusher(cfg Config, l dtmlog.Log, tr transport.Transport, codec Transmuter,
	peer dtx.ParticipantID, stream dtx.StreamID, selects func(dtx.TxDescriptor) bool) *pusher {
	return &pusher{
		cfg:     cfg,
		log:     l,
		tr:      tr,
		codec:   codec,
		peer:    peer,
		stream:  stream,
		selects: selects,
		logger: slog.Default().With("component", "pusher", "node", cfg.Self,
			"peer", peer, "stream", stream),
	}
}

// run pushes until the peer has acknowledged the end of the log or ctx is
// cancelled. Link failures are retried with exponential backoff.
func (p *pusher) run(ctx context.Context) error {
	attempt := 0
	op := func() error {
		if attempt > 0 {
			linkRetriesMetric.WithLabelValues(streamKind(p.stream)).Inc()
		}
		attempt++
		err := p.session(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("replay session failed, retrying", "error", err, "retry_in", wait, "cursor", p.cursor)
	}
	return backoff.RetryNotify(op, backoff.WithContext(p.cfg.newBackOff(), ctx), notify)
}

func (p *pusher) session(ctx context.Context) error {
	link, err := p.tr.Dial(ctx, p.peer, p.stream)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.peer, err)
	}
	defer link.Close()

	it := dtmlog.IterateFrom(p.log, p.cursor)
	for it.Next(ctx) {
		e := it.Entry()
		if !p.selects(e.Desc) {
			p.cursor = e.Cursor
			continue
		}

		rec, ok, err := p.copyOut(ctx, e.Desc.ID)
		if err != nil {
			return err
		}
		if !ok {
			p.cursor = e.Cursor
			continue
		}

		payload, err := p.codec.Transmute(rec)
		if err != nil {
			// Retrying cannot make the record transmutable.
			p.logger.Error("cannot transmute record, skipping", "tx", rec.Desc.ID, "service", rec.Service, "error", err)
			p.cursor = e.Cursor
			continue
		}

		redo := dtx.RedoMessage{Desc: rec.Desc, Payload: payload}
		if err := link.Send(ctx, dtx.Message{Redo: &redo}); err != nil {
			return fmt.Errorf("send REDO %s: %w", rec.Desc.ID, err)
		}
		redoSentMetric.WithLabelValues(streamKind(p.stream)).Inc()

		if err := p.awaitAck(ctx, link, func(a dtx.PersistentAck) bool { return a.Covers(rec.Desc.ID) }); err != nil {
			return fmt.Errorf("await ack for %s: %w", rec.Desc.ID, err)
		}
		if err := p.log.MarkPersistent(ctx, rec.Desc.ID, p.peer); err != nil && !errors.Is(err, dtmlog.ErrNotFound) {
			return fmt.Errorf("mark %s persistent on %s: %w", rec.Desc.ID, p.peer, err)
		}
		p.cursor = e.Cursor
		p.sent++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterate log: %w", err)
	}

	last := dtx.RedoMessage{IsLast: true}
	if err := link.Send(ctx, dtx.Message{Redo: &last}); err != nil {
		return fmt.Errorf("send end of log: %w", err)
	}
	if err := p.awaitAck(ctx, link, func(a dtx.PersistentAck) bool { return a.EndOfLog }); err != nil {
		return fmt.Errorf("await end of log ack: %w", err)
	}

	p.logger.Info("replay complete", "sent", p.sent)
	return nil
}

// copyOut copies the record under the exclusive lock, retrying while the
// record is being mutated. ok is false when the record needs no push: it
// was pruned, or the peer already holds it.
func (p *pusher) copyOut(ctx context.Context, id dtx.TxID) (dtx.LogRecord, bool, error) {
	var (
		rec  dtx.LogRecord
		skip bool
	)
	op := func() error {
		err := p.log.LockForCopy(ctx, id, func(r dtx.LogRecord) error {
			if r.PersistentFor(p.peer) {
				skip = true
				return nil
			}
			rec = r
			return nil
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, dtmlog.ErrStale):
			staleRetriesMetric.Inc()
			return err
		case errors.Is(err, dtmlog.ErrNotFound):
			skip = true
			return nil
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(p.cfg.newBackOff(), ctx)); err != nil {
		return dtx.LogRecord{}, false, fmt.Errorf("copy out %s: %w", id, err)
	}
	return rec, !skip, nil
}

// awaitAck reads from the link until an acknowledgement matching wants
// arrives. Other messages are ignored.
func (p *pusher) awaitAck(ctx context.Context, link transport.Link, wants func(dtx.PersistentAck) bool) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AckTimeout)
	defer cancel()

	for {
		msg, err := link.Recv(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return errAckTimeout
		}
		if err != nil {
			return err
		}
		if msg.Ack == nil {
			continue
		}
		ackReceivedMetric.WithLabelValues(streamKind(p.stream)).Inc()
		if wants(*msg.Ack) {
			return nil
		}
	}
}
