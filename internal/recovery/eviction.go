package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

// survivorStream is the eviction replay toward one survivor.
type survivorStream struct {
	pusher *pusher
	cancel context.CancelFunc
	done   chan struct{}
	acked  bool
	// paused is set while the survivor is TRANSIENT.
	paused bool
}

func (s *survivorStream) running() bool {
	return s.cancel != nil
}

// EvictionTask replays every record involving a failed participant to
// each survivor. A survivor that is TRANSIENT is paused and resumed when
// it returns; a survivor that fails too is dropped. The task completes
// once every remaining survivor has acknowledged the end of the log, and
// then closes the evicted participant's records so they can be pruned.
type EvictionTask struct {
	cfg    Config
	log    dtmlog.Log
	tr     transport.Transport
	codec  Transmuter
	failed dtx.ParticipantID
	logger *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	survivors map[dtx.ParticipantID]*survivorStream
	// pending holds the survivors to start once Run is called.
	pending   map[dtx.ParticipantID]bool
	changed   chan struct{}
}

// NewEvictionTask creates the task for failed. Active survivors start
// streaming when Run is called; paused ones wait for Resume.
func NewEvictionTask(cfg Config, l dtmlog.Log, tr transport.Transport, codec Transmuter,
	failed dtx.ParticipantID, active, paused []dtx.ParticipantID) *EvictionTask {
	t := &EvictionTask{
		cfg:       cfg,
		log:       l,
		tr:        tr,
		codec:     codec,
		failed:    failed,
		logger:    slog.Default().With("component", "eviction", "node", cfg.Self, "failed", failed),
		survivors: make(map[dtx.ParticipantID]*survivorStream),
		changed:   make(chan struct{}, 1),
	}
	for _, s := range slices.Concat(active, paused) {
		if s != failed && s != cfg.Self {
			t.survivors[s] = &survivorStream{pusher: t.newPusher(s)}
		}
	}
	for _, s := range paused {
		if st, ok := t.survivors[s]; ok {
			st.paused = true
		}
	}
	t.pending = make(map[dtx.ParticipantID]bool)
	for _, s := range active {
		if st, ok := t.survivors[s]; ok {
			st.paused = false
			t.pending[s] = true
		}
	}
	return t
}

func (t *EvictionTask) newPusher(survivor dtx.ParticipantID) *pusher {
	return newPusher(t.cfg, t.log, t.tr, t.codec, survivor, dtx.EvictionStream(t.failed),
		func(d dtx.TxDescriptor) bool { return d.Involves(t.failed) })
}

// Run streams to every survivor and returns nil once all have
// acknowledged, or ctx.Err() when cancelled.
func (t *EvictionTask) Run(ctx context.Context) error {
	t.mu.Lock()
	t.ctx = ctx
	for s := range t.pending {
		t.startLocked(s)
	}
	t.pending = nil
	t.mu.Unlock()
	t.logger.Info("eviction started", "survivors", t.Survivors())

	for !t.complete() {
		select {
		case <-ctx.Done():
			t.stopAll()
			return ctx.Err()
		case <-t.changed:
		}
	}
	t.stopAll()

	if err := t.closeRecords(ctx); err != nil {
		return err
	}
	t.logger.Info("eviction complete")
	return nil
}

func (t *EvictionTask) startLocked(survivor dtx.ParticipantID) {
	s, ok := t.survivors[survivor]
	if !ok || s.acked || s.running() {
		return
	}
	ctx, cancel := context.WithCancel(t.ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(s *survivorStream, done chan struct{}) {
		defer close(done)
		err := s.pusher.run(ctx)

		t.mu.Lock()
		// Pause or Remove may already have replaced the stream state.
		if s.done == done {
			s.cancel = nil
		}
		switch {
		case err == nil:
			s.acked = true
			t.logger.Info("survivor acknowledged eviction replay", "survivor", survivor)
		case ctx.Err() == nil:
			t.logger.Warn("eviction replay failed, restarting", "survivor", survivor,
				"error", err, "retry_in", t.cfg.MaxRetryInterval)
			time.AfterFunc(t.cfg.MaxRetryInterval, func() { t.restart(survivor) })
		}
		t.mu.Unlock()
		t.signal()
	}(s, s.done)
}

// stopLocked cancels a running stream and returns its done channel.
func (t *EvictionTask) stopLocked(s *survivorStream) chan struct{} {
	if !s.running() {
		return nil
	}
	s.cancel()
	s.cancel = nil
	return s.done
}

func (t *EvictionTask) signal() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *EvictionTask) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.survivors {
		if !s.acked {
			return false
		}
	}
	return true
}

func (t *EvictionTask) stopAll() {
	t.mu.Lock()
	var waits []chan struct{}
	for _, s := range t.survivors {
		if done := t.stopLocked(s); done != nil {
			waits = append(waits, done)
		}
	}
	t.mu.Unlock()
	for _, done := range waits {
		<-done
	}
}

// Resume restarts the stream to a survivor that came back. It is a no-op
// for unknown or already acknowledged survivors.
func (t *EvictionTask) Resume(survivor dtx.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.survivors[survivor]
	if !ok {
		return
	}
	s.paused = false
	if t.ctx == nil {
		t.pending[survivor] = true
		return
	}
	if t.ctx.Err() != nil {
		return
	}
	t.startLocked(survivor)
}

// restart starts a failed stream again unless it was paused meanwhile.
func (t *EvictionTask) restart(survivor dtx.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.survivors[survivor]; !ok || s.paused || t.ctx.Err() != nil {
		return
	}
	t.startLocked(survivor)
}

// Pause stops the stream to a survivor that became TRANSIENT. The stream
// resumes from its last acknowledged record.
func (t *EvictionTask) Pause(survivor dtx.ParticipantID) {
	t.mu.Lock()
	if t.pending != nil {
		delete(t.pending, survivor)
	}
	var done chan struct{}
	if s, ok := t.survivors[survivor]; ok {
		s.paused = true
		done = t.stopLocked(s)
	}
	t.mu.Unlock()
	if done != nil {
		<-done
		t.logger.Info("paused eviction replay", "survivor", survivor)
	}
}

// Remove drops a survivor that failed permanently.
func (t *EvictionTask) Remove(survivor dtx.ParticipantID) {
	t.mu.Lock()
	s, ok := t.survivors[survivor]
	if !ok {
		t.mu.Unlock()
		return
	}
	done := t.stopLocked(s)
	delete(t.survivors, survivor)
	if t.pending != nil {
		delete(t.pending, survivor)
	}
	t.mu.Unlock()
	if done != nil {
		<-done
	}
	t.logger.Info("survivor failed, dropped from eviction", "survivor", survivor)
	t.signal()
}

// Survivors returns the survivors still part of the eviction.
func (t *EvictionTask) Survivors() []dtx.ParticipantID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]dtx.ParticipantID, 0, len(t.survivors))
	for s := range t.survivors {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Pending returns the survivors that have not acknowledged yet.
func (t *EvictionTask) Pending() []dtx.ParticipantID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []dtx.ParticipantID
	for id, s := range t.survivors {
		if !s.acked {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// closeRecords marks the failed participant persistent on every record
// it took part in. Its records are then closed once the survivors hold
// them, and the pruner can reclaim them.
func (t *EvictionTask) closeRecords(ctx context.Context) error {
	it := dtmlog.IterateFrom(t.log, dtmlog.Start)
	for it.Next(ctx) {
		e := it.Entry()
		if !e.Desc.Involves(t.failed) {
			continue
		}
		if err := t.log.MarkPersistent(ctx, e.Desc.ID, t.failed); err != nil && !errors.Is(err, dtmlog.ErrNotFound) {
			return fmt.Errorf("close %s: %w", e.Desc.ID, err)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("close records of %s: %w", t.failed, err)
	}
	return nil
}
