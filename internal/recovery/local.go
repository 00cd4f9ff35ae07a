package recovery

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// peerProgress tracks one awaited peer's REDO stream.
type peerProgress struct {
	satisfied bool
	// seen holds the transactions the peer replayed before the marker was
	// captured, for a retroactive match.
	seen map[dtx.TxID]struct{}
}

// LocalTask decides when this node has caught up after leaving TRANSIENT.
//
// It captures the first client write that arrives after creation as the
// marker. An awaited peer's contribution is complete once it replays the
// marker or signals the end of its log. The task stops once every awaited
// peer is complete.
type LocalTask struct {
	self   dtx.ParticipantID
	logger *slog.Logger

	mu      sync.Mutex
	marker  *dtx.TxID
	peers   map[dtx.ParticipantID]*peerProgress
	stopped chan struct{}
	closed  bool
}

// NewLocalTask creates a task awaiting the given peers. Self is ignored if
// present.
func NewLocalTask(self dtx.ParticipantID, peers []dtx.ParticipantID) *LocalTask {
	t := &LocalTask{
		self:    self,
		logger:  slog.Default().With("component", "local-recovery", "node", self),
		peers:   make(map[dtx.ParticipantID]*peerProgress),
		stopped: make(chan struct{}),
	}
	for _, p := range peers {
		if p != self {
			t.peers[p] = &peerProgress{seen: make(map[dtx.TxID]struct{})}
		}
	}
	t.mu.Lock()
	t.checkLocked()
	t.mu.Unlock()
	return t
}

// Run blocks until the stop condition holds or ctx is cancelled.
func (t *LocalTask) Run(ctx context.Context) error {
	t.logger.Info("local recovery started", "awaiting", t.Awaiting())
	select {
	case <-t.stopped:
		t.logger.Info("local recovery complete", "marker", t.markerString())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed when the stop condition holds.
func (t *LocalTask) Stopped() <-chan struct{} {
	return t.stopped
}

// ObserveWrite is called for every client write. Only the first one
// becomes the marker.
func (t *LocalTask) ObserveWrite(desc dtx.TxDescriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.marker != nil || t.closed {
		return
	}
	id := desc.ID
	t.marker = &id
	t.logger.Info("captured first-write marker", "marker", id)

	for p, prog := range t.peers {
		if prog.satisfied {
			continue
		}
		if _, ok := prog.seen[id]; ok {
			// The peer replayed the marker before the write reached us;
			// the interleaving is ambiguous, so make it visible.
			t.logger.Warn("marker was replayed before it was captured", "peer", p, "marker", id)
			prog.satisfied = true
		}
		prog.seen = nil
	}
	t.checkLocked()
}

// Observe is called for every REDO received from peer on the recovery
// stream, after the record has been persisted.
func (t *LocalTask) Observe(peer dtx.ParticipantID, redo dtx.RedoMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prog, ok := t.peers[peer]
	if !ok || prog.satisfied || t.closed {
		return
	}

	switch {
	case redo.IsLast:
		t.logger.Debug("peer reached end of log", "peer", peer)
		prog.satisfied = true
	case t.marker != nil && redo.Desc.ID == *t.marker:
		t.logger.Debug("peer replayed the marker", "peer", peer)
		prog.satisfied = true
	case t.marker == nil:
		prog.seen[redo.Desc.ID] = struct{}{}
	}
	t.checkLocked()
}

// PeerLeft drops a peer that became TRANSIENT or FAILED.
func (t *LocalTask) PeerLeft(peer dtx.ParticipantID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peer]; !ok {
		return
	}
	delete(t.peers, peer)
	t.logger.Info("peer left, no longer awaited", "peer", peer)
	t.checkLocked()
}

// Awaiting returns the peers whose contribution is still pending.
func (t *LocalTask) Awaiting() []dtx.ParticipantID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []dtx.ParticipantID
	for p, prog := range t.peers {
		if !prog.satisfied {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Marker returns the captured marker, if any.
func (t *LocalTask) Marker() (dtx.TxID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.marker == nil {
		return dtx.TxID{}, false
	}
	return *t.marker, true
}

func (t *LocalTask) markerString() string {
	if id, ok := t.Marker(); ok {
		return id.String()
	}
	return "none"
}

func (t *LocalTask) checkLocked() {
	if t.closed {
		return
	}
	for _, prog := range t.peers {
		if !prog.satisfied {
			return
		}
	}
	t.closed = true
	close(t.stopped)
}
