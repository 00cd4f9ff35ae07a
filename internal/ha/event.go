package ha

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// ErrFeedClosed is returned when publishing to a closed feed.
var ErrFeedClosed = errors.New("HA feed closed")

// Event is one HA notification about a participant.
type Event struct {
	Participant dtx.ParticipantID `json:"participant"`
	Kind        EventKind         `json:"kind"`

	// Replay marks events that happened before the subscriber attached.
	// They rebuild state without triggering recovery actions.
	Replay bool `json:"-"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Participant)
}

// Source delivers HA events in the order HA produced them.
type Source interface {
	// Subscribe returns a channel closed when ctx ends or the source stops.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// Publisher reports this participant's readiness back to HA.
type Publisher interface {
	ProcessStarted(ctx context.Context, id dtx.ParticipantID) error
}

// MemFeed is an in-process Source and Publisher. Every subscriber receives
// every event published after it subscribed; ProcessStarted is published
// as an ordinary event, which mirrors an HA that acknowledges readiness
// immediately.
type MemFeed struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool

	started []dtx.ParticipantID
}

var (
	_ Source    = (*MemFeed)(nil)
	_ Publisher = (*MemFeed)(nil)
)

// NewMemFeed creates an empty feed.
func NewMemFeed() *MemFeed {
	return &MemFeed{subs: make(map[chan Event]struct{})}
}

// Subscribe implements Source.
func (f *MemFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}

	ch := make(chan Event, 256)
	f.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Publish delivers ev to every subscriber. It blocks while a subscriber's
// buffer is full, which keeps delivery ordered and lossless.
func (f *MemFeed) Publish(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrFeedClosed
	}
	for ch := range f.subs {
		ch <- ev
	}
	return nil
}

// ProcessStarted implements Publisher.
func (f *MemFeed) ProcessStarted(_ context.Context, id dtx.ParticipantID) error {
	f.mu.Lock()
	f.started = append(f.started, id)
	f.mu.Unlock()
	return f.Publish(Event{Participant: id, Kind: ProcessStarted})
}

// Started returns the participants ProcessStarted was called for, in order.
func (f *MemFeed) Started() []dtx.ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dtx.ParticipantID(nil), f.started...)
}

// Subscribers returns the number of live subscriptions.
func (f *MemFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscription.
func (f *MemFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
}
