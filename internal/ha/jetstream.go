package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// ErrFeedNotStarted is returned when the feed is used before Start.
var ErrFeedNotStarted = errors.New("HA feed not started")

// JetStreamConfig configures the JetStream-backed HA feed.
type JetStreamConfig struct {
	ClusterID string
	NodeID    dtx.ParticipantID
	// MaxAge bounds how long events are retained (0 = forever).
	MaxAge time.Duration
}

// StreamName returns the stream holding HA traffic.
// Format: DTM0_<cluster_id>_HA
func (c JetStreamConfig) StreamName() string {
	return fmt.Sprintf("DTM0_%s_HA", c.ClusterID)
}

func (c JetStreamConfig) rootSubject() string {
	return fmt.Sprintf("dtm0.%s.ha.>", c.ClusterID)
}

// EventSubject returns the subject events about p are published on.
func (c JetStreamConfig) EventSubject(p dtx.ParticipantID) string {
	return fmt.Sprintf("dtm0.%s.ha.event.%s", c.ClusterID, p)
}

// ReadySubject returns the subject p signals readiness on.
func (c JetStreamConfig) ReadySubject(p dtx.ParticipantID) string {
	return fmt.Sprintf("dtm0.%s.ha.ready.%s", c.ClusterID, p)
}

// JetStreamFeed keeps the HA event history in a JetStream stream. Each
// subscription replays the history through an ordered consumer, so a
// restarted node rebuilds the same participant states as its peers.
type JetStreamFeed struct {
	cfg    JetStreamConfig
	nc     *nats.Conn
	logger *slog.Logger

	mu      sync.RWMutex
	js      jetstream.JetStream
	stream  jetstream.Stream
	running bool
}

var (
	_ Source    = (*JetStreamFeed)(nil)
	_ Publisher = (*JetStreamFeed)(nil)
)

// NewJetStreamFeed creates a feed on an existing connection.
func NewJetStreamFeed(nc *nats.Conn, cfg JetStreamConfig) (*JetStreamFeed, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	return &JetStreamFeed{
		cfg:    cfg,
		nc:     nc,
		logger: slog.Default().With("component", "ha", "node", cfg.NodeID, "cluster", cfg.ClusterID),
	}, nil
}

// Start creates or updates the HA stream.
func (f *JetStreamFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return nil
	}

	js, err := jetstream.New(f.nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        f.cfg.StreamName(),
		Description: fmt.Sprintf("DTM0 HA events for %s", f.cfg.ClusterID),
		Subjects:    []string{f.cfg.rootSubject()},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      f.cfg.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", f.cfg.StreamName(), err)
	}

	f.js = js
	f.stream = stream
	f.running = true
	f.logger.Info("HA feed started", "stream", f.cfg.StreamName())
	return nil
}

// Stop marks the feed stopped. Subscriptions end with their contexts.
func (f *JetStreamFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *JetStreamFeed) handles() (jetstream.JetStream, jetstream.Stream, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.running {
		return nil, nil, ErrFeedNotStarted
	}
	return f.js, f.stream, nil
}

// PublishEvent appends an event to the HA history.
func (f *JetStreamFeed) PublishEvent(ctx context.Context, ev Event) error {
	js, _, err := f.handles()
	if err != nil {
		return err
	}
	if err := ev.Participant.ValidateToken(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := js.Publish(ctx, f.cfg.EventSubject(ev.Participant), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	f.logger.Debug("published HA event", "event", ev.String())
	return nil
}

// ProcessStarted implements Publisher by signalling readiness. HA (or
// Relay) turns the signal into a PROCESS_STARTED event.
func (f *JetStreamFeed) ProcessStarted(ctx context.Context, id dtx.ParticipantID) error {
	js, _, err := f.handles()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, f.cfg.ReadySubject(id), []byte(id)); err != nil {
		return fmt.Errorf("publish ready signal: %w", err)
	}
	f.logger.Info("signalled process started", "participant", id)
	return nil
}

// Subscribe implements Source. Events stored before the call carry
// Replay=true.
func (f *JetStreamFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	js, stream, err := f.handles()
	if err != nil {
		return nil, err
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}
	replayUpTo := info.State.LastSeq

	cons, err := js.OrderedConsumer(ctx, f.cfg.StreamName(), jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{f.cfg.EventSubject("*")},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer: %w", err)
	}

	out := newEventPipe(ctx)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			f.logger.Warn("dropping malformed HA event", "subject", msg.Subject(), "error", err)
			return
		}
		if md, err := msg.Metadata(); err == nil {
			ev.Replay = md.Sequence.Stream <= replayUpTo
		}
		out.send(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("consume HA events: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
		out.close()
	}()

	f.logger.Info("subscribed to HA events", "replay_up_to", replayUpTo)
	return out.ch, nil
}

// Relay converts readiness signals into PROCESS_STARTED events until ctx
// ends. It stands in for an HA service that acknowledges readiness
// unconditionally.
func (f *JetStreamFeed) Relay(ctx context.Context) error {
	js, _, err := f.handles()
	if err != nil {
		return err
	}

	cons, err := js.OrderedConsumer(ctx, f.cfg.StreamName(), jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{f.cfg.ReadySubject("*")},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create ready consumer: %w", err)
	}

	prefix := strings.TrimSuffix(f.cfg.ReadySubject("*"), "*")
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		id := dtx.ParticipantID(strings.TrimPrefix(msg.Subject(), prefix))
		ev := Event{Participant: id, Kind: ProcessStarted}
		if err := f.PublishEvent(ctx, ev); err != nil {
			f.logger.Warn("relay failed", "participant", id, "error", err)
			return
		}
		f.logger.Info("relayed readiness", "participant", id)
	})
	if err != nil {
		return fmt.Errorf("consume ready signals: %w", err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return nil
}

// eventPipe guards a channel that is written from consumer callbacks and
// closed from another goroutine.
type eventPipe struct {
	ctx    context.Context
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newEventPipe(ctx context.Context) *eventPipe {
	return &eventPipe{ctx: ctx, ch: make(chan Event, 256)}
}

func (p *eventPipe) send(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- ev:
	case <-p.ctx.Done():
	}
}

func (p *eventPipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}
