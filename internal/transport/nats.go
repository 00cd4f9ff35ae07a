package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

const natsLinkBuffer = 64

// Link directions, as the last subject token. "up" flows from the dialing
// side to the accepting side, "down" the other way.
const (
	dirUp   = "up"
	dirDown = "down"
)

// NATSConfig configures a NATS transport.
type NATSConfig struct {
	ClusterID string
	Self      dtx.ParticipantID
}

// LinkSubject returns the subject a message from "from" to "to" is
// published on.
// Format: dtm0.<cluster>.link.<to>.<from>.<stream>.<up|down>
func (c NATSConfig) LinkSubject(to, from dtx.ParticipantID, stream dtx.StreamID, dir string) string {
	return fmt.Sprintf("dtm0.%s.link.%s.%s.%s.%s", c.ClusterID, to, from, stream, dir)
}

func (c NATSConfig) inboxSubject() string {
	return fmt.Sprintf("dtm0.%s.link.%s.>", c.ClusterID, c.Self)
}

type linkKey struct {
	peer   dtx.ParticipantID
	stream dtx.StreamID
}

// NATSTransport carries links over core NATS subjects. One subscription
// per participant receives every inbound message; messages are routed to
// the link they belong to by sender, stream and direction.
//
// NATS preserves publish order per connection and subject, which gives
// links their ordering. A disconnect loses in-flight messages, so
// Reset closes every link and the tasks redial.
type NATSTransport struct {
	cfg    NATSConfig
	nc     *nats.Conn
	logger *slog.Logger

	sub    *nats.Subscription
	accept chan *natsLink
	done   chan struct{}

	mu       sync.Mutex
	dialed   map[linkKey]*natsLink
	accepted map[linkKey]*natsLink
	closed   bool
}

var _ Transport = (*NATSTransport)(nil)

// NewNATSTransport subscribes to the participant's inbox on nc.
func NewNATSTransport(nc *nats.Conn, cfg NATSConfig) (*NATSTransport, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	if err := cfg.Self.ValidateToken(); err != nil {
		return nil, err
	}

	t := &NATSTransport{
		cfg:      cfg,
		nc:       nc,
		logger:   slog.Default().With("component", "transport", "node", cfg.Self),
		accept:   make(chan *natsLink, natsLinkBuffer),
		done:     make(chan struct{}),
		dialed:   make(map[linkKey]*natsLink),
		accepted: make(map[linkKey]*natsLink),
	}

	sub, err := nc.Subscribe(cfg.inboxSubject(), t.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe to link inbox: %w", err)
	}
	t.sub = sub

	t.logger.Info("transport started", "subject", cfg.inboxSubject())
	return t, nil
}

func (t *NATSTransport) handle(m *nats.Msg) {
	// dtm0.<cluster>.link.<self>.<from>.<stream>.<dir>
	tokens := strings.Split(m.Subject, ".")
	if len(tokens) != 7 {
		t.logger.Warn("dropping message on unexpected subject", "subject", m.Subject)
		return
	}
	dir := tokens[6]

	msg, err := dtx.Decode(m.Data)
	if err != nil {
		t.logger.Warn("dropping undecodable message", "subject", m.Subject, "error", err)
		return
	}
	key := linkKey{peer: msg.From, stream: msg.Stream}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	var l *natsLink
	switch dir {
	case dirUp:
		l = t.accepted[key]
		if l == nil && !msg.Bye {
			l = t.newLink(key, dirDown)
			t.accepted[key] = l
			select {
			case t.accept <- l:
			default:
				delete(t.accepted, key)
				t.mu.Unlock()
				t.logger.Warn("accept queue full, dropping link", "peer", key.peer, "stream", key.stream)
				return
			}
		}
	case dirDown:
		l = t.dialed[key]
	}
	t.mu.Unlock()

	if l == nil {
		return
	}
	if msg.Bye {
		l.shutdown()
		return
	}
	l.deliver(msg)
}

func (t *NATSTransport) newLink(key linkKey, sendDir string) *natsLink {
	return &natsLink{
		t:       t,
		key:     key,
		subject: t.cfg.LinkSubject(key.peer, t.cfg.Self, key.stream, sendDir),
		in:      make(chan dtx.Message, natsLinkBuffer),
		done:    make(chan struct{}),
	}
}

func (t *NATSTransport) forget(l *natsLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialed[l.key] == l {
		delete(t.dialed, l.key)
	}
	if t.accepted[l.key] == l {
		delete(t.accepted, l.key)
	}
}

// Dial implements Transport. Delivery to an absent peer is not detected
// here; the caller notices through a missing acknowledgement.
func (t *NATSTransport) Dial(ctx context.Context, peer dtx.ParticipantID, stream dtx.StreamID) (Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := peer.ValidateToken(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}

	key := linkKey{peer: peer, stream: stream}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	old := t.dialed[key]
	l := t.newLink(key, dirUp)
	t.dialed[key] = l
	t.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return l, nil
}

// Accept implements Transport.
func (t *NATSTransport) Accept(ctx context.Context) (Link, error) {
	select {
	case l := <-t.accept:
		return l, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Teardown implements Transport.
func (t *NATSTransport) Teardown(peer dtx.ParticipantID) {
	for _, l := range t.snapshot(func(k linkKey) bool { return k.peer == peer }) {
		_ = l.Close()
	}
}

// Reset closes every link without notifying peers. It is called when the
// NATS connection drops.
func (t *NATSTransport) Reset() {
	links := t.snapshot(func(linkKey) bool { return true })
	for _, l := range links {
		l.shutdown()
	}
	if len(links) > 0 {
		t.logger.Warn("connection lost, closed all links", "links", len(links))
	}
}

func (t *NATSTransport) snapshot(match func(linkKey) bool) []*natsLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*natsLink
	for k, l := range t.dialed {
		if match(k) {
			out = append(out, l)
		}
	}
	for k, l := range t.accepted {
		if match(k) {
			out = append(out, l)
		}
	}
	return out
}

// Close implements Transport. The NATS connection is owned by the caller.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	for _, l := range t.snapshot(func(linkKey) bool { return true }) {
		_ = l.Close()
	}
	if err := t.sub.Unsubscribe(); err != nil && t.nc.IsConnected() {
		return fmt.Errorf("unsubscribe link inbox: %w", err)
	}
	t.logger.Info("transport stopped")
	return nil
}

type natsLink struct {
	t       *NATSTransport
	key     linkKey
	subject string
	in      chan dtx.Message
	done    chan struct{}
	once    sync.Once
}

func (l *natsLink) Peer() dtx.ParticipantID { return l.key.peer }
func (l *natsLink) Stream() dtx.StreamID    { return l.key.stream }

func (l *natsLink) deliver(msg dtx.Message) {
	select {
	case <-l.done:
	case l.in <- msg:
	default:
		// The protocol keeps one record in flight per link; a full buffer
		// means the peer is misbehaving.
		l.t.logger.Warn("link buffer full, closing link", "peer", l.key.peer, "stream", l.key.stream)
		l.shutdown()
	}
}

func (l *natsLink) shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.t.forget(l)
	})
}

func (l *natsLink) publish(msg dtx.Message) error {
	msg.From = l.t.cfg.Self
	msg.Stream = l.key.stream
	data, err := dtx.Encode(msg)
	if err != nil {
		return err
	}
	if err := l.t.nc.Publish(l.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", l.subject, err)
	}
	return nil
}

func (l *natsLink) Send(ctx context.Context, msg dtx.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return ErrLinkClosed
	default:
	}
	if err := l.publish(msg); err != nil {
		l.shutdown()
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

func (l *natsLink) Recv(ctx context.Context) (dtx.Message, error) {
	// Drain queued messages before reporting the close.
	select {
	case msg := <-l.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-l.in:
		return msg, nil
	case <-l.done:
		return dtx.Message{}, ErrLinkClosed
	case <-ctx.Done():
		return dtx.Message{}, ctx.Err()
	}
}

func (l *natsLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	_ = l.publish(dtx.Message{Bye: true})
	l.shutdown()
	return nil
}
