package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

const memLinkBuffer = 64

// MemNetwork connects in-process transports. It is used by tests and by
// single-process simulations of a cluster.
type MemNetwork struct {
	mu        sync.Mutex
	endpoints map[dtx.ParticipantID]*MemTransport
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[dtx.ParticipantID]*MemTransport)}
}

// Endpoint returns the transport for id, creating it on first use.
func (n *MemNetwork) Endpoint(id dtx.ParticipantID) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[id]; ok && !t.isClosed() {
		return t
	}
	t := &MemTransport{
		net:    n,
		self:   id,
		accept: make(chan *memLink, memLinkBuffer),
		links:  make(map[*memLink]struct{}),
		done:   make(chan struct{}),
	}
	n.endpoints[id] = t
	return t
}

func (n *MemNetwork) lookup(id dtx.ParticipantID) (*MemTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.endpoints[id]
	if !ok || t.isClosed() {
		return nil, false
	}
	return t, true
}

// pipe is the shared state of both ends of a link.
type pipe struct {
	toServer chan dtx.Message
	toClient chan dtx.Message
	done     chan struct{}
	once     sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.done) })
}

type memLink struct {
	owner  *MemTransport
	peer   dtx.ParticipantID
	stream dtx.StreamID
	pipe   *pipe
	in     <-chan dtx.Message
	out    chan<- dtx.Message
}

func (l *memLink) Peer() dtx.ParticipantID { return l.peer }
func (l *memLink) Stream() dtx.StreamID    { return l.stream }

func (l *memLink) Send(ctx context.Context, msg dtx.Message) error {
	msg.From = l.owner.self
	msg.Stream = l.stream

	select {
	case <-l.pipe.done:
		return ErrLinkClosed
	default:
	}

	select {
	case l.out <- msg:
		return nil
	case <-l.pipe.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *memLink) Recv(ctx context.Context) (dtx.Message, error) {
	// Drain queued messages before reporting the close.
	select {
	case msg := <-l.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-l.in:
		return msg, nil
	case <-l.pipe.done:
		return dtx.Message{}, ErrLinkClosed
	case <-ctx.Done():
		return dtx.Message{}, ctx.Err()
	}
}

func (l *memLink) Close() error {
	l.pipe.close()
	l.owner.forget(l)
	return nil
}

// MemTransport is one participant's endpoint on a MemNetwork.
type MemTransport struct {
	net    *MemNetwork
	self   dtx.ParticipantID
	accept chan *memLink

	mu     sync.Mutex
	links  map[*memLink]struct{}
	closed bool
	done   chan struct{}
}

var _ Transport = (*MemTransport)(nil)

func (t *MemTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MemTransport) track(l *memLink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.links[l] = struct{}{}
	return nil
}

func (t *MemTransport) forget(l *memLink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, l)
}

// Dial implements Transport.
func (t *MemTransport) Dial(ctx context.Context, peer dtx.ParticipantID, stream dtx.StreamID) (Link, error) {
	remote, ok := t.net.lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	p := &pipe{
		toServer: make(chan dtx.Message, memLinkBuffer),
		toClient: make(chan dtx.Message, memLinkBuffer),
		done:     make(chan struct{}),
	}
	client := &memLink{owner: t, peer: peer, stream: stream, pipe: p, in: p.toClient, out: p.toServer}
	server := &memLink{owner: remote, peer: t.self, stream: stream, pipe: p, in: p.toServer, out: p.toClient}

	if err := t.track(client); err != nil {
		return nil, err
	}
	if err := remote.track(server); err != nil {
		t.forget(client)
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	select {
	case remote.accept <- server:
		return client, nil
	case <-remote.done:
	case <-ctx.Done():
	}
	p.close()
	t.forget(client)
	remote.forget(server)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
}

// Accept implements Transport.
func (t *MemTransport) Accept(ctx context.Context) (Link, error) {
	// Links still queued when the endpoint closed are dead.
	select {
	case <-t.done:
		return nil, ErrTransportClosed
	default:
	}
	select {
	case l := <-t.accept:
		if t.isClosed() {
			return nil, ErrTransportClosed
		}
		return l, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Teardown implements Transport.
func (t *MemTransport) Teardown(peer dtx.ParticipantID) {
	t.mu.Lock()
	var victims []*memLink
	for l := range t.links {
		if l.peer == peer {
			victims = append(victims, l)
		}
	}
	t.mu.Unlock()

	for _, l := range victims {
		_ = l.Close()
	}
}

// Close implements Transport.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	links := make([]*memLink, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[*memLink]struct{})
	t.mu.Unlock()

	for _, l := range links {
		l.pipe.close()
	}
	return nil
}

// LinkCount returns the number of open links, for tests.
func (t *MemTransport) LinkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}
