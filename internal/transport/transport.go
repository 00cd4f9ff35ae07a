// Package transport is the messaging facade used by the recovery tasks:
// ordered per-peer links carrying REDO and PERSISTENT messages, torn down
// when HA reports that a peer left the cluster.
package transport

import (
	"context"
	"errors"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Transport errors.
var (
	ErrLinkClosed      = errors.New("link closed")
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrTransportClosed = errors.New("transport closed")
)

// Link is one ordered, bidirectional stream between two participants.
// Messages sent on a link are received in send order.
type Link interface {
	Peer() dtx.ParticipantID
	Stream() dtx.StreamID

	// Send queues msg for the peer. From and Stream are filled in by the link.
	Send(ctx context.Context, msg dtx.Message) error

	// Recv blocks until a message arrives, the link closes (ErrLinkClosed)
	// or ctx is done.
	Recv(ctx context.Context) (dtx.Message, error)

	Close() error
}

// Transport creates and accepts links.
type Transport interface {
	// Dial opens a link to peer for the given stream.
	Dial(ctx context.Context, peer dtx.ParticipantID, stream dtx.StreamID) (Link, error)

	// Accept returns the next link opened by a remote peer.
	Accept(ctx context.Context) (Link, error)

	// Teardown closes every link to or from peer.
	Teardown(peer dtx.ParticipantID)

	Close() error
}
