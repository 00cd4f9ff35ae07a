package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
	"github.com/ozanturksever/dtm0-recovery/internal/service"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(self dtx.ParticipantID) Config {
	return Config{
		Self:             self,
		RetryInterval:    5 * time.Millisecond,
		MaxRetryInterval: 50 * time.Millisecond,
		CancelTimeout:    2 * time.Second,
		AckTimeout:       2 * time.Second,
	}
}

func txid(seq uint64) dtx.TxID {
	return dtx.TxID{Originator: "client", Seq: seq}
}

func kvRecord(seq uint64, key string, participants ...dtx.ParticipantID) dtx.LogRecord {
	return dtx.LogRecord{
		Desc:    dtx.TxDescriptor{ID: txid(seq), Participants: participants},
		Service: service.KVSName,
		Payload: service.PutOp(key, []byte(key)),
	}
}

// gatedCodec blocks Transmute until the gate is closed.
type gatedCodec struct {
	Transmuter
	gate chan struct{}
}

func (g gatedCodec) Transmute(rec dtx.LogRecord) ([]byte, error) {
	<-g.gate
	return g.Transmuter.Transmute(rec)
}

// testNode is one participant of an in-process cluster.
type testNode struct {
	id      dtx.ParticipantID
	log     *dtmlog.MemLog
	kvs     *service.KVS
	mux     *service.Mux
	applier *service.Applier
	tr      *transport.MemTransport
	reg     *registry.Registry
	codec   Transmuter
	sched   *Scheduler
}

func newTestNode(net *transport.MemNetwork, id dtx.ParticipantID, members []dtx.ParticipantID) *testNode {
	kvs := service.NewKVS()
	mux := service.NewMux(kvs)
	l := dtmlog.NewMemLog()
	return &testNode{
		id:      id,
		log:     l,
		kvs:     kvs,
		mux:     mux,
		applier: service.NewApplier(l, mux),
		tr:      net.Endpoint(id),
		reg:     registry.New(id, members...),
		codec:   mux,
	}
}

// start runs the node's scheduler and receiver until the test ends.
func (n *testNode) start(t *testing.T, feed *ha.MemFeed) {
	t.Helper()
	n.startWith(t, feed, feed)
}

// startWith is start with separate event source and publisher.
func (n *testNode) startWith(t *testing.T, src ha.Source, pub ha.Publisher) {
	t.Helper()

	sched, err := NewScheduler(testConfig(n.id), Deps{
		Registry:  n.reg,
		Log:       n.log,
		Transport: n.tr,
		Codec:     n.codec,
		Source:    src,
		Publisher: pub,
	})
	require.NoError(t, err)
	n.sched = sched
	recv := NewReceiver(n.id, n.log, n.tr, n.mux, n.applier, sched)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = recv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

// write performs a client write on n, the way the intake path does.
func (n *testNode) write(t *testing.T, rec dtx.LogRecord) {
	t.Helper()
	ctx := context.Background()
	_, err := n.applier.Apply(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, n.log.MarkPersistent(ctx, rec.Desc.ID, n.id))
	if n.sched != nil {
		n.sched.ObserveWrite(rec.Desc)
	}
}

type testCluster struct {
	feed  *ha.MemFeed
	net   *transport.MemNetwork
	nodes map[dtx.ParticipantID]*testNode
	ids   []dtx.ParticipantID
}

// newTestCluster creates the nodes without starting them, so tests can
// adjust a node before it runs.
func newTestCluster(t *testing.T, ids ...dtx.ParticipantID) *testCluster {
	t.Helper()
	c := &testCluster{
		feed:  ha.NewMemFeed(),
		net:   transport.NewMemNetwork(),
		nodes: make(map[dtx.ParticipantID]*testNode),
		ids:   ids,
	}
	for _, id := range ids {
		c.nodes[id] = newTestNode(c.net, id, ids)
	}
	t.Cleanup(c.feed.Close)
	return c
}

func (c *testCluster) start(t *testing.T) {
	t.Helper()
	for _, id := range c.ids {
		c.nodes[id].start(t, c.feed)
	}
	require.Eventually(t, func() bool {
		return c.feed.Subscribers() == len(c.ids)
	}, waitFor, tick)
}

func (c *testCluster) publish(t *testing.T, id dtx.ParticipantID, kind ha.EventKind) {
	t.Helper()
	require.NoError(t, c.feed.Publish(ha.Event{Participant: id, Kind: kind}))
}

// awaitState waits until every running node sees id in state s.
func (c *testCluster) awaitState(t *testing.T, id dtx.ParticipantID, s ha.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range c.nodes {
			if n.reg.State(id) != s {
				return false
			}
		}
		return true
	}, waitFor, tick, "%s never reached %s", id, s)
}

// bringUp starts the participants one after the other.
func (c *testCluster) bringUp(t *testing.T, ids ...dtx.ParticipantID) {
	t.Helper()
	for _, id := range ids {
		c.publish(t, id, ha.ProcessStarting)
		c.awaitState(t, id, ha.StateOnline)
	}
}

// idle waits until a node has no running tasks.
func (c *testCluster) idle(t *testing.T, id dtx.ParticipantID) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.nodes[id].reg.Tasks()) == 0
	}, waitFor, tick, "%s still has tasks", id)
}

// fanout publishes readiness on every feed.
type fanout []*ha.MemFeed

func (f fanout) ProcessStarted(ctx context.Context, id dtx.ParticipantID) error {
	for _, feed := range f {
		if err := feed.ProcessStarted(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func countStarted(feed *ha.MemFeed, id dtx.ParticipantID) int {
	n := 0
	for _, p := range feed.Started() {
		if p == id {
			n++
		}
	}
	return n
}
