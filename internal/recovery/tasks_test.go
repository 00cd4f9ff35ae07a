package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/service"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

func redoFor(seq uint64) dtx.RedoMessage {
	return dtx.RedoMessage{Desc: dtx.TxDescriptor{ID: txid(seq), Participants: []dtx.ParticipantID{"p", "q"}}}
}

func stopped(t *LocalTask) bool {
	select {
	case <-t.Stopped():
		return true
	default:
		return false
	}
}

func TestLocalTaskWithoutPeersStopsAtOnce(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"p"})
	assert.True(t, stopped(task))
	assert.NoError(t, task.Run(context.Background()))
}

func TestLocalTaskEndOfLog(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"q", "r"})
	assert.Equal(t, []dtx.ParticipantID{"q", "r"}, task.Awaiting())

	task.Observe("q", dtx.RedoMessage{IsLast: true})
	assert.False(t, stopped(task))
	assert.Equal(t, []dtx.ParticipantID{"r"}, task.Awaiting())

	task.Observe("r", dtx.RedoMessage{IsLast: true})
	assert.True(t, stopped(task))
	_, ok := task.Marker()
	assert.False(t, ok)
}

// Scenario B: the marker is tx 17, q replays 10, 11, 17 and keeps going.
func TestLocalTaskStopsAtMarker(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"q", "r"})
	task.ObserveWrite(redoFor(17).Desc)
	// Later writes do not move the marker.
	task.ObserveWrite(redoFor(18).Desc)

	m, ok := task.Marker()
	require.True(t, ok)
	assert.Equal(t, txid(17), m)

	task.Observe("q", redoFor(10))
	task.Observe("q", redoFor(11))
	assert.Equal(t, []dtx.ParticipantID{"q", "r"}, task.Awaiting())

	task.Observe("q", redoFor(17))
	assert.Equal(t, []dtx.ParticipantID{"r"}, task.Awaiting())
	task.Observe("q", redoFor(18))
	task.Observe("q", dtx.RedoMessage{IsLast: true})
	assert.Equal(t, []dtx.ParticipantID{"r"}, task.Awaiting())
	assert.False(t, stopped(task), "r has not contributed")

	task.Observe("r", redoFor(17))
	assert.True(t, stopped(task))
}

func TestLocalTaskIgnoresUnknownPeers(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"q"})
	task.Observe("x", dtx.RedoMessage{IsLast: true})
	assert.False(t, stopped(task))
}

func TestLocalTaskMarkerReplayedBeforeCapture(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"q", "r"})
	task.Observe("q", redoFor(5))
	task.Observe("r", redoFor(6))

	task.ObserveWrite(redoFor(5).Desc)
	assert.Equal(t, []dtx.ParticipantID{"r"}, task.Awaiting())

	// Seen sets are dropped once the marker exists.
	task.Observe("r", redoFor(7))
	assert.False(t, stopped(task))
}

func TestLocalTaskPeerLeft(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"q", "r"})
	task.Observe("q", dtx.RedoMessage{IsLast: true})
	task.PeerLeft("r")
	assert.True(t, stopped(task))
}

func TestLocalTaskCancel(t *testing.T) {
	task := NewLocalTask("p", []dtx.ParticipantID{"q"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, task.Run(ctx), context.Canceled)
}

// pushFixture is a source log plus a test-driven destination endpoint.
type pushFixture struct {
	log *dtmlog.MemLog
	src *transport.MemTransport
	dst *transport.MemTransport
	mux *service.Mux
}

func newPushFixture(t *testing.T, records ...dtx.LogRecord) *pushFixture {
	t.Helper()
	net := transport.NewMemNetwork()
	f := &pushFixture{
		log: dtmlog.NewMemLog(),
		src: net.Endpoint("q"),
		dst: net.Endpoint("p"),
		mux: service.NewMux(service.NewKVS()),
	}
	for _, rec := range records {
		_, err := f.log.Append(context.Background(), rec)
		require.NoError(t, err)
	}
	return f
}

func (f *pushFixture) pusher(l dtmlog.Log) *pusher {
	return newPusher(testConfig("q"), l, f.src, f.mux, "p", dtx.RecoveryStream,
		func(d dtx.TxDescriptor) bool { return d.Involves("p") })
}

func runAsync(ctx context.Context, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	return done
}

func ackRedo(ctx context.Context, link transport.Link, msg dtx.Message) error {
	ack := dtx.PersistentAck{TxIDs: []dtx.TxID{msg.Redo.Desc.ID}}
	if msg.Redo.IsLast {
		ack = dtx.PersistentAck{EndOfLog: true}
	}
	return link.Send(ctx, dtx.Message{Ack: &ack})
}

func TestPusherReplaysInOrder(t *testing.T) {
	f := newPushFixture(t,
		kvRecord(1, "a", "p", "q"),
		kvRecord(2, "b", "q"),
		kvRecord(3, "c", "p", "q"),
		kvRecord(4, "d", "p", "q"),
	)
	// Already held by p.
	require.NoError(t, f.log.MarkPersistent(context.Background(), txid(4), "p"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	done := runAsync(ctx, f.pusher(f.log).run)

	link, err := f.dst.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, dtx.RecoveryStream, link.Stream())

	var got []uint64
	for {
		msg, err := link.Recv(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg.Redo)
		require.NoError(t, ackRedo(ctx, link, msg))
		if msg.Redo.IsLast {
			break
		}
		got = append(got, msg.Redo.Desc.ID.Seq)

		svc, body, err := f.mux.Decode(msg.Redo.Payload)
		require.NoError(t, err)
		assert.Equal(t, service.KVSName, svc)
		assert.NotEmpty(t, body)
	}
	require.NoError(t, <-done)
	assert.Equal(t, []uint64{1, 3}, got)

	rec, err := f.log.Lookup(ctx, txid(3))
	require.NoError(t, err)
	assert.True(t, rec.PersistentFor("p"))
}

func TestPusherResumesAfterLinkFailure(t *testing.T) {
	f := newPushFixture(t,
		kvRecord(1, "a", "p", "q"),
		kvRecord(2, "b", "p", "q"),
		kvRecord(3, "c", "p", "q"),
	)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	done := runAsync(ctx, f.pusher(f.log).run)

	link, err := f.dst.Accept(ctx)
	require.NoError(t, err)
	msg, err := link.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, ackRedo(ctx, link, msg))

	// Drop the link with tx 2 in flight.
	msg, err = link.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, txid(2), msg.Redo.Desc.ID)
	require.NoError(t, link.Close())

	link, err = f.dst.Accept(ctx)
	require.NoError(t, err)
	var got []uint64
	for {
		msg, err := link.Recv(ctx)
		require.NoError(t, err)
		require.NoError(t, ackRedo(ctx, link, msg))
		if msg.Redo.IsLast {
			break
		}
		got = append(got, msg.Redo.Desc.ID.Seq)
	}
	require.NoError(t, <-done)
	assert.Equal(t, []uint64{2, 3}, got, "resumes after the last acknowledged record")
}

func TestPusherAckTimeout(t *testing.T) {
	f := newPushFixture(t, kvRecord(1, "a", "p", "q"))
	cfg := testConfig("q")
	cfg.AckTimeout = 50 * time.Millisecond
	p := newPusher(cfg, f.log, f.src, f.mux, "p", dtx.RecoveryStream,
		func(d dtx.TxDescriptor) bool { return true })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	link, err := f.src.Dial(ctx, "p", dtx.RecoveryStream)
	require.NoError(t, err)
	defer link.Close()

	err = p.awaitAck(ctx, link, func(dtx.PersistentAck) bool { return true })
	assert.ErrorIs(t, err, errAckTimeout)
}

func TestPusherCancel(t *testing.T) {
	f := newPushFixture(t, kvRecord(1, "a", "p", "q"))
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, f.pusher(f.log).run)

	link, err := f.dst.Accept(context.Background())
	require.NoError(t, err)
	_, err = link.Recv(context.Background())
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("pusher ignored cancellation")
	}
	_, err = link.Recv(context.Background())
	assert.ErrorIs(t, err, transport.ErrLinkClosed)
}

// staleLog reports the first copies as stale.
type staleLog struct {
	dtmlog.Log
	stale atomic.Int32
}

func (l *staleLog) LockForCopy(ctx context.Context, id dtx.TxID, fn func(dtx.LogRecord) error) error {
	if l.stale.Add(-1) >= 0 {
		return fmt.Errorf("%w: %s", dtmlog.ErrStale, id)
	}
	return l.Log.LockForCopy(ctx, id, fn)
}

func TestPusherRetriesStaleCopy(t *testing.T) {
	f := newPushFixture(t, kvRecord(1, "a", "p", "q"))
	l := &staleLog{Log: f.log}
	l.stale.Store(3)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rec, ok, err := f.pusher(l).copyOut(ctx, txid(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, txid(1), rec.Desc.ID)
	assert.Less(t, l.stale.Load(), int32(0))
}

func TestPusherSkipsPrunedRecord(t *testing.T) {
	f := newPushFixture(t)
	ctx := context.Background()
	_, ok, err := f.pusher(f.log).copyOut(ctx, txid(9))
	require.NoError(t, err)
	assert.False(t, ok)
}

// receiverFixture runs a Receiver on p and dials it from q.
type receiverFixture struct {
	log      *dtmlog.MemLog
	kvs      *service.KVS
	q        *transport.MemTransport
	observed chan dtx.RedoMessage
	// refuse holds back the recovery stream while set.
	refuse atomic.Bool
}

type chanObserver struct {
	ch     chan dtx.RedoMessage
	refuse *atomic.Bool
}

func (c chanObserver) Expecting(stream dtx.StreamID) bool {
	return stream != dtx.RecoveryStream || !c.refuse.Load()
}

func (c chanObserver) ObserveRedo(_ dtx.ParticipantID, _ dtx.StreamID, redo dtx.RedoMessage) {
	c.ch <- redo
}

func newReceiverFixture(t *testing.T) *receiverFixture {
	t.Helper()
	net := transport.NewMemNetwork()
	kvs := service.NewKVS()
	mux := service.NewMux(kvs)
	l := dtmlog.NewMemLog()
	f := &receiverFixture{
		log:      l,
		kvs:      kvs,
		q:        net.Endpoint("q"),
		observed: make(chan dtx.RedoMessage, 64),
	}

	recv := NewReceiver("p", l, net.Endpoint("p"), mux, service.NewApplier(l, mux),
		chanObserver{ch: f.observed, refuse: &f.refuse})
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = recv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return f
}

func redoMessage(t *testing.T, rec dtx.LogRecord) dtx.Message {
	t.Helper()
	payload, err := service.NewMux(service.NewKVS()).Transmute(rec)
	require.NoError(t, err)
	return dtx.Message{Redo: &dtx.RedoMessage{Desc: rec.Desc, Payload: payload}}
}

func TestReceiverPersistsAndAcks(t *testing.T) {
	f := newReceiverFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	link, err := f.q.Dial(ctx, "p", dtx.RecoveryStream)
	require.NoError(t, err)
	defer link.Close()

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, link.Send(ctx, redoMessage(t, kvRecord(seq, fmt.Sprintf("k%d", seq), "p", "q"))))
	}
	// Duplicate.
	require.NoError(t, link.Send(ctx, redoMessage(t, kvRecord(3, "k3", "p", "q"))))
	require.NoError(t, link.Send(ctx, dtx.Message{Redo: &dtx.RedoMessage{IsLast: true}}))

	for _, seq := range []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 3} {
		msg, err := link.Recv(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg.Ack)
		assert.True(t, msg.Ack.Covers(txid(seq)), "ack for %d", seq)
	}
	msg, err := link.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.True(t, msg.Ack.EndOfLog)

	assert.Equal(t, 10, f.log.Len())
	v, ok := f.kvs.Get("k7")
	require.True(t, ok)
	assert.Equal(t, "k7", string(v))

	rec, err := f.log.Lookup(ctx, txid(1))
	require.NoError(t, err)
	assert.True(t, rec.PersistentFor("p"))
	assert.True(t, rec.PersistentFor("q"))
	assert.False(t, rec.Open)

	// Observed in send order.
	var order []uint64
	for range 12 {
		redo := <-f.observed
		if !redo.IsLast {
			order = append(order, redo.Desc.ID.Seq)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 3}, order)
}

func TestReceiverDoesNotAckUnappliedRedo(t *testing.T) {
	f := newReceiverFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	link, err := f.q.Dial(ctx, "p", dtx.RecoveryStream)
	require.NoError(t, err)
	defer link.Close()

	bad := dtx.Message{Redo: &dtx.RedoMessage{
		Desc:    dtx.TxDescriptor{ID: txid(1), Participants: []dtx.ParticipantID{"p", "q"}},
		Payload: []byte(`{"service":"nope","body":"e30="}`),
	}}
	require.NoError(t, link.Send(ctx, bad))

	_, err = link.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrLinkClosed)
	_, err = f.log.Lookup(ctx, txid(1))
	assert.True(t, errors.Is(err, dtmlog.ErrNotFound))
	assert.Empty(t, f.observed)
}

func TestReceiverHoldsBackRecoveryStream(t *testing.T) {
	f := newReceiverFixture(t)
	f.refuse.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	link, err := f.q.Dial(ctx, "p", dtx.RecoveryStream)
	require.NoError(t, err)
	require.NoError(t, link.Send(ctx, dtx.Message{Redo: &dtx.RedoMessage{IsLast: true}}))
	_, err = link.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrLinkClosed, "end of log must not be acked")
	_ = link.Close()

	link, err = f.q.Dial(ctx, "p", dtx.RecoveryStream)
	require.NoError(t, err)
	require.NoError(t, link.Send(ctx, redoMessage(t, kvRecord(1, "k1", "p", "q"))))
	_, err = link.Recv(ctx)
	assert.ErrorIs(t, err, transport.ErrLinkClosed)
	_ = link.Close()
	_, err = f.log.Lookup(ctx, txid(1))
	assert.ErrorIs(t, err, dtmlog.ErrNotFound)
	assert.Empty(t, f.observed)

	// Eviction streams are not held back.
	ev, err := f.q.Dial(ctx, "p", dtx.EvictionStream("f"))
	require.NoError(t, err)
	defer ev.Close()
	require.NoError(t, ev.Send(ctx, redoMessage(t, kvRecord(2, "k2", "p", "q", "f"))))
	msg, err := ev.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.True(t, msg.Ack.Covers(txid(2)))

	// Once expected, the sender's retry goes through.
	f.refuse.Store(false)
	link, err = f.q.Dial(ctx, "p", dtx.RecoveryStream)
	require.NoError(t, err)
	defer link.Close()
	require.NoError(t, link.Send(ctx, redoMessage(t, kvRecord(1, "k1", "p", "q"))))
	require.NoError(t, link.Send(ctx, dtx.Message{Redo: &dtx.RedoMessage{IsLast: true}}))
	msg, err = link.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.True(t, msg.Ack.Covers(txid(1)))
	msg, err = link.Recv(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.True(t, msg.Ack.EndOfLog)
	assert.Equal(t, 2, f.log.Len())
}

// failingLog fails the first copies with an error that is not ErrStale.
type failingLog struct {
	dtmlog.Log
	failures atomic.Int32
}

func (l *failingLog) LockForCopy(ctx context.Context, id dtx.TxID, fn func(dtx.LogRecord) error) error {
	if l.failures.Add(-1) >= 0 {
		return errors.New("disk I/O error")
	}
	return l.Log.LockForCopy(ctx, id, fn)
}

func TestEvictionTaskRetriesLogErrors(t *testing.T) {
	net := transport.NewMemNetwork()
	ctx := context.Background()
	mem := dtmlog.NewMemLog()
	_, err := mem.Append(ctx, kvRecord(1, "r1", "f", "a", "b"))
	require.NoError(t, err)
	l := &failingLog{Log: mem}
	l.failures.Store(3)

	bl := dtmlog.NewMemLog()
	mux := service.NewMux(service.NewKVS())
	recv := NewReceiver("b", bl, net.Endpoint("b"), mux, service.NewApplier(bl, mux), nil)
	rctx, rcancel := context.WithCancel(ctx)
	rdone := runAsync(rctx, recv.Run)
	t.Cleanup(func() {
		rcancel()
		<-rdone
	})

	task := NewEvictionTask(testConfig("a"), l, net.Endpoint("a"), service.NewMux(service.NewKVS()),
		"f", []dtx.ParticipantID{"b"}, nil)
	tctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	require.NoError(t, task.Run(tctx))

	assert.Less(t, l.failures.Load(), int32(0))
	assert.Equal(t, 1, bl.Len())
	assert.Empty(t, task.Pending())
}

func TestEvictionTaskCoversEverySurvivor(t *testing.T) {
	net := transport.NewMemNetwork()
	l := dtmlog.NewMemLog()
	ctx := context.Background()
	for _, rec := range []dtx.LogRecord{
		kvRecord(1, "r1", "f", "a"),
		kvRecord(2, "r2", "a", "b"),
		kvRecord(3, "r3", "f", "a"),
	} {
		_, err := l.Append(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, l.MarkPersistent(ctx, rec.Desc.ID, "a"))
	}

	survivors := map[dtx.ParticipantID]*dtmlog.MemLog{}
	for _, id := range []dtx.ParticipantID{"b", "c"} {
		sl := dtmlog.NewMemLog()
		mux := service.NewMux(service.NewKVS())
		survivors[id] = sl
		recv := NewReceiver(id, sl, net.Endpoint(id), mux, service.NewApplier(sl, mux), nil)
		rctx, cancel := context.WithCancel(ctx)
		done := runAsync(rctx, recv.Run)
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	cfg := testConfig("a")
	task := NewEvictionTask(cfg, l, net.Endpoint("a"), service.NewMux(service.NewKVS()),
		"f", []dtx.ParticipantID{"b", "a", "f"}, []dtx.ParticipantID{"c"})
	assert.Equal(t, []dtx.ParticipantID{"b", "c"}, task.Survivors())

	tctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	done := runAsync(tctx, task.Run)

	require.Eventually(t, func() bool {
		return len(task.Pending()) == 1
	}, waitFor, tick)
	assert.Equal(t, []dtx.ParticipantID{"c"}, task.Pending(), "paused survivor is not skipped")
	assert.Equal(t, 2, survivors["b"].Len())
	assert.Zero(t, survivors["c"].Len())

	select {
	case <-done:
		t.Fatal("eviction completed without c")
	case <-time.After(50 * time.Millisecond):
	}

	task.Resume("c")
	require.NoError(t, <-done)
	assert.Equal(t, 2, survivors["c"].Len())
	assert.Empty(t, task.Pending())

	// f's records are closed, the unrelated one is untouched.
	rec, err := l.Lookup(ctx, txid(1))
	require.NoError(t, err)
	assert.True(t, rec.PersistentFor("f"))
	assert.False(t, rec.Open)
	rec, err = l.Lookup(ctx, txid(2))
	require.NoError(t, err)
	assert.False(t, rec.PersistentFor("f"))
	assert.True(t, rec.Open)
}

func TestEvictionTaskRemoveSurvivor(t *testing.T) {
	net := transport.NewMemNetwork()
	l := dtmlog.NewMemLog()
	task := NewEvictionTask(testConfig("a"), l, net.Endpoint("a"), service.NewMux(),
		"f", nil, []dtx.ParticipantID{"b"})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	done := runAsync(ctx, task.Run)

	task.Pause("b")
	task.Remove("b")
	require.NoError(t, <-done)
	assert.Empty(t, task.Survivors())
}

func TestEvictionTaskCancel(t *testing.T) {
	net := transport.NewMemNetwork()
	l := dtmlog.NewMemLog()
	task := NewEvictionTask(testConfig("a"), l, net.Endpoint("a"), service.NewMux(),
		"f", nil, []dtx.ParticipantID{"b"})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, task.Run)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
