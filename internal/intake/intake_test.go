package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
	"github.com/ozanturksever/dtm0-recovery/internal/service"
	"github.com/ozanturksever/dtm0-recovery/testutil"
)

type recordingObserver struct {
	mu   sync.Mutex
	seen []dtx.TxID
}

func (o *recordingObserver) ObserveWrite(desc dtx.TxDescriptor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, desc.ID)
}

func write(seq uint64, participants ...dtx.ParticipantID) dtx.LogRecord {
	return dtx.LogRecord{
		Desc:    dtx.TxDescriptor{ID: dtx.TxID{Originator: "c1", Seq: seq}, Participants: participants},
		Service: service.KVSName,
		Payload: service.PutOp("k", []byte{byte(seq)}),
	}
}

func newHandler(state ha.State) (*Handler, *dtmlog.MemLog, *service.KVS, *recordingObserver) {
	reg := registry.New("p1", "p2")
	reg.SetState("p1", state)
	l := dtmlog.NewMemLog()
	kvs := service.NewKVS()
	obs := &recordingObserver{}
	return NewHandler(reg, l, service.NewApplier(l, service.NewMux(kvs)), obs), l, kvs, obs
}

func TestHandlerWrite(t *testing.T) {
	ctx := context.Background()
	h, l, kvs, obs := newHandler(ha.StateOnline)

	res, err := h.Write(ctx, write(1, "p1", "p2"))
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	v, ok := kvs.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte{1}, v)

	rec, err := l.Lookup(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, rec.PersistentFor("p1"))
	assert.False(t, rec.PersistentFor("p2"))
	assert.True(t, rec.Open)

	// Retried write.
	res, err = h.Write(ctx, write(1, "p1", "p2"))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, 1, l.Len())
	assert.Len(t, obs.seen, 2)
}

func TestHandlerWriteWhileRecovering(t *testing.T) {
	h, _, _, obs := newHandler(ha.StateRecovering)
	_, err := h.Write(context.Background(), write(7, "p1"))
	require.NoError(t, err)
	assert.Equal(t, []dtx.TxID{{Originator: "c1", Seq: 7}}, obs.seen)
}

func TestHandlerRejects(t *testing.T) {
	ctx := context.Background()

	for _, state := range []ha.State{ha.StateTransient, ha.StateFailed} {
		t.Run(state.String(), func(t *testing.T) {
			h, l, _, obs := newHandler(state)
			_, err := h.Write(ctx, write(1, "p1"))
			assert.ErrorIs(t, err, ErrNotAccepting)
			assert.Zero(t, l.Len())
			assert.Empty(t, obs.seen)
		})
	}

	h, _, _, _ := newHandler(ha.StateOnline)

	_, err := h.Write(ctx, write(1, "p2"))
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = h.Write(ctx, dtx.LogRecord{Desc: dtx.TxDescriptor{Participants: []dtx.ParticipantID{"p1"}}})
	assert.ErrorIs(t, err, dtmlog.ErrInvalidTx)

	rec := write(2, "p1")
	rec.Service = ""
	_, err = h.Write(ctx, rec)
	assert.ErrorIs(t, err, ErrMissingService)

	rec = write(3, "p1")
	rec.Service = "nope"
	_, err = h.Write(ctx, rec)
	assert.ErrorIs(t, err, service.ErrUnknownService)
}

func TestSequencerConfig(t *testing.T) {
	assert.Equal(t, "dtm0-c1-seq", SequencerConfig{ClusterID: "c1"}.BucketName())
	_, err := NewKVSequencer(nil, SequencerConfig{})
	assert.Error(t, err)
}

func TestKVSequencer(t *testing.T) {
	container := testutil.NATS(t)
	nc := container.Connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seq, err := NewKVSequencer(nc, SequencerConfig{ClusterID: "test"})
	require.NoError(t, err)

	_, err = seq.Next(ctx, "c1")
	assert.ErrorIs(t, err, ErrSequencerNotStarted)

	require.NoError(t, seq.Start(ctx))
	defer seq.Stop()

	t.Run("sequences are per originator", func(t *testing.T) {
		id, err := seq.Next(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, dtx.TxID{Originator: "c1", Seq: 1}, id)

		id, err = seq.Next(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), id.Seq)

		id, err = seq.Next(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id.Seq)
	})

	t.Run("concurrent callers get distinct numbers", func(t *testing.T) {
		var (
			mu   sync.Mutex
			seen = make(map[uint64]bool)
		)
		g, gctx := errgroup.WithContext(ctx)
		for range 4 {
			g.Go(func() error {
				for range 5 {
					id, err := seq.Next(gctx, "c3")
					if err != nil {
						return err
					}
					mu.Lock()
					seen[id.Seq] = true
					mu.Unlock()
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		assert.Len(t, seen, 20)
	})

	t.Run("invalid originator", func(t *testing.T) {
		_, err := seq.Next(ctx, "a.b")
		assert.Error(t, err)
	})
}
