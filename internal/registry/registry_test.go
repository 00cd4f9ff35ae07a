package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/testutil"
)

func TestNewRegistry(t *testing.T) {
	r := New("p1", "p2", "p3", "p1")

	assert.Equal(t, dtx.ParticipantID("p1"), r.Self())
	ps := r.Participants()
	require.Len(t, ps, 3)
	for _, p := range ps {
		assert.Equal(t, ha.StateTransient, p.State)
	}
	assert.Equal(t, []dtx.ParticipantID{"p1", "p2", "p3"}, r.InStates(ha.StateTransient))
}

func TestRegistryState(t *testing.T) {
	t.Run("unknown participants read as transient", func(t *testing.T) {
		r := New("p1")
		assert.Equal(t, ha.StateTransient, r.State("p9"))
		assert.Len(t, r.Participants(), 1)
	})

	t.Run("set state creates on first reference", func(t *testing.T) {
		r := New("p1")
		prev := r.SetState("p9", ha.StateRecovering)
		assert.Equal(t, ha.StateTransient, prev)
		assert.Equal(t, ha.StateRecovering, r.State("p9"))
		assert.Len(t, r.Participants(), 2)
	})

	t.Run("in states filters and sorts", func(t *testing.T) {
		r := New("p1", "p2", "p3", "p4")
		r.SetState("p3", ha.StateOnline)
		r.SetState("p2", ha.StateRecovering)
		r.SetState("p4", ha.StateFailed)

		assert.Equal(t, []dtx.ParticipantID{"p2", "p3"}, r.InStates(ha.StateOnline, ha.StateRecovering))
		assert.Equal(t, []dtx.ParticipantID{"p4"}, r.InStates(ha.StateFailed))
	})

	t.Run("listeners observe changes", func(t *testing.T) {
		r := New("p1")
		var mu sync.Mutex
		var seen []Participant
		r.OnChange(func(p Participant) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, p)
		})

		r.SetState("p1", ha.StateRecovering)
		r.SetState("p1", ha.StateOnline)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, seen, 2)
		assert.Equal(t, ha.StateRecovering, seen[0].State)
		assert.Equal(t, ha.StateOnline, seen[1].State)
	})
}

func TestRegistryTasks(t *testing.T) {
	t.Run("rejects duplicate keys", func(t *testing.T) {
		r := New("p1")
		key := TaskKey{Participant: "p2", Peer: "p1", Role: RoleRemote}
		h1 := NewTaskHandle(key, func() {})
		h2 := NewTaskHandle(key, func() {})

		require.NoError(t, r.AddTask(h1))
		assert.ErrorIs(t, r.AddTask(h2), ErrTaskExists)
		assert.NotEqual(t, h1.ID, h2.ID)

		got, ok := r.Task(key)
		require.True(t, ok)
		assert.Same(t, h1, got)
	})

	t.Run("remove only drops the identical handle", func(t *testing.T) {
		r := New("p1")
		key := TaskKey{Participant: "p1", Role: RoleLocal}
		stale := NewTaskHandle(key, nil)
		current := NewTaskHandle(key, nil)

		require.NoError(t, r.AddTask(current))
		assert.False(t, r.RemoveTask(stale))
		assert.Len(t, r.Tasks(), 1)
		assert.True(t, r.RemoveTask(current))
		assert.Empty(t, r.Tasks())
	})

	t.Run("tasks for participant", func(t *testing.T) {
		r := New("p1")
		require.NoError(t, r.AddTask(NewTaskHandle(TaskKey{Participant: "p2", Peer: "p1", Role: RoleRemote}, nil)))
		require.NoError(t, r.AddTask(NewTaskHandle(TaskKey{Participant: "p3", Role: RoleEviction}, nil)))
		require.NoError(t, r.AddTask(NewTaskHandle(TaskKey{Participant: "p1", Role: RoleLocal}, nil)))

		got := r.TasksFor("p2")
		require.Len(t, got, 1)
		assert.Equal(t, RoleRemote, got[0].Key.Role)
		assert.Empty(t, r.TasksFor("p9"))
	})

	t.Run("handle cancel and finish", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		h := NewTaskHandle(TaskKey{Participant: "p1", Role: RoleLocal}, cancel)

		h.Cancel()
		assert.Error(t, ctx.Err())

		select {
		case <-h.Done():
			t.Fatal("done before finish")
		default:
		}
		h.Finish()
		h.Finish()
		<-h.Done()
	})

	t.Run("key string", func(t *testing.T) {
		assert.Equal(t, "local(p1)", TaskKey{Participant: "p1", Role: RoleLocal}.String())
		assert.Equal(t, "remote(p2<-p1)", TaskKey{Participant: "p2", Peer: "p1", Role: RoleRemote}.String())
	})
}

func TestRegistryEviction(t *testing.T) {
	r := New("p1", "p2")

	assert.ErrorIs(t, r.MarkEvicted("p9"), ErrUnknownParticipant)
	assert.ErrorIs(t, r.MarkEvicted("p2"), ErrNotFailed)
	assert.ErrorIs(t, r.Forget("p2"), ErrNotEvicted)

	r.SetState("p2", ha.StateFailed)
	assert.ErrorIs(t, r.Forget("p2"), ErrNotEvicted)

	require.NoError(t, r.MarkEvicted("p2"))
	assert.True(t, r.Evicted("p2"))
	require.NoError(t, r.Forget("p2"))
	assert.ErrorIs(t, r.Forget("p2"), ErrUnknownParticipant)
	assert.Len(t, r.Participants(), 1)
}

func TestKVMirror(t *testing.T) {
	container := testutil.NATS(t)
	nc := container.Connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := NewKVMirror(nc, MirrorConfig{ClusterID: "test", NodeID: "p1"})
	require.NoError(t, err)

	_, err = m.Views(ctx)
	assert.ErrorIs(t, err, ErrMirrorNotStarted)

	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	r := New("p1", "p2")
	m.Attach(ctx, r)
	r.SetState("p2", ha.StateOnline)

	assert.Eventually(t, func() bool {
		views, err := m.Views(ctx)
		if err != nil {
			return false
		}
		ps := views["p1"]
		return len(ps) == 2 && ps[1].ID == "p2" && ps[1].State == ha.StateOnline
	}, 10*time.Second, 100*time.Millisecond)
}

func TestMirrorConfig(t *testing.T) {
	cfg := MirrorConfig{ClusterID: "c1", NodeID: "p1"}
	assert.Equal(t, "dtm0-c1-registry", cfg.BucketName())
	assert.Equal(t, "views.p1.p2", cfg.ViewKey("p1", "p2"))

	_, err := NewKVMirror(nil, MirrorConfig{NodeID: "p1"})
	assert.Error(t, err)
}
