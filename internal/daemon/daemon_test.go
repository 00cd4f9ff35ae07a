package daemon

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/dtm0-recovery/internal/config"
	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/internal/intake"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
	"github.com/ozanturksever/dtm0-recovery/internal/service"
	"github.com/ozanturksever/dtm0-recovery/internal/status"
	"github.com/ozanturksever/dtm0-recovery/testutil"
)

const (
	waitFor = 20 * time.Second
	tick    = 50 * time.Millisecond
)

// createTestConfig creates a configuration for one participant of a
// cluster of p1 and p2.
func createTestConfig(t *testing.T, natsURL string, nodeID dtx.ParticipantID, logPath string) *config.Config {
	t.Helper()
	return &config.Config{
		ClusterID: "test",
		NodeID:    nodeID,
		Members:   []dtx.ParticipantID{"p1", "p2"},
		NATS:      config.NATSConfig{Servers: []string{natsURL}},
		Log: config.LogConfig{
			Path:          logPath,
			PruneInterval: 100 * time.Millisecond,
		},
		Recovery: config.RecoveryConfig{
			RetryInterval:    10 * time.Millisecond,
			MaxRetryInterval: 200 * time.Millisecond,
			CancelTimeout:    2 * time.Second,
			AckTimeout:       2 * time.Second,
		},
		Metrics: config.MetricsConfig{Listen: "127.0.0.1:0"},
		Mirror:  config.MirrorConfig{Enabled: true},
	}
}

// startDaemon runs d until the test ends.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(waitFor):
		t.Fatal("daemon did not become ready")
	}
}

// acknowledgeReadiness plays HA: every readiness signal becomes a
// PROCESS_STARTED event.
func acknowledgeReadiness(t *testing.T, nc *nats.Conn, feed *ha.JetStreamFeed, cfg ha.JetStreamConfig) {
	t.Helper()
	prefix := strings.TrimSuffix(cfg.ReadySubject("*"), "*")
	sub, err := nc.Subscribe(cfg.ReadySubject("*"), func(m *nats.Msg) {
		id := dtx.ParticipantID(strings.TrimPrefix(m.Subject, prefix))
		_ = feed.PublishEvent(context.Background(), ha.Event{Participant: id, Kind: ha.ProcessStarted})
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func awaitState(t *testing.T, d *Daemon, p dtx.ParticipantID, want ha.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, part := range d.Status().Participants {
			if part.ID == p {
				return part.State == want
			}
		}
		return false
	}, waitFor, tick, "%s never reached %s", p, want)
}

func TestNew(t *testing.T) {
	_, err := New(nil, "dev")
	assert.Error(t, err)

	_, err = New(&config.Config{ClusterID: "test", NodeID: "p1"}, "dev")
	assert.Error(t, err, "NATS servers are required")

	cfg := &config.Config{ClusterID: "test", NodeID: "p1", NATS: config.NATSConfig{Servers: []string{"nats://localhost:4222"}}}
	d, err := New(cfg, "dev")
	require.NoError(t, err)
	assert.Equal(t, []dtx.ParticipantID{"p1"}, cfg.Members)
	assert.Equal(t, config.DefaultAckTimeout, cfg.Recovery.AckTimeout)
	assert.Empty(t, d.MetricsAddr())
	assert.Zero(t, d.Status().State)

	select {
	case <-d.Ready():
		t.Fatal("daemon ready before Run")
	default:
	}
}

func TestDaemonRecovery(t *testing.T) {
	container := testutil.NATS(t)
	nc := container.Connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	haCfg := ha.JetStreamConfig{ClusterID: "test", NodeID: "ha"}
	feed, err := ha.NewJetStreamFeed(nc, haCfg)
	require.NoError(t, err)
	require.NoError(t, feed.Start(ctx))
	defer feed.Stop()
	acknowledgeReadiness(t, nc, feed, haCfg)

	tmpDir := t.TempDir()
	d1, err := New(createTestConfig(t, container.URL, "p1", filepath.Join(tmpDir, "p1.db")), "0.1.0")
	require.NoError(t, err)
	d2, err := New(createTestConfig(t, container.URL, "p2", ":memory:"), "v0.1.0")
	require.NoError(t, err)

	startDaemon(t, d1)
	startDaemon(t, d2)

	assert.ErrorIs(t, d1.Run(ctx), ErrAlreadyRunning)

	// p1 comes up alone: nobody to recover from.
	require.NoError(t, feed.PublishEvent(ctx, ha.Event{Participant: "p1", Kind: ha.ProcessStarting}))
	awaitState(t, d1, "p1", ha.StateOnline)
	awaitState(t, d2, "p1", ha.StateOnline)

	// p1 takes a write for both participants while p2 is down.
	rec := dtx.LogRecord{
		Desc: dtx.TxDescriptor{
			ID:           dtx.TxID{Originator: "client", Seq: 1},
			Participants: []dtx.ParticipantID{"p1", "p2"},
		},
		Service: service.KVSName,
		Payload: service.PutOp("k", []byte("v")),
	}
	res, err := status.SubmitWrite(ctx, nc, "test", "p1", rec)
	require.NoError(t, err)
	assert.True(t, res.Inserted)

	_, err = status.SubmitWrite(ctx, nc, "test", "p2", rec)
	assert.ErrorIs(t, err, intake.ErrNotAccepting)

	// p2 recovers the write from p1.
	require.NoError(t, feed.PublishEvent(ctx, ha.Event{Participant: "p2", Kind: ha.ProcessStarting}))
	awaitState(t, d2, "p2", ha.StateOnline)
	awaitState(t, d1, "p2", ha.StateOnline)

	v, ok := d2.KVS().Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	t.Run("status", func(t *testing.T) {
		st, err := status.QueryStatus(ctx, nc, "test", "p2")
		require.NoError(t, err)
		assert.Equal(t, ha.StateOnline, st.State)
		assert.Zero(t, st.Violations)

		nodes, err := status.Discover(ctx, nc, "test", time.Second)
		require.NoError(t, err)
		assert.Len(t, nodes, 2)
		assert.Equal(t, "0.1.0", nodes["p2"].Version)
	})

	t.Run("metrics", func(t *testing.T) {
		addr := d1.MetricsAddr()
		require.NotEmpty(t, addr)
		resp, err := http.Get("http://" + addr + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "dtm0_redo_sent_total")
		assert.Contains(t, string(body), "dtm0_tasks_completed_total")
	})

	t.Run("mirror", func(t *testing.T) {
		m, err := registry.NewKVMirror(nc, registry.MirrorConfig{ClusterID: "test", NodeID: "observer"})
		require.NoError(t, err)
		require.NoError(t, m.Start(ctx))
		defer m.Stop()

		assert.Eventually(t, func() bool {
			views, err := m.Views(ctx)
			if err != nil {
				return false
			}
			for _, viewer := range []dtx.ParticipantID{"p1", "p2"} {
				ps := views[viewer]
				if len(ps) != 2 || ps[0].State != ha.StateOnline || ps[1].State != ha.StateOnline {
					return false
				}
			}
			return true
		}, waitFor, tick)
	})
}
