// Package daemon composes the DTM0 components into one long-running
// participant process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ozanturksever/dtm0-recovery/internal/config"
	"github.com/ozanturksever/dtm0-recovery/internal/dtmlog"
	"github.com/ozanturksever/dtm0-recovery/internal/ha"
	"github.com/ozanturksever/dtm0-recovery/internal/intake"
	"github.com/ozanturksever/dtm0-recovery/internal/natsutil"
	"github.com/ozanturksever/dtm0-recovery/internal/recovery"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
	"github.com/ozanturksever/dtm0-recovery/internal/service"
	"github.com/ozanturksever/dtm0-recovery/internal/status"
	"github.com/ozanturksever/dtm0-recovery/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// ErrAlreadyRunning is returned by Run on a daemon that is running.
var ErrAlreadyRunning = errors.New("daemon already running")

var prunedMetric = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dtm0_log_pruned_total",
	Help: "Number of log records removed by the pruner.",
})

// Daemon runs one participant: the HA feed, the recovery scheduler and
// REDO receiver, the status service, the log pruner and the metrics
// endpoint. All of them share a single NATS connection.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger

	kvs  *service.KVS
	blob *service.Blob

	running atomic.Bool
	tr      atomic.Pointer[transport.NATSTransport]

	mu          sync.RWMutex
	sched       *recovery.Scheduler
	metricsAddr string
	ready       chan struct{}
}

// New constructs a daemon from the configuration. Defaults are applied
// and the result validated; nothing is started.
func New(cfg *config.Config, version string) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Daemon{
		cfg:     cfg,
		version: version,
		logger: slog.Default().With(
			"component", "daemon",
			"cluster", cfg.ClusterID,
			"node", cfg.NodeID,
		),
		kvs:   service.NewKVS(),
		blob:  service.NewBlob(),
		ready: make(chan struct{}),
	}, nil
}

// Ready is closed once every component has started.
func (d *Daemon) Ready() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ready
}

// KVS returns the key-value service the daemon applies records to.
func (d *Daemon) KVS() *service.KVS {
	return d.kvs
}

// Blob returns the blob service the daemon applies records to.
func (d *Daemon) Blob() *service.Blob {
	return d.blob
}

// MetricsAddr returns the address the metrics endpoint listens on, or
// "" when it is disabled or not started.
func (d *Daemon) MetricsAddr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.metricsAddr
}

// Status returns the scheduler's view. It is the zero value until the
// daemon is ready.
func (d *Daemon) Status() recovery.Status {
	d.mu.RLock()
	sched := d.sched
	d.mu.RUnlock()
	if sched == nil {
		return recovery.Status{}
	}
	return sched.Status()
}

func (d *Daemon) openLog(ctx context.Context) (dtmlog.Log, error) {
	if d.cfg.Log.InMemory() {
		d.logger.Warn("using in-memory log; records are lost on restart")
		return dtmlog.NewMemLog(), nil
	}
	l, err := dtmlog.OpenSQLite(ctx, d.cfg.Log.Path)
	if err != nil {
		return nil, err
	}
	d.logger.Info("opened log", "path", d.cfg.Log.Path)
	return l, nil
}

func (d *Daemon) connect() (*nats.Conn, error) {
	return natsutil.Connect(natsutil.ConnectOptions{
		URLs:        d.cfg.NATS.Servers,
		Credentials: d.cfg.NATS.Credentials,
		Name:        fmt.Sprintf("dtm0-%s-%s", d.cfg.ClusterID, d.cfg.NodeID),
		Logger:      d.logger,
		// Messages in flight are lost with the session; closing the
		// links makes the tasks redial and resume from their last ack.
		OnDisconnect: func(_ *nats.Conn, _ error) {
			if tr := d.tr.Load(); tr != nil {
				tr.Reset()
			}
		},
	})
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Components are stopped in reverse order before it returns.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	cfg := d.cfg
	self := cfg.NodeID
	d.logger.Info("daemon starting", "members", cfg.Members, "version", d.version)

	nc, err := d.connect()
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	l, err := d.openLog(ctx)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer func() {
		if err := l.Close(); err != nil {
			d.logger.Error("failed to close log", "error", err)
		}
	}()

	mux := service.NewMux(d.kvs, d.blob)
	applier := service.NewApplier(l, mux)
	reg := registry.New(self, cfg.Members...)

	// HA event history.
	feed, err := ha.NewJetStreamFeed(nc, ha.JetStreamConfig{
		ClusterID: cfg.ClusterID,
		NodeID:    self,
		MaxAge:    cfg.HA.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("create HA feed: %w", err)
	}
	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("start HA feed: %w", err)
	}
	defer func() { _ = feed.Stop() }()

	// Registry mirror (optional).
	var mirror *registry.KVMirror
	if cfg.Mirror.Enabled {
		if mirror, err = registry.NewKVMirror(nc, registry.MirrorConfig{ClusterID: cfg.ClusterID, NodeID: self}); err != nil {
			return fmt.Errorf("create registry mirror: %w", err)
		}
		if err := mirror.Start(ctx); err != nil {
			return fmt.Errorf("start registry mirror: %w", err)
		}
		defer func() { _ = mirror.Stop() }()
	}

	tr, err := transport.NewNATSTransport(nc, transport.NATSConfig{ClusterID: cfg.ClusterID, Self: self})
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	d.tr.Store(tr)
	defer func() {
		d.tr.Store(nil)
		_ = tr.Close()
	}()

	sched, err := recovery.NewScheduler(recovery.Config{
		Self:             self,
		RetryInterval:    cfg.Recovery.RetryInterval,
		MaxRetryInterval: cfg.Recovery.MaxRetryInterval,
		CancelTimeout:    cfg.Recovery.CancelTimeout,
		AckTimeout:       cfg.Recovery.AckTimeout,
	}, recovery.Deps{
		Registry:  reg,
		Log:       l,
		Transport: tr,
		Codec:     mux,
		Source:    feed,
		Publisher: feed,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	sched.OnEvent(func(ev ha.Event) {
		d.logger.Debug("applied HA event", "event", ev.String(), "replay", ev.Replay)
	})
	receiver := recovery.NewReceiver(self, l, tr, mux, applier, sched)

	// Client surface.
	handler := intake.NewHandler(reg, l, applier, sched)
	svc, err := status.NewService(nc, status.ServiceConfig{
		ClusterID: cfg.ClusterID,
		NodeID:    self,
		Version:   strings.TrimPrefix(d.version, "v"),
	}, sched, handler)
	if err != nil {
		return fmt.Errorf("create status service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start status service: %w", err)
	}
	defer func() { _ = svc.Stop() }()

	var metricsLn net.Listener
	if cfg.Metrics.Listen != "" {
		if metricsLn, err = net.Listen("tcp", cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("listen for metrics: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if mirror != nil {
		mirror.Attach(gctx, reg)
	}

	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := receiver.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		pruner := dtmlog.NewPruner(l, dtmlog.PrunerConfig{
			Interval: cfg.Log.PruneInterval,
			OnPrune: func(n int) {
				prunedMetric.Add(float64(n))
			},
		})
		return pruner.Run(gctx)
	})
	if metricsLn != nil {
		g.Go(func() error {
			return d.serveMetrics(gctx, metricsLn)
		})
	}

	select {
	case <-sched.Subscribed():
	case <-gctx.Done():
	}

	d.mu.Lock()
	d.sched = sched
	if metricsLn != nil {
		d.metricsAddr = metricsLn.Addr().String()
	}
	close(d.ready)
	d.mu.Unlock()

	d.logger.Info("daemon started", "metrics", d.MetricsAddr())

	err = g.Wait()

	d.mu.Lock()
	d.sched = nil
	d.metricsAddr = ""
	d.ready = make(chan struct{})
	d.mu.Unlock()

	if err != nil {
		d.logger.Error("daemon stopped with error", "error", err)
		return err
	}
	d.logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) serveMetrics(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	d.logger.Info("metrics endpoint listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics server shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}
