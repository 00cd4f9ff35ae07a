package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// ErrMirrorNotStarted is returned when the mirror is used before Start.
var ErrMirrorNotStarted = errors.New("registry mirror not started")

// MirrorConfig contains configuration for the registry mirror.
type MirrorConfig struct {
	ClusterID string
	NodeID    dtx.ParticipantID
}

// BucketName returns the auth-compatible KV bucket name for views.
// Format: dtm0-<cluster_id>-registry
func (c MirrorConfig) BucketName() string {
	return fmt.Sprintf("dtm0-%s-registry", c.ClusterID)
}

// ViewKey returns the key of viewer's entry for participant p.
// Format: views.<viewer>.<participant>
func (c MirrorConfig) ViewKey(viewer, p dtx.ParticipantID) string {
	return fmt.Sprintf("views.%s.%s", viewer, p)
}

// KVMirror publishes this node's registry view into NATS KV so operators
// can compare how each node sees the cluster. The mirror is informational;
// recovery never reads it back.
type KVMirror struct {
	cfg    MirrorConfig
	nc     *nats.Conn
	logger *slog.Logger

	mu      sync.RWMutex
	kv      jetstream.KeyValue
	running bool

	updates chan Participant
}

// NewKVMirror creates a mirror on an existing connection.
func NewKVMirror(nc *nats.Conn, cfg MirrorConfig) (*KVMirror, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("nodeID is required")
	}
	return &KVMirror{
		cfg:     cfg,
		nc:      nc,
		logger:  slog.Default().With("component", "kvmirror", "node", cfg.NodeID, "cluster", cfg.ClusterID),
		updates: make(chan Participant, 256),
	}, nil
}

// Start creates or gets the KV bucket.
func (m *KVMirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	js, err := jetstream.New(m.nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	bucket := m.cfg.BucketName()
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("DTM0 registry views for %s", m.cfg.ClusterID),
	})
	if err != nil {
		kv, err = js.KeyValue(ctx, bucket)
		if err != nil {
			return fmt.Errorf("create/get KV bucket %s: %w", bucket, err)
		}
	}
	m.kv = kv
	m.running = true

	m.logger.Info("registry mirror started", "bucket", bucket)
	return nil
}

func (m *KVMirror) bucket() (jetstream.KeyValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running || m.kv == nil {
		return nil, ErrMirrorNotStarted
	}
	return m.kv, nil
}

// Put writes one participant entry of this node's view.
func (m *KVMirror) Put(ctx context.Context, p Participant) error {
	kv, err := m.bucket()
	if err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	if _, err := kv.Put(ctx, m.cfg.ViewKey(m.cfg.NodeID, p.ID), data); err != nil {
		return fmt.Errorf("put view: %w", err)
	}
	return nil
}

// Attach publishes the current snapshot of reg and then every change
// until ctx ends. Registry writers never block on NATS: changes are
// queued and the oldest pending change is dropped on overflow.
func (m *KVMirror) Attach(ctx context.Context, reg *Registry) {
	reg.OnChange(func(p Participant) {
		for {
			select {
			case m.updates <- p:
				return
			default:
			}
			select {
			case <-m.updates:
			default:
			}
		}
	})

	go func() {
		for _, p := range reg.Participants() {
			if err := m.Put(ctx, p); err != nil {
				m.logger.Warn("failed to mirror participant", "participant", p.ID, "error", err)
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-m.updates:
				if err := m.Put(ctx, p); err != nil && ctx.Err() == nil {
					m.logger.Warn("failed to mirror participant", "participant", p.ID, "error", err)
				}
			}
		}
	}()
}

// Views returns every node's mirrored view, keyed by viewer.
func (m *KVMirror) Views(ctx context.Context) (map[dtx.ParticipantID][]Participant, error) {
	kv, err := m.bucket()
	if err != nil {
		return nil, err
	}

	views := make(map[dtx.ParticipantID][]Participant)
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return views, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	for _, key := range keys {
		// views.<viewer>.<participant>
		parts := strings.Split(key, ".")
		if len(parts) != 3 || parts[0] != "views" {
			continue
		}
		entry, err := kv.Get(ctx, key)
		if err != nil {
			m.logger.Warn("failed to get view entry", "key", key, "error", err)
			continue
		}
		var p Participant
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			m.logger.Warn("failed to unmarshal view entry", "key", key, "error", err)
			continue
		}
		viewer := dtx.ParticipantID(parts[1])
		views[viewer] = append(views[viewer], p)
	}
	for _, ps := range views {
		slices.SortFunc(ps, func(a, b Participant) int { return cmp.Compare(a.ID, b.ID) })
	}
	return views, nil
}

// Stop marks the mirror stopped. The connection is owned by the caller.
func (m *KVMirror) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.kv = nil
	m.logger.Info("registry mirror stopped")
	return nil
}
