package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// ErrSequencerNotStarted is returned when Next is called before Start.
var ErrSequencerNotStarted = errors.New("sequencer not started")

// maxCASAttempts bounds the compare-and-swap loop of Next.
const maxCASAttempts = 64

// SequencerConfig contains configuration for the KV sequencer.
type SequencerConfig struct {
	ClusterID string
}

// BucketName returns the KV bucket holding the last sequence per originator.
// Format: dtm0-<cluster_id>-seq
func (c SequencerConfig) BucketName() string {
	return fmt.Sprintf("dtm0-%s-seq", c.ClusterID)
}

// KVSequencer hands out per-originator transaction sequence numbers. Each
// originator's counter is a KV entry advanced with compare-and-swap, so
// concurrent clients of the same originator never share a number.
type KVSequencer struct {
	cfg    SequencerConfig
	nc     *nats.Conn
	logger *slog.Logger

	mu      sync.RWMutex
	kv      jetstream.KeyValue
	running bool
}

// NewKVSequencer creates a sequencer on an existing connection.
func NewKVSequencer(nc *nats.Conn, cfg SequencerConfig) (*KVSequencer, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	return &KVSequencer{
		cfg:    cfg,
		nc:     nc,
		logger: slog.Default().With("component", "sequencer", "cluster", cfg.ClusterID),
	}, nil
}

// Start creates or gets the KV bucket.
func (s *KVSequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	js, err := jetstream.New(s.nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}

	bucket := s.cfg.BucketName()
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("DTM0 transaction sequences for %s", s.cfg.ClusterID),
		History:     1,
	})
	if err != nil {
		kv, err = js.KeyValue(ctx, bucket)
		if err != nil {
			return fmt.Errorf("create/get KV bucket %s: %w", bucket, err)
		}
	}
	s.kv = kv
	s.running = true

	s.logger.Info("sequencer started", "bucket", bucket)
	return nil
}

// Stop marks the sequencer stopped. The connection is owned by the caller.
func (s *KVSequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.kv = nil
}

// Next allocates the next transaction id for originator.
func (s *KVSequencer) Next(ctx context.Context, originator dtx.ParticipantID) (dtx.TxID, error) {
	if err := originator.ValidateToken(); err != nil {
		return dtx.TxID{}, fmt.Errorf("originator: %w", err)
	}

	s.mu.RLock()
	kv := s.kv
	running := s.running
	s.mu.RUnlock()
	if !running || kv == nil {
		return dtx.TxID{}, ErrSequencerNotStarted
	}

	key := string(originator)
	var seq uint64
	op := func() error {
		entry, err := kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			if _, err := kv.Create(ctx, key, []byte("1")); err != nil {
				return fmt.Errorf("create counter: %w", err)
			}
			seq = 1
			return nil
		case err != nil:
			return backoff.Permanent(fmt.Errorf("get counter: %w", err))
		}

		last, err := strconv.ParseUint(string(entry.Value()), 10, 64)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("corrupt counter for %s: %w", originator, err))
		}
		next := last + 1
		if _, err := kv.Update(ctx, key, []byte(strconv.FormatUint(next, 10)), entry.Revision()); err != nil {
			return fmt.Errorf("advance counter: %w", err)
		}
		seq = next
		return nil
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), maxCASAttempts)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return dtx.TxID{}, fmt.Errorf("allocate sequence for %s: %w", originator, err)
	}
	return dtx.TxID{Originator: originator, Seq: seq}, nil
}
