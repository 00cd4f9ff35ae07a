// Package recovery implements the DTM0 recovery scheduler and its tasks:
// local recovery of this node's log, remote recovery pushing the log to
// a recovering peer, and eviction of a failed participant's records.
package recovery

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
)

// Default timings.
const (
	DefaultRetryInterval    = 200 * time.Millisecond
	DefaultMaxRetryInterval = 10 * time.Second
	DefaultCancelTimeout    = 5 * time.Second
	DefaultAckTimeout       = 15 * time.Second
)

// Config configures the scheduler and its tasks.
type Config struct {
	Self dtx.ParticipantID

	// RetryInterval and MaxRetryInterval bound the exponential backoff used
	// for redialing links, stale copy-outs and readiness publication.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	// CancelTimeout bounds how long the scheduler waits for a cancelled
	// task to release its resources.
	CancelTimeout time.Duration

	// AckTimeout is how long a pusher waits for an acknowledgement before
	// treating the link as failed.
	AckTimeout time.Duration
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = DefaultMaxRetryInterval
	}
	if c.MaxRetryInterval < c.RetryInterval {
		c.MaxRetryInterval = c.RetryInterval
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = DefaultCancelTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Self.ValidateToken(); err != nil {
		return fmt.Errorf("self: %w", err)
	}
	return nil
}

// newBackOff returns an unbounded exponential backoff.
func (c Config) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RetryInterval
	b.MaxInterval = c.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
