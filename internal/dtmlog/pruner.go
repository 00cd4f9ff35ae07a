package dtmlog

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPruneInterval is used when PrunerConfig.Interval is zero.
const DefaultPruneInterval = 30 * time.Second

// PrunerConfig configures the log pruning daemon.
type PrunerConfig struct {
	Interval time.Duration
	// OnPrune, if set, is called with the number of records removed by
	// each pass that removed any.
	OnPrune func(n int)
}

// Pruner periodically removes records that every participant holds.
type Pruner struct {
	log    Log
	cfg    PrunerConfig
	logger *slog.Logger
}

// NewPruner creates a pruner for l.
func NewPruner(l Log, cfg PrunerConfig) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPruneInterval
	}
	return &Pruner{
		log:    l,
		cfg:    cfg,
		logger: slog.Default().With("component", "pruner"),
	}
}

// Run prunes on every tick until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pass(ctx)
		}
	}
}

func (p *Pruner) pass(ctx context.Context) {
	n, err := p.log.Prune(ctx)
	if err != nil {
		// Contention with the copy lock is expected; the next tick retries.
		p.logger.Warn("prune pass failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Debug("pruned log records", "count", n)
		if p.cfg.OnPrune != nil {
			p.cfg.OnPrune(n)
		}
	}
}
