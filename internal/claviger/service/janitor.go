package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
)

// Janitor periodically deletes decision-log records older than a retention
// period. A retention of 0 disables it.
type Janitor struct {
	log       store.DecisionLog
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
}

// JanitorConfig holds the parameters for NewJanitor.
type JanitorConfig struct {
	// RetentionDays is how many days of decisions to keep. 0 keeps
	// everything.
	RetentionDays int

	// IntervalHours is how often the janitor runs. Defaults to 6.
	IntervalHours int
}

// NewJanitor creates a janitor but does not start it.
func NewJanitor(dl store.DecisionLog, cfg JanitorConfig, logger *slog.Logger) *Janitor {
	interval := time.Duration(cfg.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Janitor{
		log:       dl,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		logger:    logger.With(slog.String("component", "janitor")),
		done:      make(chan struct{}),
	}
}

// Start prunes once immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 {
		j.logger.Info("decision log pruning disabled (retention=0)")
		close(j.done)
		return
	}

	ctx, j.cancel = context.WithCancel(ctx)
	go j.loop(ctx)

	j.logger.Info("janitor started",
		slog.Int("retention_days", int(j.retention.Hours()/24)),
		slog.Duration("interval", j.interval),
	)
}

// Stop signals the janitor to exit and waits for it. Safe to call more
// than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		if j.cancel != nil {
			j.cancel()
		}
	})
	<-j.done
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	j.PruneOnce(ctx)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes every decision older than the retention and returns
// how many went. It does nothing when pruning is disabled.
func (j *Janitor) PruneOnce(ctx context.Context) int64 {
	if j.retention <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-j.retention)
	deleted, err := j.log.PruneOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Warn("decision prune failed", slog.String("error", err.Error()))
		return 0
	}
	if deleted > 0 {
		j.logger.Info("decision prune",
			slog.Int64("deleted", deleted),
			slog.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
	return deleted
}
