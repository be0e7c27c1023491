package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/archive"
	"github.com/marketkit/variantd/internal/logging"
)

// Retention periodically purges events older than a fixed age.
type Retention struct {
	store    *Store
	sink     archive.Sink
	keep     time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRetention keeps days of events, archiving older ones to sink when it
// is not nil.
func NewRetention(s *Store, sink archive.Sink, days int, interval time.Duration, logger *zap.Logger) *Retention {
	return &Retention{
		store:    s,
		sink:     sink,
		keep:     time.Duration(days) * 24 * time.Hour,
		interval: interval,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Sweep purges once and returns the number of deleted events.
func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	return r.store.Purge(ctx, r.now().Add(-r.keep), r.sink)
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("event retention sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
