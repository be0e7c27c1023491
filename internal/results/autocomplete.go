package results

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/store"
)

// ActiveSource lists the experiments to sweep.
type ActiveSource interface {
	Active() []*store.Experiment
}

// AutoCompleter periodically completes active experiments that are due.
type AutoCompleter struct {
	analyzer *Analyzer
	active   ActiveSource
	interval time.Duration
	logger   *zap.Logger
}

func NewAutoCompleter(analyzer *Analyzer, active ActiveSource, interval time.Duration, logger *zap.Logger) *AutoCompleter {
	return &AutoCompleter{
		analyzer: analyzer,
		active:   active,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Sweep checks every active experiment once and returns the names of the
// ones it completed. A failure on one experiment does not stop the sweep.
func (c *AutoCompleter) Sweep(ctx context.Context) []string {
	var completed []string
	for _, exp := range c.active.Active() {
		if ctx.Err() != nil {
			break
		}

		due, err := c.analyzer.ShouldAutoComplete(ctx, exp.ID)
		if err != nil {
			c.logger.Warn("auto-complete check failed", zap.String("experiment", exp.Name), zap.Error(err))
			continue
		}
		if !due {
			continue
		}

		if _, err := c.analyzer.CompleteExperiment(ctx, exp.ID); err != nil {
			c.logger.Warn("auto-complete failed", zap.String("experiment", exp.Name), zap.Error(err))
			continue
		}
		completed = append(completed, exp.Name)
	}
	return completed
}

// Run sweeps on every interval until ctx is cancelled.
func (c *AutoCompleter) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if done := c.Sweep(ctx); len(done) > 0 {
				c.logger.Info("auto-completed experiments", zap.Strings("experiments", done))
			}
		}
	}
}
