package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/metrics"
	"github.com/marketkit/variantd/internal/store"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 30 * time.Second

	// finalFlushTimeout bounds the flush performed when Run stops.
	finalFlushTimeout = 10 * time.Second
)

// BatchWriter stores a batch of events in one call.
type BatchWriter interface {
	AppendBatch(ctx context.Context, events []*store.Event) error
}

// Validator checks an event before it is buffered.
type Validator interface {
	Validate(e *store.Event) error
}

// Ingestor buffers events in memory and writes them in batches, either when
// the buffer reaches the batch size or on a timer. Failed batches go back to
// the front of the buffer, so delivery is at-least-once. Events still
// buffered when the process dies are lost.
type Ingestor struct {
	writer    BatchWriter
	validator Validator
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []*store.Event

	// flushMu serializes flushes so a requeued batch keeps its place.
	flushMu sync.Mutex
	trigger chan struct{}
}

// IngestorConfig configures an Ingestor. Zero values take the defaults.
type IngestorConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// NewIngestor creates an ingestor writing to s, which also validates.
func NewIngestor(s *Store, cfg IngestorConfig, logger *zap.Logger) *Ingestor {
	return NewIngestorWithWriter(s, s, cfg, logger)
}

// NewIngestorWithWriter creates an ingestor with a separate writer and validator.
func NewIngestorWithWriter(w BatchWriter, v Validator, cfg IngestorConfig, logger *zap.Logger) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Ingestor{
		writer:    w,
		validator: v,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		trigger:   make(chan struct{}, 1),
	}
}

// Submit validates e, stamps its creation time and buffers it. Reaching the
// batch size wakes Run for an immediate flush. Safe for concurrent use.
func (i *Ingestor) Submit(e *store.Event) error {
	if err := i.validator.Validate(e); err != nil {
		return err
	}
	e.CreatedAt = i.now()

	i.mu.Lock()
	i.pending = append(i.pending, e)
	n := len(i.pending)
	i.mu.Unlock()

	metrics.EventsSubmitted.WithLabelValues(e.Kind).Inc()
	metrics.IngestPending.Set(float64(n))

	if n >= i.batchSize {
		select {
		case i.trigger <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of buffered events.
func (i *Ingestor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Flush writes everything buffered as one batch. On failure the batch is put
// back ahead of events submitted meanwhile and the error is returned.
func (i *Ingestor) Flush(ctx context.Context) error {
	i.flushMu.Lock()
	defer i.flushMu.Unlock()

	i.mu.Lock()
	batch := i.pending
	i.pending = nil
	i.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := i.writer.AppendBatch(ctx, batch); err != nil {
		i.mu.Lock()
		i.pending = append(batch, i.pending...)
		n := len(i.pending)
		i.mu.Unlock()

		metrics.IngestFlushes.WithLabelValues("error").Inc()
		metrics.IngestPending.Set(float64(n))
		i.logger.Warn("event flush failed, batch requeued",
			zap.Int("batch", len(batch)), zap.Int("pending", n), zap.Error(err))
		return err
	}

	metrics.IngestFlushes.WithLabelValues("ok").Inc()
	metrics.IngestPending.Set(float64(i.Pending()))
	i.logger.Debug("flushed events", zap.Int("count", len(batch)))
	return nil
}

// Run flushes on every tick and whenever the batch size is reached, until
// ctx is cancelled. It then flushes one last time.
func (i *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
			return i.Flush(flushCtx)
		case <-ticker.C:
		case <-i.trigger:
		}
		// Failures are logged and retried on the next cycle.
		_ = i.Flush(ctx)
	}
}
