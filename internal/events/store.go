package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/archive"
	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/store"
)

// Store is the append-only event log. Events are validated against the
// vocabulary and stamped with a server-side creation time.
type Store struct {
	db     store.EventStore
	vocab  Vocabulary
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(db store.EventStore, vocab Vocabulary, logger *zap.Logger) *Store {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &Store{
		db:     db,
		vocab:  vocab,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Vocabulary returns the accepted event kinds.
func (s *Store) Vocabulary() Vocabulary {
	return s.vocab
}

// Validate checks e against the vocabulary without storing it.
func (s *Store) Validate(e *store.Event) error {
	return s.vocab.Validate(e)
}

// Append validates e, stamps its creation time and stores it.
func (s *Store) Append(ctx context.Context, e *store.Event) error {
	if err := s.vocab.Validate(e); err != nil {
		return err
	}
	e.CreatedAt = s.now()
	return s.db.InsertEvents(ctx, []*store.Event{e})
}

// AppendBatch validates every event, then stores them all in one write.
// Events already stamped (for example at submission) keep their time.
func (s *Store) AppendBatch(ctx context.Context, events []*store.Event) error {
	now := s.now()
	for i, e := range events {
		if err := s.vocab.Validate(e); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
	return s.db.InsertEvents(ctx, events)
}

// Query returns events matching f, oldest first.
func (s *Store) Query(ctx context.Context, f store.EventFilter) ([]*store.Event, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}

	var events []*store.Event
	err := apperr.RetryOnce(ctx, func() error {
		var err error
		events, err = s.db.QueryEvents(ctx, f)
		return err
	})
	return events, err
}

// ProductStats summarizes the events of one product.
type ProductStats struct {
	ProductID string         `json:"product_id"`
	Counts    map[string]int `json:"counts"`
	Units     map[string]int `json:"units"`

	// ClickThrough is clicks per view, 0 without views.
	ClickThrough float64 `json:"click_through"`
}

// Aggregate groups matching events by product and kind.
func (s *Store) Aggregate(ctx context.Context, f store.EventFilter) ([]ProductStats, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}

	var rows []store.EventCount
	err := apperr.RetryOnce(ctx, func() error {
		var err error
		rows, err = s.db.AggregateEvents(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Rows arrive ordered by product.
	var out []ProductStats
	for _, r := range rows {
		if len(out) == 0 || out[len(out)-1].ProductID != r.ProductID {
			out = append(out, ProductStats{
				ProductID: r.ProductID,
				Counts:    map[string]int{},
				Units:     map[string]int{},
			})
		}
		ps := &out[len(out)-1]
		ps.Counts[r.Kind] = r.Count
		ps.Units[r.Kind] = r.Units
	}
	for i := range out {
		if views := out[i].Counts[KindView]; views > 0 {
			out[i].ClickThrough = float64(out[i].Counts[KindClick]) / float64(views)
		}
	}
	return out, nil
}

// DeleteOlderThan removes events created before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.db.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("deleted old events", zap.Time("cutoff", cutoff), zap.Int64("count", n))
	return n, nil
}

// Purge archives events older than cutoff to sink, then deletes them. With
// a nil sink it only deletes. Nothing is deleted if archiving fails.
func (s *Store) Purge(ctx context.Context, cutoff time.Time, sink archive.Sink) (int64, error) {
	if sink != nil {
		old, err := s.db.QueryEvents(ctx, store.EventFilter{Until: cutoff})
		if err != nil {
			return 0, err
		}
		if len(old) > 0 {
			data, err := archive.Encode(old)
			if err != nil {
				return 0, err
			}
			name := archive.ObjectName(cutoff)
			if err := sink.Put(ctx, name, data); err != nil {
				return 0, fmt.Errorf("failed to archive events: %w", err)
			}
			s.logger.Info("archived events", zap.String("object", name), zap.Int("count", len(old)))
		}
	}
	return s.DeleteOlderThan(ctx, cutoff)
}

func checkRange(f store.EventFilter) error {
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return apperr.Validation("from", "must be before to")
	}
	if f.Limit < 0 {
		return apperr.Validation("limit", "must not be negative")
	}
	return nil
}
