package events_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/store"
)

// fakeWriter records batches and fails while failing is set.
type fakeWriter struct {
	mu      sync.Mutex
	failing bool
	batches [][]*store.Event
}

func (w *fakeWriter) AppendBatch(_ context.Context, batch []*store.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing {
		return apperr.Transient("insert events", errors.New("database is locked"))
	}
	w.batches = append(w.batches, append([]*store.Event(nil), batch...))
	return nil
}

func (w *fakeWriter) setFailing(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing = v
}

func (w *fakeWriter) stored() []*store.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []*store.Event
	for _, b := range w.batches {
		all = append(all, b...)
	}
	return all
}

func (w *fakeWriter) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

func view(user string) *store.Event {
	return &store.Event{Kind: "view", UserID: user, ProductID: "p1"}
}

func newIngestor(w *fakeWriter, batchSize int, interval time.Duration) *events.Ingestor {
	return events.NewIngestorWithWriter(w, events.DefaultVocabulary(), events.IngestorConfig{
		BatchSize:     batchSize,
		FlushInterval: interval,
	}, nil)
}

func TestSubmit_ValidatesAndBuffers(t *testing.T) {
	w := &fakeWriter{}
	ing := newIngestor(w, 100, time.Hour)

	err := ing.Submit(&store.Event{Kind: "view", UserID: "u1"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, ing.Pending())

	e := view("u1")
	require.NoError(t, ing.Submit(e))
	assert.Equal(t, 1, ing.Pending())
	assert.False(t, e.CreatedAt.IsZero(), "submit stamps creation time")
	assert.Zero(t, w.batchCount(), "nothing written before a flush")
}

func TestFlush_WritesOneBatch(t *testing.T) {
	w := &fakeWriter{}
	ing := newIngestor(w, 100, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, ing.Submit(view(fmt.Sprintf("u%d", i))))
	}
	require.NoError(t, ing.Flush(ctx))

	assert.Equal(t, 1, w.batchCount())
	assert.Len(t, w.stored(), 5)
	assert.Zero(t, ing.Pending())

	// Empty flush writes nothing.
	require.NoError(t, ing.Flush(ctx))
	assert.Equal(t, 1, w.batchCount())
}

func TestFlush_RequeuesFailedBatchAtFront(t *testing.T) {
	w := &fakeWriter{failing: true}
	ing := newIngestor(w, 100, time.Hour)
	ctx := context.Background()

	require.NoError(t, ing.Submit(view("first")))
	require.NoError(t, ing.Submit(view("second")))

	err := ing.Flush(ctx)
	require.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, 2, ing.Pending(), "failed batch must not be dropped")

	require.NoError(t, ing.Submit(view("third")))

	w.setFailing(false)
	require.NoError(t, ing.Flush(ctx))

	stored := w.stored()
	require.Len(t, stored, 3)
	assert.Equal(t, "first", stored[0].UserID)
	assert.Equal(t, "second", stored[1].UserID)
	assert.Equal(t, "third", stored[2].UserID)
	assert.Zero(t, ing.Pending())
}

func TestRun_FlushesAtBatchSize(t *testing.T) {
	w := &fakeWriter{}
	ing := newIngestor(w, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, ing.Submit(view(fmt.Sprintf("u%d", i))))
	}

	require.Eventually(t, func() bool { return len(w.stored()) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_FlushesOnTimer(t *testing.T) {
	w := &fakeWriter{}
	ing := newIngestor(w, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Run(ctx)

	require.NoError(t, ing.Submit(view("u1")))

	require.Eventually(t, func() bool { return len(w.stored()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRun_FinalFlushOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	ing := newIngestor(w, 100, time.Hour)

	require.NoError(t, ing.Submit(view("u1")))
	require.NoError(t, ing.Submit(view("u2")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ing.Run(ctx))

	assert.Len(t, w.stored(), 2)
	assert.Zero(t, ing.Pending())
}

func TestSubmit_Concurrent(t *testing.T) {
	w := &fakeWriter{}
	ing := newIngestor(w, 50, time.Hour)
	ctx := context.Background()

	const (
		workers = 8
		each    = 250
	)
	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, ing.Submit(view(fmt.Sprintf("u%d-%d", g, i))))
				if i%40 == 0 {
					_ = ing.Flush(ctx)
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, ing.Flush(ctx))

	stored := w.stored()
	require.Len(t, stored, workers*each)

	seen := make(map[string]bool, len(stored))
	for _, e := range stored {
		assert.False(t, seen[e.UserID], "duplicate %s", e.UserID)
		seen[e.UserID] = true
	}
}

func TestIngestor_RoundTripThroughStore(t *testing.T) {
	s, _ := newEventStore(t)
	ing := events.NewIngestor(s, events.IngestorConfig{}, nil)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, ing.Submit(&store.Event{Kind: "add_to_cart", SessionID: "s1", ProductID: "p9"}))
	require.NoError(t, ing.Flush(ctx))

	got, err := s.Query(ctx, store.EventFilter{
		Kinds:     []string{"add_to_cart"},
		SessionID: "s1",
		ProductID: "p9",
		Since:     before,
		Until:     time.Now().Add(time.Second),
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
