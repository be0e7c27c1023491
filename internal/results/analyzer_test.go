package results_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/results"
	"github.com/marketkit/variantd/internal/store"
	"github.com/marketkit/variantd/internal/testutil"
)

// fakeCounts serves fixed tallies. Kinds map event kind to per-variant counts.
type fakeCounts struct {
	assigned  map[string]int
	kinds     map[string]map[string]int
	block     bool
	transient int32 // failures to return before succeeding
	calls     atomic.Int32
}

func (f *fakeCounts) CountAssignments(ctx context.Context, _ string) ([]store.VariantCount, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if atomic.AddInt32(&f.transient, -1) >= 0 {
		return nil, apperr.Transient("count assignments", errors.New("database is locked"))
	}
	return rows(f.assigned), nil
}

func (f *fakeCounts) CountConversions(_ context.Context, _, kind string) ([]store.VariantCount, error) {
	return rows(f.kinds[kind]), nil
}

func rows(m map[string]int) []store.VariantCount {
	var out []store.VariantCount
	for v, n := range m {
		out = append(out, store.VariantCount{Variant: v, Count: n})
	}
	return out
}

func startExperiment(t *testing.T, reg *experiment.Registry, def experiment.Definition) *store.Experiment {
	t.Helper()
	ctx := context.Background()
	exp, err := reg.Create(ctx, def)
	require.NoError(t, err)
	exp, err = reg.Start(ctx, exp.ID)
	require.NoError(t, err)
	return exp
}

func checkoutTest(minSamples int, end *time.Time) experiment.Definition {
	return experiment.Definition{
		Name: "checkout_test",
		Variants: []store.Variant{
			{Name: "A", Share: 50},
			{Name: "B", Share: 50},
		},
		SecondaryMetrics: []string{"click_through_rate"},
		MinSampleSize:    minSamples,
		EndAt:            end,
	}
}

func TestComputeResults(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))

	counts := &fakeCounts{
		assigned: map[string]int{"A": 1000, "B": 1000},
		kinds: map[string]map[string]int{
			"purchase": {"A": 300, "B": 200},
			"click":    {"A": 400, "B": 450},
		},
	}
	a := results.NewAnalyzer(reg, counts, time.Second, nil)

	report, err := a.ComputeResults(context.Background(), exp.ID)
	require.NoError(t, err)

	assert.Equal(t, "checkout_test", report.Experiment)
	assert.Equal(t, 2000, report.TotalSamples)
	assert.Equal(t, "A", report.Winner)
	assert.True(t, report.Significant)
	assert.False(t, report.Partial)
	assert.Greater(t, report.ZTestConfidence, 0.99)

	require.Len(t, report.Variants, 2)
	va, vb := report.Variants[0], report.Variants[1]
	assert.Equal(t, "A", va.Name)
	assert.InDelta(t, 0.30, va.Rate, 1e-9)
	assert.InDelta(t, 0.20, vb.Rate, 1e-9)
	assert.Greater(t, va.CILower, vb.CIUpper)

	assert.Equal(t, 450, vb.Metrics["click_through_rate"].Conversions)
	assert.InDelta(t, 0.45, vb.Metrics["click_through_rate"].Rate, 1e-9)
	assert.Equal(t, 300, va.Metrics["conversion_rate"].Conversions)
}

func TestComputeResults_OverlappingIntervals(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))

	counts := &fakeCounts{
		assigned: map[string]int{"A": 100, "B": 100},
		kinds:    map[string]map[string]int{"purchase": {"A": 22, "B": 20}},
	}
	report, err := results.NewAnalyzer(reg, counts, time.Second, nil).ComputeResults(context.Background(), exp.ID)
	require.NoError(t, err)

	assert.Equal(t, "A", report.Winner)
	assert.False(t, report.Significant)
}

func TestComputeResults_CapsConversionsAtSamples(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))

	counts := &fakeCounts{
		assigned: map[string]int{"A": 10},
		kinds:    map[string]map[string]int{"purchase": {"A": 15, "B": 3}},
	}
	report, err := results.NewAnalyzer(reg, counts, time.Second, nil).ComputeResults(context.Background(), exp.ID)
	require.NoError(t, err)

	assert.Equal(t, 10, report.Variants[0].Conversions)
	assert.Equal(t, 1.0, report.Variants[0].Rate)
	assert.Equal(t, 0, report.Variants[1].Conversions)
	assert.Equal(t, 0.0, report.Variants[1].Rate)
}

func TestComputeResults_TimeoutIsPartial(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))

	counts := &fakeCounts{block: true}
	a := results.NewAnalyzer(reg, counts, 20*time.Millisecond, nil)

	report, err := a.ComputeResults(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.True(t, report.Partial)
	assert.Equal(t, 0, report.TotalSamples)
	assert.False(t, report.Significant)

	_, err = a.CompleteExperiment(context.Background(), exp.ID)
	assert.ErrorIs(t, err, apperr.ErrTransient)

	got, err := reg.Get(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Nil(t, got.Results)
}

func TestComputeResults_CallerCancelIsError(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := results.NewAnalyzer(reg, &fakeCounts{block: true}, time.Minute, nil).ComputeResults(ctx, exp.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComputeResults_RetriesTransientOnce(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))

	counts := &fakeCounts{assigned: map[string]int{"A": 5, "B": 5}, transient: 1}
	report, err := results.NewAnalyzer(reg, counts, time.Second, nil).ComputeResults(context.Background(), exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, report.TotalSamples)
	assert.Equal(t, int32(2), counts.calls.Load())

	counts = &fakeCounts{assigned: map[string]int{"A": 5}, transient: 2}
	_, err = results.NewAnalyzer(reg, counts, time.Second, nil).ComputeResults(context.Background(), exp.ID)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, int32(2), counts.calls.Load())
}

func TestComputeResults_NotFound(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)

	_, err := results.NewAnalyzer(reg, db, time.Second, nil).ComputeResults(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestComputeResults_FromStore(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(1, nil))
	ctx := context.Background()

	var evs []*store.Event
	for i := 0; i < 10; i++ {
		variant := "A"
		if i%2 == 1 {
			variant = "B"
		}
		user := fmt.Sprintf("user-%d", i)
		require.NoError(t, db.CreateAssignment(ctx, &store.Assignment{
			ExperimentID: exp.ID, UserID: user, Variant: variant,
		}))
		if variant == "A" {
			// Repeat purchases by one unit count once.
			evs = append(evs,
				&store.Event{Kind: "purchase", UserID: user, Experiment: exp.Name, Variant: variant, CreatedAt: time.Now()},
				&store.Event{Kind: "purchase", UserID: user, Experiment: exp.Name, Variant: variant, CreatedAt: time.Now()},
			)
		}
	}
	require.NoError(t, db.InsertEvents(ctx, evs))

	report, err := results.NewAnalyzer(reg, db, time.Second, nil).ComputeResults(ctx, exp.ID)
	require.NoError(t, err)

	assert.Equal(t, 10, report.TotalSamples)
	assert.Equal(t, 5, report.Variants[0].Conversions)
	assert.Equal(t, 1.0, report.Variants[0].Rate)
	assert.Equal(t, 0, report.Variants[1].Conversions)
	assert.Equal(t, "A", report.Winner)
	assert.True(t, report.Significant)
}

func TestComputeResults_ReusedNameStartsFresh(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	ctx := context.Background()

	assignAll := func(exp *store.Experiment) {
		for i := 0; i < 10; i++ {
			require.NoError(t, db.CreateAssignment(ctx, &store.Assignment{
				ExperimentID: exp.ID, UserID: fmt.Sprintf("user-%d", i), Variant: "A",
			}))
		}
	}

	old := startExperiment(t, reg, checkoutTest(1, nil))
	assignAll(old)
	var evs []*store.Event
	for i := 0; i < 10; i++ {
		evs = append(evs, &store.Event{
			Kind: "purchase", UserID: fmt.Sprintf("user-%d", i),
			Experiment: old.Name, Variant: "A", CreatedAt: time.Now(),
		})
	}
	require.NoError(t, db.InsertEvents(ctx, evs))

	_, err := reg.Pause(ctx, old.ID)
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, old.ID))

	fresh := startExperiment(t, reg, checkoutTest(1, nil))
	assignAll(fresh)

	report, err := results.NewAnalyzer(reg, db, time.Second, nil).ComputeResults(ctx, fresh.ID)
	require.NoError(t, err)

	assert.Equal(t, 10, report.TotalSamples)
	assert.Equal(t, 0, report.Variants[0].Conversions)
	assert.Equal(t, 0.0, report.Variants[0].Rate)
	assert.False(t, report.Significant)
}

func TestAutoCompleteDue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name   string
		min    int
		end    *time.Time
		report *results.Report
		want   bool
	}{
		{"below minimum even if significant", 1000, &future, &results.Report{TotalSamples: 500, Significant: true}, false},
		{"end date passed below minimum", 1000, &past, &results.Report{TotalSamples: 10}, true},
		{"end date passed without report", 1000, &past, nil, true},
		{"minimum reached and significant", 1000, nil, &results.Report{TotalSamples: 1000, Significant: true}, true},
		{"minimum reached not significant", 1000, nil, &results.Report{TotalSamples: 5000}, false},
		{"partial never qualifies", 10, nil, &results.Report{TotalSamples: 5000, Significant: true, Partial: true}, false},
		{"zero minimum", 0, nil, &results.Report{Significant: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &store.Experiment{MinSampleSize: tt.min, EndAt: tt.end}
			assert.Equal(t, tt.want, results.AutoCompleteDue(exp, tt.report, now))
		})
	}
}

func TestShouldAutoComplete(t *testing.T) {
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	t.Run("not enough samples", func(t *testing.T) {
		db := testutil.SetupTestStore(t)
		reg := experiment.New(db, experiment.Config{}, nil)
		exp := startExperiment(t, reg, checkoutTest(1000, &future))

		counts := &fakeCounts{
			assigned: map[string]int{"A": 250, "B": 250},
			kinds:    map[string]map[string]int{"purchase": {"A": 200, "B": 10}},
		}
		due, err := results.NewAnalyzer(reg, counts, time.Second, nil).ShouldAutoComplete(ctx, exp.ID)
		require.NoError(t, err)
		assert.False(t, due)
	})

	t.Run("end date passed", func(t *testing.T) {
		db := testutil.SetupTestStore(t)
		reg := experiment.New(db, experiment.Config{}, nil)
		exp := startExperiment(t, reg, checkoutTest(1000, &past))

		counts := &fakeCounts{assigned: map[string]int{"A": 5, "B": 5}}
		due, err := results.NewAnalyzer(reg, counts, time.Second, nil).ShouldAutoComplete(ctx, exp.ID)
		require.NoError(t, err)
		assert.True(t, due)
		assert.Equal(t, int32(0), counts.calls.Load())
	})
}

func TestCompleteExperiment(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	exp := startExperiment(t, reg, checkoutTest(100, nil))
	ctx := context.Background()

	counts := &fakeCounts{
		assigned: map[string]int{"A": 1000, "B": 1000},
		kinds:    map[string]map[string]int{"purchase": {"A": 300, "B": 200}},
	}
	a := results.NewAnalyzer(reg, counts, time.Second, nil)

	done, err := a.CompleteExperiment(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	require.NotNil(t, done.Results)
	assert.Equal(t, "A", done.Results.Winner)
	assert.True(t, done.Results.Significant)
	require.Len(t, done.Results.Variants, 2)
	assert.Equal(t, 300, done.Results.Variants[0].Conversions)

	// Completed experiments are frozen.
	_, err = a.CompleteExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCompleteExperiment_Draft(t *testing.T) {
	db := testutil.SetupTestStore(t)
	reg := experiment.New(db, experiment.Config{}, nil)
	ctx := context.Background()

	exp, err := reg.Create(ctx, checkoutTest(100, nil))
	require.NoError(t, err)

	_, err = results.NewAnalyzer(reg, db, time.Second, nil).CompleteExperiment(ctx, exp.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := reg.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDraft, got.Status)
}
