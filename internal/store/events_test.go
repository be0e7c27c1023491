package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/marketkit/variantd/internal/store"
	"github.com/marketkit/variantd/internal/testutil"
)

func seedEvents(t *testing.T, s *store.SQLiteStore, base time.Time) {
	t.Helper()

	events := []*store.Event{
		{Kind: "view", UserID: "u1", ProductID: "p1", CreatedAt: base},
		{Kind: "view", UserID: "u1", ProductID: "p1", CreatedAt: base.Add(time.Second)},
		{Kind: "view", SessionID: "u1", ProductID: "p1", CreatedAt: base.Add(2 * time.Second)},
		{Kind: "click", UserID: "u2", ProductID: "p1", CreatedAt: base.Add(3 * time.Second)},
		{Kind: "view", UserID: "u2", ProductID: "p2", CreatedAt: base.Add(4 * time.Second)},
		{Kind: "purchase", UserID: "u1", Experiment: "hero", Variant: "control", CreatedAt: base.Add(5 * time.Second)},
		{Kind: "purchase", UserID: "u1", Experiment: "hero", Variant: "control", CreatedAt: base.Add(6 * time.Second)},
		{Kind: "purchase", SessionID: "s9", Experiment: "hero", Variant: "treatment", CreatedAt: base.Add(7 * time.Second)},
		{Kind: "search", SessionID: "s9", Metadata: map[string]any{"search": "boots"}, CreatedAt: base.Add(8 * time.Second)},
	}
	if err := s.InsertEvents(context.Background(), events); err != nil {
		t.Fatalf("failed to insert events: %v", err)
	}
}

func TestQueryEvents(t *testing.T) {
	s := testutil.SetupTestStore(t)
	base := time.Now().Add(-time.Hour)
	seedEvents(t, s, base)

	tests := []struct {
		name   string
		filter store.EventFilter
		want   int
	}{
		{"all", store.EventFilter{}, 9},
		{"by kind", store.EventFilter{Kinds: []string{"view"}}, 4},
		{"by kinds", store.EventFilter{Kinds: []string{"view", "click"}}, 5},
		{"by user", store.EventFilter{UserID: "u1"}, 4},
		{"by session", store.EventFilter{SessionID: "s9"}, 2},
		{"by product", store.EventFilter{ProductID: "p1"}, 4},
		{"by experiment variant", store.EventFilter{Experiment: "hero", Variant: "control"}, 2},
		{"half-open range", store.EventFilter{Since: base.Add(time.Second), Until: base.Add(3 * time.Second)}, 2},
		{"limit", store.EventFilter{Limit: 3}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryEvents(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("failed to query: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestQueryEvents_PreservesFields(t *testing.T) {
	s := testutil.SetupTestStore(t)
	base := time.Now().Add(-time.Hour)
	seedEvents(t, s, base)

	got, err := s.QueryEvents(context.Background(), store.EventFilter{Kinds: []string{"search"}})
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	e := got[0]
	if e.ID == 0 {
		t.Error("expected an assigned id")
	}
	if e.Metadata["search"] != "boots" {
		t.Errorf("metadata not preserved: %+v", e.Metadata)
	}
	if e.CreatedAt.UnixMilli() != base.Add(8*time.Second).UnixMilli() {
		t.Errorf("got CreatedAt %v", e.CreatedAt)
	}
}

func TestAggregateEvents(t *testing.T) {
	s := testutil.SetupTestStore(t)
	seedEvents(t, s, time.Now().Add(-time.Hour))

	counts, err := s.AggregateEvents(context.Background(), store.EventFilter{ProductID: "p1"})
	if err != nil {
		t.Fatalf("failed to aggregate: %v", err)
	}

	want := []store.EventCount{
		{ProductID: "p1", Kind: "click", Count: 1, Units: 1},
		// u1 as a user and u1 as a session are different units.
		{ProductID: "p1", Kind: "view", Count: 3, Units: 2},
	}
	if len(counts) != len(want) {
		t.Fatalf("got %+v, want %+v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("got %+v, want %+v", counts[i], want[i])
		}
	}
}

func createHero(t *testing.T, s *store.SQLiteStore, assigned time.Time, units ...store.Assignment) *store.Experiment {
	t.Helper()
	ctx := context.Background()

	exp := testutil.NewExperiment("hero")
	if err := s.CreateExperiment(ctx, exp); err != nil {
		t.Fatalf("failed to create experiment: %v", err)
	}
	for _, a := range units {
		a.ExperimentID = exp.ID
		a.AssignedAt = assigned
		if err := s.CreateAssignment(ctx, &a); err != nil {
			t.Fatalf("failed to create assignment: %v", err)
		}
	}
	return exp
}

func TestCountConversions_DistinctUnits(t *testing.T) {
	s := testutil.SetupTestStore(t)
	base := time.Now().Add(-time.Hour)
	exp := createHero(t, s, base,
		store.Assignment{UserID: "u1", Variant: "control"},
		store.Assignment{SessionID: "s9", Variant: "treatment"},
		store.Assignment{UserID: "u2", Variant: "control"},
	)
	seedEvents(t, s, base)

	counts, err := s.CountConversions(context.Background(), exp.ID, "purchase")
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}

	want := []store.VariantCount{{Variant: "control", Count: 1}, {Variant: "treatment", Count: 1}}
	if len(counts) != len(want) {
		t.Fatalf("got %+v, want %+v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Errorf("got %+v, want %+v", counts[i], want[i])
		}
	}
}

func TestCountConversions_OnlyAfterAssignment(t *testing.T) {
	s := testutil.SetupTestStore(t)
	base := time.Now().Add(-time.Hour)
	// Every hero purchase predates these assignments.
	exp := createHero(t, s, base.Add(time.Minute),
		store.Assignment{UserID: "u1", Variant: "control"},
		store.Assignment{SessionID: "s9", Variant: "treatment"},
	)
	seedEvents(t, s, base)

	counts, err := s.CountConversions(context.Background(), exp.ID, "purchase")
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("got %+v, want no conversions", counts)
	}
}

func TestCountConversions_IgnoresDeletedExperimentOfSameName(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	old := createHero(t, s, base, store.Assignment{UserID: "u1", Variant: "control"})
	seedEvents(t, s, base)
	if err := s.DeleteExperiment(ctx, old.ID, []store.Status{store.StatusDraft}); err != nil {
		t.Fatalf("failed to delete experiment: %v", err)
	}

	fresh := createHero(t, s, time.Now(), store.Assignment{UserID: "u1", Variant: "control"})

	counts, err := s.CountConversions(ctx, fresh.ID, "purchase")
	if err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("got %+v, want no conversions for the new experiment", counts)
	}
}

func TestDeleteEventsBefore(t *testing.T) {
	s := testutil.SetupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	seedEvents(t, s, base)

	n, err := s.DeleteEventsBefore(ctx, base.Add(4*time.Second))
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if n != 4 {
		t.Errorf("got %d deleted, want 4", n)
	}

	left, err := s.QueryEvents(ctx, store.EventFilter{})
	if err != nil {
		t.Fatalf("failed to query: %v", err)
	}
	if len(left) != 5 {
		t.Errorf("got %d remaining, want 5", len(left))
	}
}

func TestInsertEvents_Empty(t *testing.T) {
	s := testutil.SetupTestStore(t)

	if err := s.InsertEvents(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op: %v", err)
	}
}
