package testutil

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marketkit/variantd/internal/store"
)

// SetupTestStore creates a test database and returns the store.
// Uses t.TempDir() for automatic cleanup on test completion.
func SetupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// NewExperiment returns a valid draft experiment with two 50/50 variants.
func NewExperiment(name string) *store.Experiment {
	now := time.Now()
	return &store.Experiment{
		ID:     uuid.NewString(),
		Name:   name,
		Status: store.StatusDraft,
		Variants: []store.Variant{
			{Name: "control", Share: 50, Config: json.RawMessage(`{"layout":"grid"}`)},
			{Name: "treatment", Share: 50, Config: json.RawMessage(`{"layout":"list"}`)},
		},
		PrimaryMetric:   "conversion_rate",
		MinSampleSize:   100,
		ConfidenceLevel: 0.95,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
