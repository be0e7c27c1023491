package assign

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/marketkit/variantd/internal/store"
)

// Pinned values: a change here reassigns unpersisted units.
func TestBucket_Pinned(t *testing.T) {
	pinned := map[string]int{
		"user-42":     80,
		"user-7":      56,
		"user-1":      59,
		"session-abc": 4,
		"sess-1":      98,
	}
	for unit, want := range pinned {
		assert.Equal(t, want, Bucket(unit), unit)
	}
}

func pick(t *testing.T, variants []store.Variant, bucket int) string {
	t.Helper()
	v, ok := SelectVariant(variants, bucket)
	if !ok {
		t.Fatalf("no variant selected for bucket %d", bucket)
	}
	return v.Name
}

func TestSelectVariant(t *testing.T) {
	ab := []store.Variant{{Name: "A", Share: 60}, {Name: "B", Share: 40}}

	tests := []struct {
		bucket int
		want   string
	}{
		{0, "A"},
		{55, "A"},
		{59, "A"},
		{60, "B"},
		{80, "B"},
		{99, "B"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pick(t, ab, tt.bucket), "bucket %d", tt.bucket)
	}
}

func TestSelectVariant_NoVariants(t *testing.T) {
	_, ok := SelectVariant(nil, 42)
	assert.False(t, ok)

	_, ok = SelectVariant([]store.Variant{}, 0)
	assert.False(t, ok)
}

func TestSelectVariant_UncoveredBucketFallsBackToFirst(t *testing.T) {
	variants := []store.Variant{{Name: "A", Share: 40}, {Name: "B", Share: 40}}
	assert.Equal(t, "B", pick(t, variants, 79))
	assert.Equal(t, "A", pick(t, variants, 80))
	assert.Equal(t, "A", pick(t, variants, 99))

	// Shares within tolerance of 100 still cover every bucket.
	thirds := []store.Variant{{Name: "A", Share: 33.33}, {Name: "B", Share: 33.33}, {Name: "C", Share: 33.33}}
	assert.Equal(t, "C", pick(t, thirds, 99))
}

func TestSelectVariant_EvenSplit(t *testing.T) {
	variants := []store.Variant{{Name: "A", Share: 50}, {Name: "B", Share: 50}}

	counts := map[string]int{}
	const units = 10000
	for i := 0; i < units; i++ {
		counts[pick(t, variants, Bucket(fmt.Sprintf("user-%d", i)))]++
	}

	for _, name := range []string{"A", "B"} {
		share := float64(counts[name]) / units
		assert.InDelta(t, 0.5, share, 0.05, "variant %s got %d of %d", name, counts[name], units)
	}
}

func TestProperty_BucketDeterministic(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("bucket is stable and in range", prop.ForAll(
		func(unit string) bool {
			b := Bucket(unit)
			return b >= 0 && b < Buckets && b == Bucket(unit)
		},
		gen.AnyString(),
	))

	properties.Property("selected variant is one of the variants", prop.ForAll(
		func(first int, bucket int) bool {
			variants := []store.Variant{{Name: "A", Share: float64(first)}, {Name: "B", Share: float64(100 - first)}}
			v, ok := SelectVariant(variants, bucket)
			if !ok {
				return false
			}
			if bucket < first {
				return v.Name == "A"
			}
			return v.Name == "B"
		},
		gen.IntRange(1, 99),
		gen.IntRange(0, 99),
	))

	properties.TestingRun(t)
}
