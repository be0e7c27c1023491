package assign

import (
	"github.com/spaolacci/murmur3"

	"github.com/marketkit/variantd/internal/store"
)

// Buckets is the size of the bucket space; shares are percentages of it.
const Buckets = 100

// Bucket maps a unit id to [0, 100) with 32-bit murmur3 (seed 0). The value
// is stable across processes and releases: changing it reassigns every
// unit that has not been persisted yet.
func Bucket(unitID string) int {
	return int(murmur3.Sum32([]byte(unitID)) % Buckets)
}

// SelectVariant walks variants in declaration order and returns the first
// whose cumulative share exceeds bucket. If rounding leaves bucket uncovered
// the first variant is returned. It reports false when there are no variants.
func SelectVariant(variants []store.Variant, bucket int) (store.Variant, bool) {
	if len(variants) == 0 {
		return store.Variant{}, false
	}
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.Share
		if cumulative > float64(bucket) {
			return v, true
		}
	}
	return variants[0], true
}
