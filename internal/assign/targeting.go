package assign

import (
	"slices"

	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/store"
)

// Attributes are caller-supplied request attributes. Segment, Category,
// SellerID and OrderValue drive targeting; the rest is recorded with the
// assignment.
type Attributes struct {
	Segment    string
	Category   string
	SellerID   string
	OrderValue string
	UserAgent  string
	Origin     string
	Referrer   string
}

// Matches reports whether attrs satisfy t. Empty lists and bounds do not
// restrict; order-value bounds are inclusive. A bound with no order value,
// or an unparsable one, does not match.
func Matches(t store.Targeting, attrs Attributes) bool {
	if len(t.Segments) > 0 && !slices.Contains(t.Segments, attrs.Segment) {
		return false
	}
	if len(t.Categories) > 0 && !slices.Contains(t.Categories, attrs.Category) {
		return false
	}
	if len(t.Sellers) > 0 && !slices.Contains(t.Sellers, attrs.SellerID) {
		return false
	}

	if t.MinOrderValue == "" && t.MaxOrderValue == "" {
		return true
	}
	value, err := experiment.ParseAmount(attrs.OrderValue)
	if err != nil {
		return false
	}
	if t.MinOrderValue != "" {
		bound, err := experiment.ParseAmount(t.MinOrderValue)
		if err != nil || value.Cmp(bound) < 0 {
			return false
		}
	}
	if t.MaxOrderValue != "" {
		bound, err := experiment.ParseAmount(t.MaxOrderValue)
		if err != nil || value.Cmp(bound) > 0 {
			return false
		}
	}
	return true
}
