package assign

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketkit/variantd/internal/store"
)

func TestMatches(t *testing.T) {
	rules := store.Targeting{
		Segments:      []string{"vip", "returning"},
		Categories:    []string{"shoes"},
		MinOrderValue: "25.00",
		MaxOrderValue: "100",
	}

	tests := []struct {
		name  string
		attrs Attributes
		want  bool
	}{
		{"all match", Attributes{Segment: "vip", Category: "shoes", OrderValue: "50"}, true},
		{"min bound inclusive", Attributes{Segment: "vip", Category: "shoes", OrderValue: "25"}, true},
		{"max bound inclusive", Attributes{Segment: "returning", Category: "shoes", OrderValue: "100.00"}, true},
		{"below min", Attributes{Segment: "vip", Category: "shoes", OrderValue: "24.99"}, false},
		{"above max", Attributes{Segment: "vip", Category: "shoes", OrderValue: "100.01"}, false},
		{"wrong segment", Attributes{Segment: "new", Category: "shoes", OrderValue: "50"}, false},
		{"wrong category", Attributes{Segment: "vip", Category: "hats", OrderValue: "50"}, false},
		{"missing order value", Attributes{Segment: "vip", Category: "shoes"}, false},
		{"garbage order value", Attributes{Segment: "vip", Category: "shoes", OrderValue: "lots"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(rules, tt.attrs))
		})
	}
}

func TestMatches_NoRules(t *testing.T) {
	assert.True(t, Matches(store.Targeting{}, Attributes{}))
	assert.True(t, Matches(store.Targeting{}, Attributes{Segment: "anything", OrderValue: "junk"}))
}

func TestMatches_Sellers(t *testing.T) {
	rules := store.Targeting{Sellers: []string{"s-1"}}
	assert.True(t, Matches(rules, Attributes{SellerID: "s-1"}))
	assert.False(t, Matches(rules, Attributes{SellerID: "s-2"}))
	assert.False(t, Matches(rules, Attributes{}))
}
