package experiment

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// Amount is an exact decimal order value.
type Amount struct {
	value apd.Decimal
}

// ParseAmount parses a finite, non-negative decimal such as "19.99".
func ParseAmount(s string) (Amount, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Amount{}, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return Amount{}, fmt.Errorf("invalid decimal %q: must be finite", s)
	}
	if d.Negative && !d.IsZero() {
		return Amount{}, fmt.Errorf("invalid decimal %q: must not be negative", s)
	}
	return Amount{value: d}, nil
}

func (a Amount) Cmp(other Amount) int {
	return a.value.Cmp(&other.value)
}

func (a Amount) String() string {
	return a.value.String()
}
