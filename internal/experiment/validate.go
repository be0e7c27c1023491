package experiment

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/stats"
	"github.com/marketkit/variantd/internal/store"
)

const (
	MaxNameLength = 100

	// ShareTolerance absorbs rounding in shares such as 33.33/33.33/33.34.
	ShareTolerance = 0.01
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// metricKinds maps each metric to the event kind counted as its conversion.
var metricKinds = map[string]string{
	"conversion_rate":    events.KindPurchase,
	"click_through_rate": events.KindClick,
	"add_to_cart_rate":   events.KindAddToCart,
	"engagement_rate":    events.KindView,
	"outbound_rate":      events.KindOutboundClick,
}

// ConversionKind returns the event kind counted as a conversion for metric.
func ConversionKind(metric string) (string, bool) {
	kind, ok := metricKinds[metric]
	return kind, ok
}

// Validate checks an experiment definition.
func Validate(exp *store.Experiment) error {
	if exp.Name == "" {
		return apperr.Validation("name", "is required")
	}
	if len(exp.Name) > MaxNameLength {
		return apperr.Validation("name", "must be at most %d characters", MaxNameLength)
	}
	if !namePattern.MatchString(exp.Name) {
		return apperr.Validation("name", "must contain only lowercase letters, numbers, hyphens, and underscores")
	}

	if err := validateVariants(exp.Variants); err != nil {
		return err
	}

	if _, ok := ConversionKind(exp.PrimaryMetric); !ok {
		return apperr.Validation("primary_metric", "unknown metric %q (must be one of %s)", exp.PrimaryMetric, metricList())
	}
	for i, m := range exp.SecondaryMetrics {
		if _, ok := ConversionKind(m); !ok {
			return apperr.Validation(fieldIndex("secondary_metrics", i), "unknown metric %q (must be one of %s)", m, metricList())
		}
	}

	if exp.MinSampleSize < 0 {
		return apperr.Validation("min_sample_size", "must not be negative")
	}
	if !stats.SupportedConfidence(exp.ConfidenceLevel) {
		return apperr.Validation("confidence_level", "must be 0.95 or 0.99, got %v", exp.ConfidenceLevel)
	}
	if exp.StartAt != nil && exp.EndAt != nil && exp.EndAt.Before(*exp.StartAt) {
		return apperr.Validation("end_at", "must not be before start_at")
	}

	return validateTargeting(exp.Targeting)
}

func validateVariants(variants []store.Variant) error {
	if len(variants) < 2 {
		return apperr.Validation("variants", "at least 2 variants are required, got %d", len(variants))
	}

	seen := make(map[string]bool, len(variants))
	names := make([]string, len(variants))
	sum := 0.0
	for i, v := range variants {
		if strings.TrimSpace(v.Name) == "" {
			return apperr.Validation(fieldIndex("variants", i)+".name", "is required")
		}
		if seen[v.Name] {
			return apperr.Validation(fieldIndex("variants", i)+".name", "duplicate variant %q", v.Name)
		}
		seen[v.Name] = true
		if math.IsNaN(v.Share) || v.Share <= 0 || v.Share > 100 {
			return apperr.Validation(fieldIndex("variants", i)+".share", "variant %q share must be in (0, 100], got %v", v.Name, v.Share)
		}
		names[i] = v.Name
		sum += v.Share
	}

	if math.Abs(sum-100) > ShareTolerance {
		return apperr.Validation("variants", "shares of [%s] sum to %v, must sum to 100", strings.Join(names, ", "), sum)
	}
	return nil
}

func validateTargeting(t store.Targeting) error {
	var minAmount, maxAmount Amount
	var err error
	if t.MinOrderValue != "" {
		if minAmount, err = ParseAmount(t.MinOrderValue); err != nil {
			return apperr.Validation("targeting.min_order_value", "%v", err)
		}
	}
	if t.MaxOrderValue != "" {
		if maxAmount, err = ParseAmount(t.MaxOrderValue); err != nil {
			return apperr.Validation("targeting.max_order_value", "%v", err)
		}
	}
	if t.MinOrderValue != "" && t.MaxOrderValue != "" && minAmount.Cmp(maxAmount) > 0 {
		return apperr.Validation("targeting.min_order_value", "must not exceed max_order_value")
	}
	return nil
}

func fieldIndex(field string, i int) string {
	return fmt.Sprintf("%s[%d]", field, i)
}

func metricList() string {
	return "conversion_rate, click_through_rate, add_to_cart_rate, engagement_rate, outbound_rate"
}
