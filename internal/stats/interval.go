package stats

import (
	"fmt"
	"math"
)

// Supported confidence levels and their two-sided z-scores.
var zScores = map[float64]float64{
	0.95: 1.96,
	0.99: 2.58,
}

// ZScore returns the z-score for a supported confidence level.
// Only 0.95 (z=1.96) and 0.99 (z=2.58) are supported.
func ZScore(confidence float64) (float64, error) {
	z, ok := zScores[confidence]
	if !ok {
		return 0, fmt.Errorf("unsupported confidence level %v (supported: 0.95, 0.99)", confidence)
	}
	return z, nil
}

// SupportedConfidence reports whether confidence has a known z-score.
func SupportedConfidence(confidence float64) bool {
	_, ok := zScores[confidence]
	return ok
}

// Rate returns conversions/samples, or 0 with no samples.
func Rate(conversions, samples int) float64 {
	if samples <= 0 {
		return 0
	}
	return float64(conversions) / float64(samples)
}

// NormalInterval calculates the normal-approximation confidence interval
// rate ± z·sqrt(rate·(1−rate)/n), clamped to [0, 1].
// It is a poor fit for small samples and rates near 0 or 1.
func NormalInterval(conversions, samples int, z float64) (lower, upper float64) {
	if samples <= 0 {
		return 0, 0
	}

	p := Rate(conversions, samples)
	spread := z * math.Sqrt(p*(1-p)/float64(samples))

	lower = p - spread
	upper = p + spread

	// Clamp to [0, 1]
	if lower < 0 {
		lower = 0
	}
	if upper > 1 {
		upper = 1
	}

	return lower, upper
}
