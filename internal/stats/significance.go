package stats

import (
	"math"
	"sort"
)

// VariantStat is the measured outcome of one variant.
type VariantStat struct {
	Name        string
	Samples     int
	Conversions int
	Rate        float64
	CILower     float64
	CIUpper     float64
}

// Summarize computes the rate and confidence interval for one variant.
func Summarize(name string, conversions, samples int, z float64) VariantStat {
	lower, upper := NormalInterval(conversions, samples, z)
	return VariantStat{
		Name:        name,
		Samples:     samples,
		Conversions: conversions,
		Rate:        Rate(conversions, samples),
		CILower:     lower,
		CIUpper:     upper,
	}
}

// DetermineWinner returns the index of the variant with the highest rate.
// Ties go to the earliest variant. Returns -1 for an empty list.
func DetermineWinner(variants []VariantStat) int {
	winner := -1
	for i, v := range variants {
		if winner == -1 || v.Rate > variants[winner].Rate {
			winner = i
		}
	}
	return winner
}

// CheckSignificance reports whether the best variant's interval lies
// entirely above the second best's: best.CILower > second.CIUpper.
//
// This is a conservative non-overlap heuristic, not a hypothesis test. It
// can call a real difference insignificant, and it ignores the number of
// comparisons when there are more than two variants.
func CheckSignificance(variants []VariantStat) bool {
	if len(variants) < 2 {
		return false
	}

	ranked := make([]VariantStat, len(variants))
	copy(ranked, variants)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Rate > ranked[j].Rate
	})

	return ranked[0].CILower > ranked[1].CIUpper
}

// ZTestConfidence performs a two-proportion z-test.
// Returns confidence level (0-1) that variant A beats variant B.
// It is informational only; CheckSignificance decides significance.
func ZTestConfidence(aConv, aSamples, bConv, bSamples int) float64 {
	if aSamples == 0 || bSamples == 0 {
		return 0.5 // Need data from both variants
	}

	pA := float64(aConv) / float64(aSamples)
	pB := float64(bConv) / float64(bSamples)

	// Pooled proportion under null hypothesis (pA = pB)
	pooledP := float64(aConv+bConv) / float64(aSamples+bSamples)

	se := math.Sqrt(pooledP * (1 - pooledP) * (1/float64(aSamples) + 1/float64(bSamples)))
	if se == 0 {
		switch {
		case pA > pB:
			return 1.0
		case pA < pB:
			return 0.0
		}
		return 0.5
	}

	return normalCDF((pA - pB) / se)
}

// normalCDF approximates the cumulative distribution function
// of the standard normal distribution
func normalCDF(x float64) float64 {
	// Abramowitz and Stegun, formula 7.1.26
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}
