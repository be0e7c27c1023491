// Package results measures experiments and decides when they are done.
package results

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/marketkit/variantd/internal/apperr"
	"github.com/marketkit/variantd/internal/experiment"
	"github.com/marketkit/variantd/internal/logging"
	"github.com/marketkit/variantd/internal/stats"
	"github.com/marketkit/variantd/internal/store"
)

const DefaultQueryTimeout = 10 * time.Second

// Experiments is the registry view the analyzer needs.
type Experiments interface {
	Get(ctx context.Context, id string) (*store.Experiment, error)
	Complete(ctx context.Context, id string, results *store.ResultSet) (*store.Experiment, error)
}

// Counts supplies assignment and conversion tallies.
type Counts interface {
	CountAssignments(ctx context.Context, experimentID string) ([]store.VariantCount, error)
	CountConversions(ctx context.Context, experimentID, kind string) ([]store.VariantCount, error)
}

// Report is the measured state of an experiment.
type Report struct {
	ExperimentID    string                 `json:"experiment_id"`
	Experiment      string                 `json:"experiment"`
	Status          store.Status           `json:"status"`
	PrimaryMetric   string                 `json:"primary_metric"`
	ConfidenceLevel float64                `json:"confidence_level"`
	Variants        []store.VariantSummary `json:"variants"`
	TotalSamples    int                    `json:"total_samples"`
	Winner          string                 `json:"winner"`

	// Significant uses the non-overlapping interval heuristic of
	// stats.CheckSignificance.
	Significant bool `json:"significant"`

	// ZTestConfidence is the two-proportion z-test confidence that the
	// winner beats the runner-up. Informational only.
	ZTestConfidence float64 `json:"ztest_confidence"`

	// Partial is set when a query timed out; counts may be incomplete.
	Partial    bool      `json:"partial"`
	ComputedAt time.Time `json:"computed_at"`
}

// ResultSet converts the report into the form attached on completion.
func (r *Report) ResultSet() *store.ResultSet {
	return &store.ResultSet{
		Winner:      r.Winner,
		Significant: r.Significant,
		Variants:    r.Variants,
		CompletedAt: r.ComputedAt,
	}
}

type Analyzer struct {
	experiments Experiments
	counts      Counts
	timeout     time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func NewAnalyzer(experiments Experiments, counts Counts, queryTimeout time.Duration, logger *zap.Logger) *Analyzer {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}
	return &Analyzer{
		experiments: experiments,
		counts:      counts,
		timeout:     queryTimeout,
		logger:      logging.OrNop(logger),
		tracer:      otel.Tracer("github.com/marketkit/variantd/internal/results"),
		now:         time.Now,
	}
}

// ComputeResults counts assignments and conversions per variant and derives
// rates, intervals, the winner and the significance verdict. Queries share
// one bounded timeout; when it expires the report is returned with Partial
// set instead of an error. Other storage errors are retried once.
func (a *Analyzer) ComputeResults(ctx context.Context, id string) (*Report, error) {
	ctx, span := a.tracer.Start(ctx, "results.compute")
	defer span.End()

	exp, err := a.experiments.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("experiment", exp.Name),
		attribute.String("status", string(exp.Status)),
	)

	z, err := stats.ZScore(exp.ConfidenceLevel)
	if err != nil {
		return nil, apperr.Validation("confidence_level", "%v", err)
	}

	report := &Report{
		ExperimentID:    exp.ID,
		Experiment:      exp.Name,
		Status:          exp.Status,
		PrimaryMetric:   exp.PrimaryMetric,
		ConfidenceLevel: exp.ConfidenceLevel,
		ComputedAt:      a.now(),
	}

	qctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	assigned, err := a.count(qctx, func(ctx context.Context) ([]store.VariantCount, error) {
		return a.counts.CountAssignments(ctx, exp.ID)
	})
	partial, err := a.timedOut(ctx, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count assignments")
		return nil, fmt.Errorf("failed to count assignments: %w", err)
	}

	converted := make(map[string]map[string]int, len(exp.Metrics()))
	for _, metric := range exp.Metrics() {
		if partial {
			break
		}
		kind, ok := experiment.ConversionKind(metric)
		if !ok {
			continue
		}
		rows, err := a.count(qctx, func(ctx context.Context) ([]store.VariantCount, error) {
			return a.counts.CountConversions(ctx, exp.ID, kind)
		})
		if partial, err = a.timedOut(ctx, err); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "count conversions")
			return nil, fmt.Errorf("failed to count conversions: %w", err)
		}
		converted[metric] = toMap(rows)
	}

	samples := toMap(assigned)
	var measured []stats.VariantStat
	for _, v := range exp.Variants {
		n := samples[v.Name]
		summary := store.VariantSummary{
			Name:        v.Name,
			Assignments: n,
			Metrics:     make(map[string]store.MetricSummary, len(converted)),
		}
		for metric, byVariant := range converted {
			c := min(byVariant[v.Name], n)
			summary.Metrics[metric] = store.MetricSummary{Conversions: c, Rate: stats.Rate(c, n)}
		}

		// Conversions from units never assigned here are not counted.
		primary := stats.Summarize(v.Name, min(converted[exp.PrimaryMetric][v.Name], n), n, z)
		summary.Conversions = primary.Conversions
		summary.Rate = primary.Rate
		summary.CILower = primary.CILower
		summary.CIUpper = primary.CIUpper

		report.TotalSamples += n
		report.Variants = append(report.Variants, summary)
		measured = append(measured, primary)
	}

	if w := stats.DetermineWinner(measured); w >= 0 {
		report.Winner = measured[w].Name
		if r := runnerUp(measured, w); r >= 0 {
			report.ZTestConfidence = stats.ZTestConfidence(
				measured[w].Conversions, measured[w].Samples,
				measured[r].Conversions, measured[r].Samples)
		}
	}
	report.Significant = stats.CheckSignificance(measured)
	report.Partial = partial

	span.SetAttributes(
		attribute.Int("total_samples", report.TotalSamples),
		attribute.String("winner", report.Winner),
		attribute.Bool("significant", report.Significant),
		attribute.Bool("partial", partial),
	)
	if partial {
		a.logger.Warn("results query timed out, returning partial report",
			zap.String("experiment", exp.Name), zap.Duration("timeout", a.timeout))
	}
	return report, nil
}

// count runs one tally with a single retry for transient failures.
func (a *Analyzer) count(ctx context.Context, fn func(context.Context) ([]store.VariantCount, error)) ([]store.VariantCount, error) {
	var rows []store.VariantCount
	err := apperr.RetryOnce(ctx, func() error {
		var err error
		rows, err = fn(ctx)
		return err
	})
	return rows, err
}

// timedOut turns an expired query deadline into a partial result. The
// caller's own cancellation is still an error.
func (a *Analyzer) timedOut(parent context.Context, err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return true, nil
	}
	return false, err
}

// ShouldAutoComplete reports whether the experiment is due to complete.
func (a *Analyzer) ShouldAutoComplete(ctx context.Context, id string) (bool, error) {
	exp, err := a.experiments.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if EndDatePassed(exp, a.now()) {
		return true, nil
	}

	report, err := a.ComputeResults(ctx, id)
	if err != nil {
		return false, err
	}
	return AutoCompleteDue(exp, report, a.now()), nil
}

// EndDatePassed reports whether exp has a configured end date before now.
func EndDatePassed(exp *store.Experiment, now time.Time) bool {
	return exp.EndAt != nil && !exp.EndAt.After(now)
}

// AutoCompleteDue is true when the end date has passed, or when the sample
// size reaches the minimum and the result is significant. A partial report
// never satisfies the sample condition.
func AutoCompleteDue(exp *store.Experiment, report *Report, now time.Time) bool {
	if EndDatePassed(exp, now) {
		return true
	}
	if report == nil || report.Partial {
		return false
	}
	return report.TotalSamples >= exp.MinSampleSize && report.Significant
}

// CompleteExperiment computes results and completes the experiment with them
// in a single write. A partial report is refused.
func (a *Analyzer) CompleteExperiment(ctx context.Context, id string) (*store.Experiment, error) {
	ctx, span := a.tracer.Start(ctx, "results.complete")
	defer span.End()

	report, err := a.ComputeResults(ctx, id)
	if err != nil {
		return nil, err
	}
	if report.Partial {
		err := apperr.Transient("compute results", fmt.Errorf("queries timed out after %s", a.timeout))
		span.RecordError(err)
		return nil, err
	}

	exp, err := a.experiments.Complete(ctx, id, report.ResultSet())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	a.logger.Info("experiment completed",
		zap.String("experiment", exp.Name),
		zap.String("winner", report.Winner),
		zap.Bool("significant", report.Significant),
		zap.Int("samples", report.TotalSamples))
	return exp, nil
}

func toMap(rows []store.VariantCount) map[string]int {
	m := make(map[string]int, len(rows))
	for _, r := range rows {
		m[r.Variant] = r.Count
	}
	return m
}

// runnerUp returns the best variant other than winner, or -1.
func runnerUp(variants []stats.VariantStat, winner int) int {
	best := -1
	for i, v := range variants {
		if i == winner {
			continue
		}
		if best == -1 || v.Rate > variants[best].Rate {
			best = i
		}
	}
	return best
}
