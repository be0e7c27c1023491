package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketkit/variantd/internal/results"
	"github.com/marketkit/variantd/internal/store"
)

func init() {
	rootCmd.AddCommand(newResultsCmd())
}

func newResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <name>",
		Short: "Show results for an experiment",
		Long: `Show conversion rates and confidence intervals per variant, the leading
variant, and whether the experiment is due for auto-completion.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()

				exp, err := a.experimentByName(ctx, args[0])
				if err != nil {
					return err
				}
				report, err := a.analyzer.ComputeResults(ctx, exp.ID)
				if err != nil {
					return fmt.Errorf("failed to compute results: %w", err)
				}

				printReport(cmd, exp, report)
				return nil
			})
		},
	}
}

func printReport(cmd *cobra.Command, exp *store.Experiment, report *results.Report) {
	out := cmd.OutOrStdout()

	// Print header
	fmt.Fprintf(out, "EXPERIMENT: %s\n", exp.Name)
	fmt.Fprintf(out, "STATUS: %s\n", exp.Status)
	fmt.Fprintf(out, "METRIC: %s\n", exp.PrimaryMetric)
	if exp.StartAt != nil {
		fmt.Fprintf(out, "STARTED: %s\n", exp.StartAt.Format("2006-01-02"))
	}
	fmt.Fprintln(out)

	confPct := report.ConfidenceLevel * 100
	fmt.Fprintf(out, "VARIANT           ASSIGNED  CONVERSIONS  RATE     %.0f%% CI\n", confPct)
	fmt.Fprintln(out, strings.Repeat("─", 64))

	for _, v := range report.Variants {
		indicator := ""
		if v.Name == report.Winner && len(report.Variants) > 1 {
			indicator = " ← LEADING"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Assignments == 0 {
			ciStr = "N/A"
		}

		// Truncate name if too long
		name := v.Name
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-8d  %-11d  %-7s  %s%s\n",
			name,
			v.Assignments,
			v.Conversions,
			formatPercent(v.Rate),
			ciStr,
			indicator,
		)
	}

	if secondary := secondaryMetrics(report); len(secondary) > 0 {
		fmt.Fprintln(out)
		for _, metric := range secondary {
			fmt.Fprintf(out, "%s:", metric)
			for _, v := range report.Variants {
				fmt.Fprintf(out, "  %s %s", v.Name, formatPercent(v.Metrics[metric].Rate))
			}
			fmt.Fprintln(out)
		}
	}

	fmt.Fprintln(out)

	if report.Partial {
		fmt.Fprintln(out, "Warning: results are partial, a query timed out")
	}

	// Print significance message
	if len(report.Variants) > 1 {
		switch {
		case report.Significant:
			fmt.Fprintf(out, "Statistical significance: \"%s\" wins at %.0f%% confidence\n", report.Winner, confPct)
		case report.TotalSamples > 0:
			fmt.Fprintf(out, "Statistical significance: not yet significant (z-test: %.1f%% that \"%s\" leads)\n",
				report.ZTestConfidence*100, report.Winner)
		default:
			fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
		}
	}

	if exp.Status == store.StatusActive && results.AutoCompleteDue(exp, report, time.Now()) {
		fmt.Fprintf(out, "Ready to complete: run 'variantd complete %s'\n", exp.Name)
	}
}

func secondaryMetrics(report *results.Report) []string {
	var metrics []string
	if len(report.Variants) == 0 {
		return nil
	}
	for m := range report.Variants[0].Metrics {
		if m != report.PrimaryMetric {
			metrics = append(metrics, m)
		}
	}
	sort.Strings(metrics)
	return metrics
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
