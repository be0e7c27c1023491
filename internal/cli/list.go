package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marketkit/variantd/internal/store"
)

func init() {
	rootCmd.AddCommand(newListCmd())
}

func newListCmd() *cobra.Command {
	var (
		status string
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		Long: `List experiments, newest first, with their status and assignment counts.

Examples:
  variantd list
  variantd list --status active
  variantd list --page 2 --limit 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				ctx := cmd.Context()

				res, err := a.registry.List(ctx, store.ListOptions{
					Status: store.Status(status),
					Page:   page,
					Limit:  limit,
				})
				if err != nil {
					return fmt.Errorf("failed to list experiments: %w", err)
				}

				out := cmd.OutOrStdout()
				if len(res.Experiments) == 0 {
					fmt.Fprintln(out, "No experiments yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with: variantd create -f definition.yaml")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTATUS\tVARIANTS\tMETRIC\tASSIGNED\tCREATED")

				for _, exp := range res.Experiments {
					counts, err := a.db.CountAssignments(ctx, exp.ID)
					if err != nil {
						return fmt.Errorf("failed to count assignments for %s: %w", exp.Name, err)
					}
					total := 0
					for _, c := range counts {
						total += c.Count
					}

					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
						exp.Name,
						strings.ToUpper(string(exp.Status)),
						len(exp.Variants),
						exp.PrimaryMetric,
						formatNumber(total),
						exp.CreatedAt.Format("2006-01-02"),
					)
				}
				w.Flush()

				if pages := (res.Total + res.Limit - 1) / res.Limit; pages > 1 {
					fmt.Fprintf(out, "\nPage %d of %d (%d experiments)\n", res.Page, pages, res.Total)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only show experiments with this status (draft, active, paused, completed)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "experiments per page (max 100)")

	return cmd
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}
