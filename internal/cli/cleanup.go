package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketkit/variantd/internal/archive"
)

func init() {
	rootCmd.AddCommand(newCleanupCmd())
}

func newCleanupCmd() *cobra.Command {
	var (
		days int
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old events",
		Long: `Delete events older than the retention window. When an archive is
configured, purged events are written there first and nothing is deleted if
archiving fails.

Examples:
  variantd cleanup
  variantd cleanup --days 30 --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				keep := days
				if keep == 0 {
					keep = a.cfg.Retention.Days
				}
				if keep <= 0 {
					return fmt.Errorf("retention is disabled; pass --days")
				}
				cutoff := time.Now().AddDate(0, 0, -keep)

				if !yes {
					ok, err := confirm(fmt.Sprintf("Delete events before %s", cutoff.Format("2006-01-02")))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
						return nil
					}
				}

				sink, err := archive.New(cmd.Context(), a.cfg.Retention.Archive)
				if err != nil {
					return fmt.Errorf("failed to open archive: %w", err)
				}

				n, err := a.events.Purge(cmd.Context(), cutoff, sink)
				if err != nil {
					return fmt.Errorf("failed to clean up events: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s events older than %d days.\n", formatNumber(int(n)), keep)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "days of events to keep (default from config)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")

	return cmd
}
