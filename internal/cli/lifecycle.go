package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newStartCmd(), newPauseCmd(), newCompleteCmd(), newDeleteCmd())
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start or resume an experiment",
		Long: `Start a draft experiment, or resume a paused one. Active experiments
begin assigning units as soon as the server's snapshot refreshes.

Example:
  variantd start checkout_button`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				exp, err := a.experimentByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				exp, err = a.registry.Start(cmd.Context(), exp.ID)
				if err != nil {
					return fmt.Errorf("failed to start experiment: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is now %s.\n", exp.Name, exp.Status)
				return nil
			})
		},
	}
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <name>",
		Short: "Pause an active experiment",
		Long: `Pause an active experiment. Paused experiments stop assigning new units
but keep attributing conversions to existing assignments.

Example:
  variantd pause checkout_button`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				exp, err := a.experimentByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				exp, err = a.registry.Pause(cmd.Context(), exp.ID)
				if err != nil {
					return fmt.Errorf("failed to pause experiment: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Experiment '%s' is now %s.\n", exp.Name, exp.Status)
				return nil
			})
		},
	}
}

func newCompleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "complete <name>",
		Short: "Complete an experiment and freeze its results",
		Long: `Compute final results for an active or paused experiment and mark it
completed. Completed experiments cannot be restarted.

Example:
  variantd complete checkout_button --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				exp, err := a.experimentByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if !yes {
					ok, err := confirm(fmt.Sprintf("Complete '%s'? This cannot be undone", exp.Name))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
						return nil
					}
				}

				exp, err = a.analyzer.CompleteExperiment(cmd.Context(), exp.ID)
				if err != nil {
					return fmt.Errorf("failed to complete experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Experiment '%s' has been marked as completed.\n", exp.Name)
				if exp.Results != nil && exp.Results.Winner != "" {
					verdict := "not statistically significant"
					if exp.Results.Significant {
						verdict = "statistically significant"
					}
					fmt.Fprintf(out, "Winner: %s (%s)\n", exp.Results.Winner, verdict)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an experiment and its assignments",
		Long: `Delete a draft, paused or completed experiment together with its
assignments. Active experiments must be paused or completed first.

Example:
  variantd delete old_test --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				exp, err := a.experimentByName(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if !yes {
					ok, err := confirm(fmt.Sprintf("Delete '%s' and all its assignments", exp.Name))
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
						return nil
					}
				}

				if err := a.registry.Delete(cmd.Context(), exp.ID); err != nil {
					return fmt.Errorf("failed to delete experiment: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted experiment '%s'.\n", exp.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}
