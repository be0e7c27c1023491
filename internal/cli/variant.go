package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marketkit/variantd/internal/assign"
)

func init() {
	rootCmd.AddCommand(newVariantCmd())
}

func newVariantCmd() *cobra.Command {
	var (
		unit  assign.Unit
		attrs assign.Attributes
	)

	cmd := &cobra.Command{
		Use:   "variant <name>",
		Short: "Resolve a unit's variant",
		Long: `Resolve the variant for a user or session, exactly as the API would.
A first resolution stores a sticky assignment.

Examples:
  variantd variant checkout_button --user user-42
  variantd variant checkout_button --session abc --segment new --order-value 25.00`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unit.Validate(); err != nil {
				return fmt.Errorf("use exactly one of --user and --session")
			}

			return withApp(cmd.Context(), func(a *app) error {
				res, err := a.engine.Resolve(cmd.Context(), args[0], unit, attrs)
				if err != nil {
					return fmt.Errorf("failed to resolve variant: %w", err)
				}

				out := cmd.OutOrStdout()
				if res == nil {
					fmt.Fprintf(out, "No assignment: '%s' is not active or the unit is not targeted.\n", args[0])
					return nil
				}

				state := "new"
				if res.Sticky {
					state = "sticky"
				}
				fmt.Fprintf(out, "%s: %s (%s)\n", unit.ID(), res.Variant, state)
				if len(res.Config) > 0 {
					fmt.Fprintf(out, "config: %s\n", res.Config)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&unit.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&unit.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&attrs.Segment, "segment", "", "segment label for targeting")
	cmd.Flags().StringVar(&attrs.Category, "category", "", "category for targeting")
	cmd.Flags().StringVar(&attrs.SellerID, "seller", "", "seller id for targeting")
	cmd.Flags().StringVar(&attrs.OrderValue, "order-value", "", "order value for targeting")

	return cmd
}
