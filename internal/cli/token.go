package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newTokenCmd())
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the operator API token",
		Long: `Show the operator token of the running server.

Use this when you've scrolled past the startup message or need to call the
operator API from a script.

Example:
  variantd token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.HTTP.TokenFile)
			if err != nil {
				if os.IsNotExist(err) {
					return fmt.Errorf("no server running. Start with: variantd serve")
				}
				return fmt.Errorf("failed to read token file: %w", err)
			}

			token := strings.TrimSpace(string(data))
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: variantd serve")
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Token: %s\n", token)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  curl -H 'Authorization: Bearer %s' http://%s/api/experiments\n", token, hostPort(cfg.HTTP.Addr))
			return nil
		},
	}
}

// hostPort turns a listen address like ":8080" into something curl accepts.
func hostPort(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
