package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marketkit/variantd/internal/archive"
	"github.com/marketkit/variantd/internal/events"
	"github.com/marketkit/variantd/internal/results"
	"github.com/marketkit/variantd/internal/server"
)

var addr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the variantd HTTP server.

Besides the API, serve runs the background loops:
  - event batching and periodic flushes
  - active-experiment snapshot refresh
  - auto-completion of experiments that are due
  - event retention, with optional archiving

Example:
  variantd serve --addr :8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	sink, err := archive.New(ctx, cfg.Retention.Archive)
	if err != nil {
		return fmt.Errorf("failed to set up event archive: %w", err)
	}

	srv := server.New(server.Deps{
		Registry: a.registry,
		Engine:   a.engine,
		Analyzer: a.analyzer,
		Events:   a.events,
		Ingestor: a.ingestor,
		DB:       a.db,
	}, cfg.HTTP, a.logger)

	printStartup(cmd, cfg.HTTP.Addr, srv.Token())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return a.registry.Run(ctx) })
	g.Go(func() error { return a.ingestor.Run(ctx) })
	if cfg.Results.AutoCompleteInterval > 0 {
		ac := results.NewAutoCompleter(a.analyzer, a.registry, cfg.Results.AutoCompleteInterval, a.logger)
		g.Go(func() error { return ac.Run(ctx) })
	}
	if cfg.Retention.Days > 0 {
		ret := events.NewRetention(a.events, sink, cfg.Retention.Days, cfg.Retention.Interval, a.logger)
		g.Go(func() error { return ret.Run(ctx) })
	}

	err = g.Wait()
	a.logger.Info("variantd stopped", zap.Error(err), zap.Duration("uptime", time.Since(srv.StartTime())))
	return err
}

func printStartup(cmd *cobra.Command, addr, token string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "variantd listening on %s\n", addr)
	fmt.Fprintf(out, "Operator token: %s\n", token)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press Ctrl+C to stop")
}
