package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/golang/snappy"
	"github.com/spf13/cobra"

	"github.com/marketkit/variantd/internal/archive"
	"github.com/marketkit/variantd/internal/store"
)

func init() {
	rootCmd.AddCommand(newExportCmd())
}

type exportOptions struct {
	kinds      []string
	experiment string
	product    string
	since      string
	until      string
	limit      int
	format     string
	compress   bool
	output     string
}

func newExportCmd() *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export raw event data",
		Long: `Export raw events in CSV, JSON or JSON Lines format.

Examples:
  variantd export --experiment checkout_button --format csv > checkout.csv
  variantd export --kind purchase --since 2024-01-01T00:00:00Z --format jsonl
  variantd export --format jsonl --snappy -o events.jsonl.sz`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.format {
			case "csv", "json", "jsonl":
			default:
				return fmt.Errorf("invalid format: must be 'csv', 'json' or 'jsonl'")
			}

			filter, err := opts.filter()
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				if opts.experiment != "" {
					if _, err := a.experimentByName(cmd.Context(), opts.experiment); err != nil {
						return err
					}
				}

				evts, err := a.events.Query(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}

				var out io.Writer = cmd.OutOrStdout()
				if opts.output != "" && opts.output != "-" {
					f, err := os.Create(opts.output)
					if err != nil {
						return fmt.Errorf("failed to create output file: %w", err)
					}
					defer f.Close()
					out = f
				}

				if opts.compress {
					zw := snappy.NewBufferedWriter(out)
					if err := writeEvents(zw, opts.format, evts); err != nil {
						return err
					}
					return zw.Close()
				}
				return writeEvents(out, opts.format, evts)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.kinds, "kind", nil, "only export these event kinds (repeatable)")
	cmd.Flags().StringVar(&opts.experiment, "experiment", "", "only export events attributed to this experiment")
	cmd.Flags().StringVar(&opts.product, "product", "", "only export events for this product")
	cmd.Flags().StringVar(&opts.since, "since", "", "earliest event time (RFC3339)")
	cmd.Flags().StringVar(&opts.until, "until", "", "latest event time, exclusive (RFC3339)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "maximum number of events (0 for all)")
	cmd.Flags().StringVar(&opts.format, "format", "csv", "output format (csv, json or jsonl)")
	cmd.Flags().BoolVar(&opts.compress, "snappy", false, "compress output with snappy framing")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output file (default stdout)")

	return cmd
}

func (o exportOptions) filter() (store.EventFilter, error) {
	f := store.EventFilter{
		Kinds:      o.kinds,
		Experiment: o.experiment,
		ProductID:  o.product,
		Limit:      o.limit,
	}
	var err error
	if o.since != "" {
		if f.Since, err = time.Parse(time.RFC3339, o.since); err != nil {
			return f, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if o.until != "" {
		if f.Until, err = time.Parse(time.RFC3339, o.until); err != nil {
			return f, fmt.Errorf("invalid --until: %w", err)
		}
	}
	return f, nil
}

func writeEvents(w io.Writer, format string, evts []*store.Event) error {
	switch format {
	case "csv":
		return exportCSV(w, evts)
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, e := range evts {
			if err := enc.Encode(archive.NewRecord(e)); err != nil {
				return fmt.Errorf("failed to encode event %d: %w", e.ID, err)
			}
		}
		return nil
	default:
		records := make([]archive.Record, len(evts))
		for i, e := range evts {
			records[i] = archive.NewRecord(e)
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
}

var csvHeader = []string{
	"id", "created_at", "kind", "user_id", "session_id", "product_id",
	"seller_id", "addon_id", "experiment", "variant", "metadata",
}

func exportCSV(w io.Writer, evts []*store.Event) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, e := range evts {
		meta := ""
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for event %d: %w", e.ID, err)
			}
			meta = string(raw)
		}
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Kind,
			e.UserID,
			e.SessionID,
			e.ProductID,
			e.SellerID,
			e.AddonID,
			e.Experiment,
			e.Variant,
			meta,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

