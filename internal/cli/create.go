package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marketkit/variantd/internal/experiment"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new experiment from a definition file",
		Long: `Create a new experiment in draft status from a YAML or JSON definition.

Example definition:

  name: checkout_button
  primary_metric: conversion_rate
  min_sample_size: 1000
  variants:
    - name: control
      share: 50
    - name: green
      share: 50
      config:
        color: green

Examples:
  variantd create -f checkout_button.yaml
  cat def.json | variantd create -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(cmd, file)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(a *app) error {
				exp, err := a.registry.Create(cmd.Context(), def)
				if err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' (%s) with %d variants:\n", exp.Name, exp.ID, len(exp.Variants))
				for _, v := range exp.Variants {
					fmt.Fprintf(out, "  %s: %g%%\n", v.Name, v.Share)
				}
				fmt.Fprintf(out, "Start it with: variantd start %s\n", exp.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "definition file, or - for stdin (required)")
	cmd.MarkFlagRequired("file")

	return cmd
}

// readDefinition decodes a YAML or JSON definition. YAML is converted to
// JSON first so variant configs keep JSON semantics.
func readDefinition(cmd *cobra.Command, file string) (experiment.Definition, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return experiment.Definition{}, fmt.Errorf("failed to read definition: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return experiment.Definition{}, fmt.Errorf("failed to parse definition: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return experiment.Definition{}, fmt.Errorf("failed to convert definition: %w", err)
	}

	var def experiment.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return experiment.Definition{}, fmt.Errorf("invalid definition: %w", err)
	}
	return def, nil
}
