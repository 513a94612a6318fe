package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phantom-sec/phantom/internal/domain"
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "List and inspect installed plugins",
	}

	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsInfoCmd())
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var (
		category string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins, optionally filtered by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat := domain.Category(category)
			if cat != "" && !cat.Valid() {
				return fmt.Errorf("unknown category %q", category)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, ws := newRegistry(cmd.Context(), cfg, log)
			if ws != nil {
				defer ws.Close(cmd.Context())
			}

			descs := reg.Descriptors(cat)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), descs)
			}
			printPluginTable(cmd.OutOrStdout(), descs)
			return nil
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "filter by category ("+categoryNames()+")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print descriptors as JSON")
	return cmd
}

func newPluginsInfoCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info <plugin-id>",
		Short: "Show a plugin's descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg, ws := newRegistry(cmd.Context(), cfg, log)
			if ws != nil {
				defer ws.Close(cmd.Context())
			}

			d, err := reg.Descriptor(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			printPluginInfo(cmd.OutOrStdout(), d)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the descriptor as JSON")
	return cmd
}

func printPluginTable(w io.Writer, descs []domain.PluginDescriptor) {
	if len(descs) == 0 {
		fmt.Fprintln(w, "No plugins found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tCATEGORY\tNAME")
	for _, d := range descs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Version, d.Category, d.Name)
	}
	tw.Flush()
}

func printPluginInfo(w io.Writer, d domain.PluginDescriptor) {
	fmt.Fprintf(w, "ID:          %s\n", d.ID)
	fmt.Fprintf(w, "Name:        %s\n", d.Name)
	fmt.Fprintf(w, "Version:     %s\n", d.Version)
	fmt.Fprintf(w, "Category:    %s\n", d.Category)
	if d.Author != "" {
		fmt.Fprintf(w, "Author:      %s\n", d.Author)
	}
	if d.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", d.Description)
	}
	if len(d.Dependencies) > 0 {
		fmt.Fprintf(w, "Requires:    %s\n", strings.Join(d.Dependencies, ", "))
	}
	if d.Cost > 0 {
		fmt.Fprintf(w, "Cost:        %d\n", d.Cost)
	} else {
		fmt.Fprintln(w, "Cost:        category default")
	}
}

func categoryNames() string {
	names := make([]string, len(domain.AllCategories))
	for i, c := range domain.AllCategories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
