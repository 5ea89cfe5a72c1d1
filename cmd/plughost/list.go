package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/loader"
	"github.com/dshills/plughost/internal/plugin"
)

func newListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list <dir>",
		Short: "List plugin manifests found in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := loader.New(loader.WithPaths(args[0])).Discover()
			if err != nil {
				return err
			}

			if asJSON {
				manifests := make([]*plugin.Manifest, 0, len(candidates))
				for _, c := range candidates {
					if c.Valid() {
						manifests = append(manifests, c.Manifest)
					}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(manifests)
			}

			if len(candidates) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no plugins found in %s\n", args[0])
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tENTRY\tDEPENDENCIES\tFLAGS")
			for _, c := range candidates {
				if !c.Valid() {
					fmt.Fprintf(tw, "%s\t%s\t\t\t%s\n", c.Name, color.RedString("invalid"), c.Err)
					continue
				}
				m := c.Manifest
				deps := "-"
				if len(m.Dependencies) > 0 {
					deps = strings.Join(m.Dependencies, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.Version, m.EntryPoint, deps, manifestFlags(m))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print manifests as JSON")
	return cmd
}

func manifestFlags(m *plugin.Manifest) string {
	var flags []string
	if m.AutoStart {
		flags = append(flags, "autostart")
	}
	if m.HotReload {
		flags = append(flags, "hotreload")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
