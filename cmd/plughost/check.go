package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/compat"
	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/loader"
	"github.com/dshills/plughost/internal/plugin"
)

func newCheckCmd(root *rootOptions) *cobra.Command {
	var (
		asJSON bool
		pairs  bool
	)

	cmd := &cobra.Command{
		Use:   "check <dir>",
		Short: "Report compatibility of the plugins in a directory",
		Long: `check discovers plugin manifests in <dir> and reports how compatible each
one is with this host. Dependencies are resolved against the other plugins
found in the same directory. The command fails when any plugin is
incompatible or has an invalid manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}

			candidates, err := loader.New(loader.WithPaths(args[0])).Discover()
			if err != nil {
				return err
			}

			host := compat.CurrentHost(cfg.Runtime.HostVersion, cfg.Runtime.APIVersion)
			if cfg.Runtime.RuntimeVersion != "" {
				host.RuntimeVersion = cfg.Runtime.RuntimeVersion
			}
			set := newManifestSet(candidates)
			checker := compat.NewChecker(host, compat.WithRegistry(set))

			var (
				reports      []*compat.Report
				bad, invalid int
			)
			for _, c := range candidates {
				if !c.Valid() {
					invalid++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", color.RedString("invalid"), c.Name, c.Err)
					continue
				}
				r := checker.Check(c.Manifest)
				if !r.IsCompatible {
					bad++
				}
				reports = append(reports, r)
			}

			if pairs {
				valid := set.manifests()
				for i := range valid {
					for j := i + 1; j < len(valid); j++ {
						r := checker.CompatibleWith(valid[i], valid[j])
						if !r.IsCompatible {
							bad++
						}
						reports = append(reports, r)
					}
				}
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					printReport(cmd.OutOrStdout(), r)
				}
			}

			if bad+invalid > 0 {
				return fmt.Errorf("%d of %d checks failed", bad+invalid, len(reports)+invalid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print reports as JSON")
	cmd.Flags().BoolVar(&pairs, "pairs", false, "Also check every pair of plugins against each other")
	return cmd
}

func printReport(w io.Writer, r *compat.Report) {
	verdict := color.New(color.FgGreen, color.Bold)
	switch r.Verdict {
	case compat.VerdictPartiallyCompatible:
		verdict = color.New(color.FgYellow, color.Bold)
	case compat.VerdictIncompatible:
		verdict = color.New(color.FgRed, color.Bold)
	}

	fmt.Fprintf(w, "%s %s@%s (score %d)\n", verdict.Sprint(r.Verdict), r.Plugin, r.Version, r.Score)
	for _, i := range r.Issues {
		sev := color.CyanString(string(i.Severity))
		switch i.Severity {
		case compat.SeverityCritical:
			sev = color.RedString(string(i.Severity))
		case compat.SeverityWarning:
			sev = color.YellowString(string(i.Severity))
		}
		fmt.Fprintf(w, "  %s %s: %s\n", sev, i.Code, i.Message)
		if i.Resolution != "" {
			fmt.Fprintf(w, "    %s %s\n", color.YellowString("→"), i.Resolution)
		}
	}
	for _, rec := range r.Recommendations {
		fmt.Fprintf(w, "  %s %s\n", color.BlueString("hint"), rec.Message)
	}
}

// manifestSet resolves dependencies against discovered manifests. Every
// plugin in the set is reported as registered but not running.
type manifestSet struct {
	byName map[string]*plugin.Manifest
}

func newManifestSet(cands []loader.Candidate) *manifestSet {
	s := &manifestSet{byName: make(map[string]*plugin.Manifest)}
	for _, c := range cands {
		if c.Valid() {
			s.byName[c.Manifest.Name] = c.Manifest
		}
	}
	return s
}

func (s *manifestSet) Lookup(name string) (plugin.Info, bool) {
	m, ok := s.byName[name]
	if !ok {
		return plugin.Info{}, false
	}
	return plugin.Info{Name: m.Name, Version: m.Version, Status: plugin.StatusRegistered, Enabled: true}, true
}

func (s *manifestSet) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *manifestSet) manifests() []*plugin.Manifest {
	out := make([]*plugin.Manifest, 0, len(s.byName))
	for _, name := range s.Names() {
		out = append(out, s.byName[name])
	}
	return out
}
