// Package main is the entry point for the plughost plugin runtime.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "Supervised plugin runtime",
		Long: `plughost loads Lua and JavaScript plugins, runs each one in its own
sandbox, checks compatibility before starting them and reloads them when
their files change.

Examples:
  plughost run                      Run plugins from the configured directories
  plughost check ./plugins          Report compatibility of discovered plugins
  plughost list ./plugins           List discovered plugin manifests
  plughost exec --level high x.lua  Run a script in a sandbox`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (default plughost.toml)")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(
		newRunCmd(opts),
		newCheckCmd(opts),
		newListCmd(),
		newExecCmd(),
		newVersionCmd(),
	)
	return cmd
}

func init() {
	if version != "dev" {
		app.Version = version
	}
}
