package main

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/app"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var pluginDirs []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load plugins and supervise them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := app.New(app.Options{
				ConfigPath: root.configPath,
				LogOutput:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			for _, dir := range pluginDirs {
				application.Discovery().AddPath(dir)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := application.Start(ctx)
			if err != nil {
				_ = application.Shutdown(context.Background())
				return err
			}
			printLoadReport(cmd, report)

			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
			defer cancel()
			return application.Shutdown(sctx)
		},
	}

	cmd.Flags().StringSliceVarP(&pluginDirs, "plugins", "p", nil, "Additional plugin directories")
	return cmd
}

func printLoadReport(cmd *cobra.Command, report app.LoadReport) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, name := range report.Loaded {
		fmt.Fprintf(out, "%s %s\n", green("loaded "), name)
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(out, "%s %s\n", yellow("skipped"), name)
	}
	failed := make([]string, 0, len(report.Failed))
	for name := range report.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		fmt.Fprintf(out, "%s %s: %v\n", red("failed "), name, report.Failed[name])
	}
}
