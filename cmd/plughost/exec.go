package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/plughost/internal/sandbox"
)

func newExecCmd() *cobra.Command {
	var (
		level       string
		vars        map[string]string
		permissions []string
		expression  bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "exec <file>",
		Short: "Run a Lua or JavaScript file in a sandbox",
		Long: `exec runs a script in a sandbox at the chosen security level and prints
the value it returns. Security events raised by the script are reported on
stderr.`,
		Example: `  plughost exec script.lua
  plughost exec --level high --var name=world greet.js
  plughost exec --expr calc.lua`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			lvl, err := sandbox.ParseLevel(level)
			if err != nil {
				return err
			}
			lang, err := sandbox.LanguageForFile(path)
			if err != nil {
				return err
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}

			stderr := cmd.ErrOrStderr()
			logger := slog.New(slog.NewTextHandler(stderr, nil))
			sb, err := sandbox.New(
				sandbox.Config{
					PluginName:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
					Level:       lvl,
					Language:    lang,
					Permissions: permissions,
					WorkDir:     filepath.Dir(abs),
				},
				sandbox.WithLogger(logger),
				sandbox.WithSecurityEventHandler(func(ev sandbox.SecurityEvent) {
					fmt.Fprintf(stderr, "%s %s: %s\n", color.YellowString("security"), ev.Type, ev.Message)
				}),
			)
			if err != nil {
				return err
			}
			defer sb.Destroy()

			env := make(map[string]any, len(vars))
			for k, v := range vars {
				env[k] = v
			}

			var result any
			if expression {
				result, err = sb.Evaluate(cmd.Context(), string(src), env)
			} else {
				result, err = sb.Execute(cmd.Context(), string(src), env)
			}
			if err != nil {
				return err
			}
			return printResult(cmd, result, asJSON)
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", string(sandbox.LevelMedium), "Security level (low, medium, high)")
	cmd.Flags().StringToStringVar(&vars, "var", nil, "Variables passed to the script (key=value)")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Permissions granted to the script")
	cmd.Flags().BoolVar(&expression, "expr", false, "Evaluate the file as a single expression")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func printResult(cmd *cobra.Command, result any, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return json.NewEncoder(out).Encode(result)
	}
	if result == nil {
		fmt.Fprintln(out, color.HiBlackString("nil"))
		return nil
	}
	fmt.Fprintln(out, result)
	return nil
}
