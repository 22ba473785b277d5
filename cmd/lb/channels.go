package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lockbridge/internal/app"
	"lockbridge/internal/domain"
)

func invokeCmd() *cobra.Command {
	var (
		timeoutMs   int
		modules     []string
		requestID   string
		raw         bool
		printScript bool
	)
	cmd := &cobra.Command{
		Use:   "invoke <channel> [args...]",
		Short: "Invoke a channel and print its outcome",
		Long: `Invoke a channel with positional arguments. Arguments that parse as JSON
(numbers, true/false, null, objects) are sent as such unless --raw is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.Request{
				ID:              requestID,
				Channel:         args[0],
				Args:            parseArgs(args[1:], raw),
				TimeoutMs:       timeoutMs,
				RequiresModules: modules,
			}
			ctx := cmd.Context()
			if printScript {
				opts := runtimeOptions()
				opts.NoLedger = true
				rt, err := app.Open(ctx, opts)
				if err != nil {
					return err
				}
				defer rt.Close()
				if req.ID == "" {
					req.ID = "dry-run"
				}
				script, err := rt.Engine.Script(ctx, req)
				if err != nil {
					return err
				}
				fmt.Println(script)
				return nil
			}

			var (
				out domain.Outcome
				err error
			)
			if remote() {
				out, err = sdkClient().InvokeRequest(ctx, req)
			} else {
				err = withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
					if req.ID == "" {
						req.ID = newRequestID()
					}
					var ierr error
					out, ierr = rt.Engine.Invoke(ctx, req, viper.GetString("actor-id"))
					return ierr
				})
			}
			if err != nil {
				return err
			}
			if err := printJSON(out); err != nil {
				return err
			}
			if !out.OK() {
				return present(domain.ErrorFromFailure(req.Channel, out.Err()))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "timeout override (clamped to the configured maximum)")
	cmd.Flags().StringSliceVar(&modules, "module", nil, "additional module to import before the channel body")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id (default: new UUID)")
	cmd.Flags().BoolVar(&raw, "raw", false, "send every argument as a string")
	cmd.Flags().BoolVar(&printScript, "print-script", false, "print the generated script instead of running it")
	return cmd
}

func parseArgs(args []string, raw bool) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if raw {
			out = append(out, a)
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(a), &v); err == nil {
			out = append(out, v)
			continue
		}
		out = append(out, a)
	}
	return out
}

func channelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List registered channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			var infos []domain.ChannelInfo
			if remote() {
				items, err := sdkClient().ListChannels(cmd.Context())
				if err != nil {
					return err
				}
				infos = items
			} else {
				opts := runtimeOptions()
				opts.NoLedger = true
				rt, err := app.Open(cmd.Context(), opts)
				if err != nil {
					return err
				}
				defer rt.Close()
				for _, entry := range rt.Engine.Registry.Entries() {
					info := entry.Info()
					info.TimeoutMs = rt.Config.DefaultTimeout(entry.Name, entry.Timeout).Milliseconds()
					info.Disabled = rt.Config.ChannelDisabled(entry.Name)
					infos = append(infos, info)
				}
			}
			if jsonOutput() {
				return printJSON(infos)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Channel", "Args", "Timeout", "Read", "Modules", "Summary"})
			for _, info := range infos {
				name := info.Name
				if info.Disabled {
					name += " (disabled)"
				}
				tw.AppendRow(table.Row{
					name,
					formatArgs(info.Args),
					(time.Duration(info.TimeoutMs) * time.Millisecond).String(),
					info.Idempotent,
					orDash(strings.Join(info.Modules, ", ")),
					info.Summary,
				})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func formatArgs(args []domain.ArgInfo) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		s := a.Name + ":" + a.Kind
		if len(a.Enum) > 0 {
			s += "(" + strings.Join(a.Enum, "|") + ")"
		}
		if a.Optional {
			s = "[" + s + "]"
		}
		parts = append(parts, s)
	}
	return orDash(strings.Join(parts, " "))
}
