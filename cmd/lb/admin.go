package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"lockbridge/internal/app"
	"lockbridge/internal/config"
	"lockbridge/internal/domain"
	"lockbridge/internal/engine/auth"
	"lockbridge/internal/repo"
	"lockbridge/internal/server"
	lockbridgesdk "lockbridge/sdk/go"
)

const jwtSecretEnv = "LOCKBRIDGE_JWT_SECRET"

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP channel bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: os.Getenv(jwtSecretEnv)}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("%s is required for bearer auth", jwtSecretEnv)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg.Logger = rt.Logger
				handler, err := server.New(server.Config{
					Engine:    rt.Engine,
					BasePath:  basePath,
					Auth:      authCfg,
					Logger:    rt.Logger,
					Gatherer:  rt.Registry,
					RateLimit: rt.Config.Server.RateLimitPerSecond,
					RateBurst: rt.Config.Server.RateBurst,
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				if d := server.NewWebhookDispatcher(rt.Engine, rt.Logger); d != nil {
					go d.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving lockbridge bridge",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Int("channels", rt.Engine.Registry.Len()),
				)
				fmt.Printf("Serving Lockbridge on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Invocation ledger"}
	cmd.AddCommand(auditTailCmd())
	cmd.AddCommand(auditShowCmd())
	cmd.AddCommand(auditStatsCmd())
	cmd.AddCommand(auditEventsCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var q lockbridgesdk.InvocationQuery
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var items []domain.Invocation
			if remote() {
				page, err := sdkClient().Invocations(cmd.Context(), q)
				if err != nil {
					return err
				}
				items = page.Items
			} else {
				err := withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
					rows, err := rt.Engine.Repo.ListInvocations(ctx, repo.InvocationFilter{
						Channel:    q.Channel,
						Kind:       q.Kind,
						ActorID:    q.ActorID,
						OnlyFailed: q.Failed,
						Limit:      q.Limit,
					})
					items = rows
					return err
				})
				if err != nil {
					return err
				}
			}
			if jsonOutput() {
				return printJSON(items)
			}
			tw := newTable(table.Row{"Time", "Request", "Channel", "Actor", "Result", "Exit", "Duration"})
			for _, inv := range items {
				result := "ok"
				if !inv.OK {
					result = inv.Kind
				}
				tw.AppendRow(table.Row{inv.CreatedAt, inv.RequestID, inv.Channel, inv.ActorID, result, inv.ExitCode, fmt.Sprintf("%dms", inv.DurationMs)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&q.Limit, "n", 20, "number of invocations")
	cmd.Flags().StringVar(&q.Channel, "channel", "", "channel filter")
	cmd.Flags().StringVar(&q.Kind, "kind", "", "result kind filter (ok or an error kind)")
	cmd.Flags().StringVar(&q.ActorID, "actor", "", "actor filter")
	cmd.Flags().BoolVar(&q.Failed, "failed", false, "only failed invocations")
	return cmd
}

func auditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show one invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote() {
				inv, err := sdkClient().Invocation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(inv)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				inv, err := rt.Engine.Repo.GetInvocation(ctx, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("invocation %s not found", args[0])
				}
				if err != nil {
					return err
				}
				return printJSON(inv)
			})
		},
	}
}

func auditStatsCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Per-channel invocation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				var from string
				if since > 0 {
					from = time.Now().Add(-since).UTC().Format(time.RFC3339)
				}
				stats, err := rt.Engine.Repo.InvocationStats(ctx, from)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(stats)
				}
				tw := newTable(table.Row{"Channel", "Total", "Failed", "Avg ms", "By kind"})
				for _, s := range stats {
					var kinds []string
					for k, n := range s.ByKind {
						kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
					}
					tw.AppendRow(table.Row{s.Channel, s.Total, s.Failed, fmt.Sprintf("%.0f", s.AvgDurationMs), orDash(strings.Join(kinds, " "))})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only invocations newer than this (e.g. 24h)")
	return cmd
}

func auditEventsCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEvents(ctx, n, 0, evtType)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(events)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + orDash(e.EntityID), e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Bridge bearer tokens"}
	var subject string
	var perms []string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token with " + jwtSecretEnv,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv(jwtSecretEnv)
			if secret == "" {
				return fmt.Errorf("%s is required", jwtSecretEnv)
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			token, err := auth.SignToken(secret, subject, perms, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "token subject (default --actor-id)")
	issue.Flags().StringSliceVar(&perms, "perm", []string{auth.PermInvokeAll}, "granted permission (repeatable)")
	issue.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Bridge API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key, secret, err := rt.Engine.CreateAPIKey(ctx, actor, name, perms)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret, "permissions": key.Permissions})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&perms, "perm", []string{auth.PermInvokeAll}, "granted permission (repeatable)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Permissions", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, orDash(k.Name), strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Engine.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("api key %s not found", args[0])
					}
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default lockbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(runtimeOptions())
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate lockbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runtimeOptions()
			opts.RequireConfig = true
			if _, err := app.ResolveConfig(opts); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}
