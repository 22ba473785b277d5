package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lockbridge/internal/adapters"
	"lockbridge/internal/app"
	"lockbridge/internal/domain"
	"lockbridge/internal/engine"
	lockbridgesdk "lockbridge/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "lb",
	Short: "Lockbridge CLI",
	Long: `Lockbridge runs AppLocker management commands through a fixed set of
named channels and reports every result as a typed outcome.
- Channel: a registered <domain>:<operation> request, e.g. machine:getAll or ad:addToGroup.
- Outcome: ok with data, or an error kind (ModuleUnavailable, PermissionDenied, NotFound,
  Timeout, MalformedResponse, ExternalFailure, Cancelled). Failures are never shown as empty results.
- Workspace: lockbridge.yml plus the .lockbridge ledger of every invocation.
- Bridge: 'lb serve' exposes the channels over HTTP; any command accepts --remote to use one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LOCKBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/lockbridge.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the ledger")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.String("remote", "", "bridge URL; run channels through a lockbridge server")
	flags.String("token", "", "bearer token for --remote")
	flags.String("api-key", "", "API key for --remote")
	flags.Int("retries", 1, "attempts for idempotent reads that time out or fail externally")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "remote", "token", "api-key", "retries"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(machinesCmd())
	rootCmd.AddCommand(adCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func runtimeOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
	}
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, runtimeOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func remote() bool {
	return viper.GetString("remote") != ""
}

func sdkClient() *lockbridgesdk.Client {
	c := lockbridgesdk.New(viper.GetString("remote"))
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func localInvoker(rt *app.Runtime) engine.Local {
	return engine.Local{Engine: rt.Engine, ActorID: viper.GetString("actor-id")}
}

// withRepos runs fn against the bridge when --remote is set, otherwise
// against an in-process engine.
func withRepos(ctx context.Context, fn func(context.Context, adapters.Repositories) error) error {
	opts := adapters.Options{Retry: adapters.RetryPolicy{Attempts: viper.GetInt("retries"), Backoff: 500 * time.Millisecond}}
	if remote() {
		return present(fn(ctx, adapters.New(sdkClient(), opts)))
	}
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		opts.Logger = rt.Logger
		return present(fn(ctx, adapters.New(localInvoker(rt), opts)))
	})
}

// present renders an operation error the way the console does: NotFound is
// an empty result, Cancelled is silent, everything else is an error.
func present(err error) error {
	if err == nil {
		return nil
	}
	p := domain.Present(err)
	switch p.State {
	case domain.ViewSilent:
		return nil
	case domain.ViewEmpty:
		fmt.Fprintln(os.Stderr, "not found:", p.Message)
		return nil
	}
	if p.Retryable {
		return fmt.Errorf("%s (retry may succeed)", p.Message)
	}
	return errors.New(p.Message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput() bool {
	return viper.GetBool("json")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newRequestID() string {
	return uuid.NewString()
}
