// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"lockbridge/internal/config"
	"lockbridge/internal/db"
	"lockbridge/internal/engine"
	"lockbridge/internal/logging"
	"lockbridge/internal/metrics"
	"lockbridge/internal/migrate"
	"lockbridge/internal/registry"
)

// Options select the workspace and how strictly its config is resolved.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/lockbridge.yml.
	ConfigPath string
	// RequireConfig fails when no config file exists instead of using defaults.
	RequireConfig bool
	// NoLedger skips the SQLite ledger; invocations are not recorded.
	NoLedger bool
	InMemory bool
	LogLevel string
}

// Runtime is everything a command needs to run channels.
type Runtime struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Logger   *zap.Logger
	Registry *prometheus.Registry
}

// ResolveConfig loads the explicit path if given, else the workspace file,
// falling back to defaults unless required.
func ResolveConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	if opts.RequireConfig {
		return config.Load(opts.Workspace)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open resolves config, opens and migrates the ledger and builds the engine.
// Close must be called when the runtime is no longer needed.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := ResolveConfig(opts)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	var conn *sql.DB
	if !opts.NoLedger {
		conn, err = db.Open(db.Config{Workspace: opts.Workspace, InMemory: opts.InMemory})
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		if err := migrate.Migrate(ctx, conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}

	eng, err := engine.New(conn, cfg, registry.Builtin())
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eng.Logger = logger
	eng.Metrics = metrics.New(reg)

	return &Runtime{Config: cfg, DB: conn, Engine: eng, Logger: logger, Registry: reg}, nil
}

func (r *Runtime) Close() error {
	_ = r.Logger.Sync()
	if r.DB != nil {
		return r.DB.Close()
	}
	return nil
}
