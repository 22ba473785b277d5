// Package engine runs channel requests on the execution side: it looks the
// channel up, encodes the command, spawns the interpreter and classifies the
// result. Every accepted request ends in exactly one Outcome and one ledger row.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"lockbridge/internal/config"
	"lockbridge/internal/domain"
	"lockbridge/internal/encoder"
	"lockbridge/internal/events"
	"lockbridge/internal/executor"
	"lockbridge/internal/interpret"
	"lockbridge/internal/metrics"
	"lockbridge/internal/registry"
	"lockbridge/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Registry *registry.Registry
	Encoder  *encoder.Encoder
	Executor executor.Executor
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Logger   *zap.Logger
	// Metrics may be nil.
	Metrics *metrics.Collectors
	Now     func() time.Time
}

// New wires an engine from configuration. db may be nil, in which case no
// ledger is written.
func New(db *sql.DB, cfg *config.Config, reg *registry.Registry) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	if reg == nil {
		return Engine{}, errors.New("registry required")
	}
	enc, err := encoder.New(encoder.Interpreter{
		Path: cfg.Interpreter.Path,
		Args: cfg.Interpreter.Args,
	}, encoder.Policy{
		AllowedModules:      cfg.Modules.Allowed,
		AllowedPathPrefixes: cfg.Paths.AllowedPrefixes,
	})
	if err != nil {
		return Engine{}, fmt.Errorf("encoder: %w", err)
	}
	exe := executor.New(executor.Options{
		MaxOutputBytes: cfg.Execution.MaxOutputBytes,
		WaitDelay:      time.Duration(cfg.Execution.KillGraceMs) * time.Millisecond,
		MaxConcurrent:  cfg.Execution.MaxConcurrent,
	})
	return Engine{
		DB:       db,
		Registry: reg,
		Encoder:  enc,
		Executor: exe,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Invoke runs one request on behalf of actorID. A non-nil error is always a
// *domain.CallerError (or wraps one) and means nothing was spawned; every
// other result, failures included, is carried by the Outcome.
func (e Engine) Invoke(ctx context.Context, req domain.Request, actorID string) (domain.Outcome, error) {
	entry, timeout, err := e.prepare(ctx, req)
	if err != nil {
		e.reject(ctx, req, actorID, err)
		return domain.Outcome{}, err
	}
	cl, err := e.Encoder.Encode(entry, req.Args)
	if err != nil {
		e.reject(ctx, req, actorID, err)
		return domain.Outcome{}, err
	}
	if err := e.reserve(ctx, req, actorID); err != nil {
		e.reject(ctx, req, actorID, err)
		return domain.Outcome{}, err
	}

	if e.Metrics != nil {
		e.Metrics.InFlight.Inc()
	}
	raw := e.Executor.Execute(ctx, cl, timeout)
	if e.Metrics != nil {
		e.Metrics.InFlight.Dec()
		if raw.Started {
			e.Metrics.Spawned.Inc()
		}
	}
	out := interpret.Interpret(raw, entry.Response)
	e.record(ctx, req, actorID, raw, out)
	return out, nil
}

// Script returns the PowerShell text a request would run, after the same
// checks Invoke performs. Nothing is spawned or recorded.
func (e Engine) Script(ctx context.Context, req domain.Request) (string, error) {
	entry, _, err := e.prepare(ctx, req)
	if err != nil {
		return "", err
	}
	return e.Encoder.Script(entry, req.Args)
}

func (e Engine) prepare(ctx context.Context, req domain.Request) (registry.Entry, time.Duration, error) {
	if e.Registry == nil || e.Encoder == nil || e.Executor == nil || e.Config == nil {
		return registry.Entry{}, 0, errors.New("engine not initialized")
	}
	entry, ok := e.Registry.Lookup(req.Channel)
	if !ok {
		return registry.Entry{}, 0, domain.NewCallerError(domain.ReasonUnknownChannel, req.Channel, "channel is not registered")
	}
	if e.Config.ChannelDisabled(req.Channel) {
		return registry.Entry{}, 0, domain.NewCallerError(domain.ReasonForbidden, req.Channel, "channel disabled by configuration")
	}
	if strings.TrimSpace(req.ID) == "" {
		return registry.Entry{}, 0, domain.NewCallerError(domain.ReasonInvalidArgument, req.Channel, "request id required")
	}
	if req.TimeoutMs < 0 {
		return registry.Entry{}, 0, domain.NewCallerError(domain.ReasonInvalidArgument, req.Channel, "timeout_ms must not be negative")
	}
	timeout := e.Config.DefaultTimeout(entry.Name, entry.Timeout)
	if req.TimeoutMs > 0 {
		timeout = e.Config.ClampTimeout(time.Duration(req.TimeoutMs) * time.Millisecond)
	}
	entry.Modules = mergeModules(entry.Modules, req.RequiresModules)
	return entry, timeout, nil
}

// reserve claims the request ID in the ledger so that concurrent requests
// sharing an ID cannot both run.
func (e Engine) reserve(ctx context.Context, req domain.Request, actorID string) error {
	if e.DB == nil {
		return nil
	}
	err := e.Repo.ReserveRequestID(ctx, req.ID, req.Channel, actorID, e.now().UTC().Format(time.RFC3339Nano))
	switch {
	case errors.Is(err, repo.ErrConflict):
		return domain.NewCallerError(domain.ReasonInvalidArgument, req.Channel, "request id already used: "+req.ID)
	case err != nil:
		return fmt.Errorf("reserve request id: %w", err)
	}
	return nil
}

// mergeModules appends extra to base, skipping names already present.
func mergeModules(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	for _, m := range base {
		seen[strings.ToLower(m)] = true
	}
	for _, m := range extra {
		m = strings.TrimSpace(m)
		if m == "" || seen[strings.ToLower(m)] {
			continue
		}
		seen[strings.ToLower(m)] = true
		base = append(base, m)
	}
	return base
}

func (e Engine) reject(ctx context.Context, req domain.Request, actorID string, err error) {
	reason := "internal"
	var ce *domain.CallerError
	if errors.As(err, &ce) {
		reason = string(ce.Reason)
	}
	e.logger().Warn("request rejected",
		zap.String("request_id", req.ID),
		zap.String("channel", req.Channel),
		zap.String("actor_id", actorID),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if e.Metrics != nil {
		e.Metrics.Rejected.WithLabelValues(reason).Inc()
	}
	if e.DB == nil {
		return
	}
	payload := events.EventPayload{"channel": req.Channel, "reason": reason, "detail": err.Error()}
	if werr := e.Events.Append(ctx, nil, events.TypeInvocationRejected, "request", req.ID, actorID, payload); werr != nil {
		e.logger().Error("write rejection event", zap.String("request_id", req.ID), zap.Error(werr))
	}
}

func (e Engine) record(ctx context.Context, req domain.Request, actorID string, raw domain.RawResult, out domain.Outcome) {
	kind := "ok"
	inv := domain.Invocation{
		RequestID:  req.ID,
		Channel:    req.Channel,
		ActorID:    actorID,
		OK:         out.OK(),
		ExitCode:   raw.ExitCode,
		TimedOut:   raw.TimedOut,
		DurationMs: raw.Duration.Milliseconds(),
		CreatedAt:  e.now().UTC().Format(time.RFC3339Nano),
	}
	if f := out.Err(); f != nil {
		kind = string(f.Kind)
		inv.Kind = kind
		inv.Message = f.Message
	}

	fields := []zap.Field{
		zap.String("request_id", req.ID),
		zap.String("channel", req.Channel),
		zap.String("actor_id", actorID),
		zap.String("kind", kind),
		zap.Int64("duration_ms", inv.DurationMs),
		zap.Int("exit_code", raw.ExitCode),
	}
	switch {
	case out.OK():
		e.logger().Info("invocation completed", fields...)
	case out.Kind() == domain.KindNotFound || out.Kind() == domain.KindCancelled:
		e.logger().Info("invocation failed", append(fields, zap.String("message", inv.Message))...)
	default:
		e.logger().Warn("invocation failed", append(fields, zap.String("message", inv.Message), zap.Bool("stderr_truncated", raw.StderrTruncated))...)
	}

	if e.Metrics != nil {
		e.Metrics.Invocations.WithLabelValues(req.Channel, kind).Inc()
		e.Metrics.Duration.WithLabelValues(req.Channel).Observe(raw.Duration.Seconds())
	}
	if e.DB == nil {
		return
	}

	// The ledger write must not be lost when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.InsertInvocation(ctx, tx, inv)
		if err != nil {
			return fmt.Errorf("insert invocation: %w", err)
		}
		evtType := events.TypeInvocationCompleted
		if !out.OK() {
			evtType = events.TypeInvocationFailed
		}
		payload := events.EventPayload{
			"invocation_id": id,
			"channel":       req.Channel,
			"kind":          kind,
			"exit_code":     raw.ExitCode,
			"duration_ms":   inv.DurationMs,
		}
		if inv.Message != "" {
			payload["message"] = inv.Message
		}
		return e.Events.Append(ctx, tx, evtType, "invocation", req.ID, actorID, payload)
	})
	if err != nil {
		e.logger().Error("write invocation ledger", zap.String("request_id", req.ID), zap.Error(err))
	}
}
