// Package adapters turns channel Outcomes into domain values or typed domain
// errors. An Err outcome is always returned as an error carrying its
// ErrorKind; it is never replaced by an empty value.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lockbridge/internal/domain"
)

// Invoker issues one channel request. Both the SDK client and the
// in-process engine satisfy it.
type Invoker interface {
	Invoke(ctx context.Context, channel string, args ...any) (domain.Outcome, error)
}

// RetryPolicy re-issues idempotent reads that failed with a transient kind.
// Attempts counts the first call; zero or one disables retry. Each retry is
// sent only after the previous Outcome has been observed.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Options are shared by every repository.
type Options struct {
	Retry  RetryPolicy
	Logger *zap.Logger
}

type caller struct {
	inv    Invoker
	retry  RetryPolicy
	logger *zap.Logger
}

func newCaller(inv Invoker, opts Options) caller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return caller{inv: inv, retry: opts.Retry, logger: logger}
}

// call invokes channel and decodes the Ok payload into T. read marks the
// channel as an idempotent read eligible for retry.
func call[T any](ctx context.Context, c caller, channel string, read bool, args ...any) (T, error) {
	var zero T
	attempts := 1
	if read && c.retry.Attempts > 1 {
		attempts = c.retry.Attempts
	}

	var out domain.Outcome
	for attempt := 1; ; attempt++ {
		var err error
		out, err = c.inv.Invoke(ctx, channel, args...)
		if err != nil {
			var ce *domain.CallerError
			if errors.As(err, &ce) {
				return zero, &domain.ValidationError{Op: channel, Err: ce}
			}
			return zero, fmt.Errorf("%s: %w", channel, err)
		}
		if out.OK() || attempt >= attempts || !out.Kind().Transient() || ctx.Err() != nil {
			break
		}
		c.logger.Debug("retrying channel",
			zap.String("channel", channel),
			zap.String("kind", string(out.Kind())),
			zap.Int("attempt", attempt),
		)
		if !sleep(ctx, c.retry.Backoff) {
			break
		}
	}

	if !out.OK() {
		f := out.Err()
		if f == nil {
			return zero, &domain.ExternalServiceError{
				Op:      channel,
				Kind:    domain.KindMalformedResponse,
				Message: "invoker returned an empty outcome",
			}
		}
		return zero, domain.ErrorFromFailure(channel, f)
	}
	var v T
	if err := out.Decode(&v); err != nil {
		return zero, &domain.ExternalServiceError{
			Op:      channel,
			Kind:    domain.KindMalformedResponse,
			Message: "response does not match the expected type",
			Cause:   err.Error(),
		}
	}
	return v, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// optional maps a zero value to an omitted argument.
func optional[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

// nonNil keeps a genuine empty list distinct from a missing one.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// Repositories bundles every adapter over one Invoker.
type Repositories struct {
	Machines   MachineRepository
	AD         ADRepository
	Events     EventRepository
	Policy     PolicyRepository
	Compliance ComplianceRepository
	System     SystemRepository
}

func New(inv Invoker, opts Options) Repositories {
	c := newCaller(inv, opts)
	return Repositories{
		Machines:   MachineRepository{c: c},
		AD:         ADRepository{c: c},
		Events:     EventRepository{c: c},
		Policy:     PolicyRepository{c: c},
		Compliance: ComplianceRepository{c: c},
		System:     SystemRepository{c: c},
	}
}
