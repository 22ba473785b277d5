// Package executor runs encoded command lines as child processes with a hard
// deadline and reports what happened as a domain.RawResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"lockbridge/internal/domain"
)

const (
	DefaultMaxOutputBytes = 50 << 20
	DefaultWaitDelay      = 500 * time.Millisecond
)

var (
	ErrNoTimeout = errors.New("executor: timeout must be positive")
	ErrNoProgram = errors.New("executor: command path is empty")
)

// Executor runs one command line to completion. Implementations never return
// an error: every failure is described by the RawResult.
type Executor interface {
	Execute(ctx context.Context, cl domain.CommandLine, timeout time.Duration) domain.RawResult
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, cl domain.CommandLine, timeout time.Duration) domain.RawResult

func (f Func) Execute(ctx context.Context, cl domain.CommandLine, timeout time.Duration) domain.RawResult {
	return f(ctx, cl, timeout)
}

type Options struct {
	// MaxOutputBytes caps each of stdout and stderr. Zero means the default.
	MaxOutputBytes int64
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed. Zero means the default.
	WaitDelay time.Duration
	// MaxConcurrent bounds the number of live child processes. Zero means
	// unbounded.
	MaxConcurrent int64
}

// Process is the os/exec backed Executor.
type Process struct {
	maxOutput int64
	waitDelay time.Duration
	sem       *semaphore.Weighted
	spawned   atomic.Int64
}

func New(opts Options) *Process {
	p := &Process{maxOutput: opts.MaxOutputBytes, waitDelay: opts.WaitDelay}
	if p.maxOutput <= 0 {
		p.maxOutput = DefaultMaxOutputBytes
	}
	if p.waitDelay <= 0 {
		p.waitDelay = DefaultWaitDelay
	}
	if opts.MaxConcurrent > 0 {
		p.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return p
}

// Spawned returns how many processes have been started.
func (p *Process) Spawned() int64 { return p.spawned.Load() }

// Execute starts cl and waits for it. The process is killed when timeout
// elapses (TimedOut) or when ctx is cancelled (Cancelled).
func (p *Process) Execute(ctx context.Context, cl domain.CommandLine, timeout time.Duration) (res domain.RawResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = domain.RawResult{ExitCode: -1, SpawnError: fmt.Errorf("executor: panic: %v", r)}
		}
		res.Duration = time.Since(start)
	}()

	if timeout <= 0 {
		return domain.RawResult{ExitCode: -1, SpawnError: ErrNoTimeout}
	}
	if cl.Path == "" {
		return domain.RawResult{ExitCode: -1, SpawnError: ErrNoProgram}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if p.sem != nil {
		if err := p.sem.Acquire(runCtx, 1); err != nil {
			return interrupted(ctx, domain.RawResult{ExitCode: -1})
		}
		defer p.sem.Release(1)
	}

	stdout := newCappedBuffer(p.maxOutput)
	stderr := newCappedBuffer(p.maxOutput)

	var killed atomic.Bool
	cmd := exec.CommandContext(runCtx, cl.Path, cl.Args...)
	cmd.Env = append(os.Environ(), cl.Env...)
	cmd.Dir = cl.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		killed.Store(true)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = p.waitDelay

	if err := cmd.Start(); err != nil {
		return domain.RawResult{ExitCode: -1, SpawnError: err}
	}
	p.spawned.Add(1)

	waitErr := cmd.Wait()
	res = domain.RawResult{
		Started:         true,
		ExitCode:        exitCode(cmd, waitErr),
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	if killed.Load() {
		return interrupted(ctx, res)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		res.SpawnError = waitErr
	}
	return res
}

// interrupted marks res as cancelled when the caller gave up, and as timed
// out when a deadline (ours or the caller's) passed.
func interrupted(parent context.Context, res domain.RawResult) domain.RawResult {
	if errors.Is(parent.Err(), context.Canceled) {
		res.Cancelled = true
	} else {
		res.TimedOut = true
	}
	return res
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
