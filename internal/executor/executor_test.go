package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/domain"
)

func helperCommand(mode string, extra ...string) domain.CommandLine {
	return domain.CommandLine{
		Path: os.Args[0],
		Args: append([]string{"-test.run=TestHelperProcess", "--"}, extra...),
		Env:  []string{"LB_WANT_HELPER_PROCESS=1", "LB_HELPER_MODE=" + mode},
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	p := New(Options{})
	res := p.Execute(context.Background(), helperCommand("echo"), 5*time.Second)
	require.NoError(t, res.SpawnError)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, `{"success":true,"data":[]}`, string(res.Stdout))
	assert.Equal(t, "warning: something\n", string(res.Stderr))
	assert.False(t, res.TimedOut)
	assert.False(t, res.Cancelled)
	assert.True(t, res.Duration > 0)
	assert.True(t, res.Started)
	assert.EqualValues(t, 1, p.Spawned())
}

func TestExecuteTimeout(t *testing.T) {
	p := New(Options{WaitDelay: 100 * time.Millisecond})
	start := time.Now()
	res := p.Execute(context.Background(), helperCommand("sleep"), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, res.TimedOut)
	assert.True(t, res.Started)
	assert.False(t, res.Cancelled)
	assert.NoError(t, res.SpawnError)
	assert.Less(t, elapsed, 600*time.Millisecond)
}

func TestExecuteCallerDeadlineIsTimeout(t *testing.T) {
	p := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := p.Execute(ctx, helperCommand("sleep"), time.Minute)
	assert.True(t, res.TimedOut)
}

func TestExecuteCancelKillsProcess(t *testing.T) {
	p := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := p.Execute(ctx, helperCommand("sleep"), time.Minute)
	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteSpawnError(t *testing.T) {
	p := New(Options{})
	res := p.Execute(context.Background(), domain.CommandLine{Path: "/nonexistent/lockbridge-interpreter"}, time.Second)
	require.Error(t, res.SpawnError)
	assert.Equal(t, -1, res.ExitCode)
	assert.False(t, res.Started)
	assert.EqualValues(t, 0, p.Spawned())
}

func TestExecuteRejectsMissingTimeout(t *testing.T) {
	p := New(Options{})
	res := p.Execute(context.Background(), helperCommand("echo"), 0)
	assert.ErrorIs(t, res.SpawnError, ErrNoTimeout)
	assert.False(t, res.Started)
	assert.EqualValues(t, 0, p.Spawned())

	res = p.Execute(context.Background(), domain.CommandLine{}, time.Second)
	assert.ErrorIs(t, res.SpawnError, ErrNoProgram)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	p := New(Options{MaxOutputBytes: 1024})
	res := p.Execute(context.Background(), helperCommand("flood"), 5*time.Second)
	require.NoError(t, res.SpawnError)
	assert.Len(t, res.Stdout, 1024)
	assert.True(t, res.StdoutTruncated)
	assert.False(t, res.StderrTruncated)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecuteConcurrencyBound(t *testing.T) {
	p := New(Options{MaxConcurrent: 1})
	var wg sync.WaitGroup
	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		p.Execute(context.Background(), helperCommand("sleep"), 500*time.Millisecond)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	res := p.Execute(context.Background(), helperCommand("echo"), 100*time.Millisecond)
	assert.True(t, res.TimedOut)
	wg.Wait()
	assert.EqualValues(t, 1, p.Spawned())
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcde", string(b.Bytes()))
	assert.True(t, b.Truncated())
}

// TestHelperProcess is not a real test. Executor tests run it as a child.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LB_WANT_HELPER_PROCESS") != "1" {
		return
	}
	switch os.Getenv("LB_HELPER_MODE") {
	case "echo":
		fmt.Fprint(os.Stdout, `{"success":true,"data":[]}`)
		fmt.Fprintln(os.Stderr, "warning: something")
		os.Exit(3)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	case "flood":
		fmt.Fprint(os.Stdout, strings.Repeat("x", 10000))
		os.Exit(0)
	}
	os.Exit(2)
}
