package domain

import "time"

// Request is one call on a named channel. ID is assigned by the caller and
// must be unique per call.
type Request struct {
	ID        string
	Channel   string
	Args      []any
	TimeoutMs int

	// RequiresModules lists the PowerShell modules the channel imports before
	// running its body.
	RequiresModules []string
}

// EnvelopeMarker starts the line that carries the result envelope on stdout.
// Anything printed before it is diagnostic noise.
const EnvelopeMarker = "#lockbridge-envelope#"

// CommandLine is a fully encoded process invocation. Args are passed to the
// process as an argv vector; nothing is interpreted by a shell.
type CommandLine struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// RawResult is what the executor observed about one child process.
type RawResult struct {
	// Started is set once the child process exists.
	Started         bool
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	TimedOut        bool
	Cancelled       bool
	SpawnError      error
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
}
