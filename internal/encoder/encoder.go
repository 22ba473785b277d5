// Package encoder turns a channel entry and its arguments into a PowerShell
// command line. Arguments are never spliced into script text unquoted; every
// value reaches the script as a single-quoted literal or a typed constant.
package encoder

import (
	"fmt"
	"strconv"
	"strings"

	"lockbridge/internal/domain"
	"lockbridge/internal/registry"
)

// MaxCommandLine is the Windows CreateProcess command line limit in UTF-16
// code units.
const MaxCommandLine = 32767

type Interpreter struct {
	Path string
	Args []string
	Env  []string
}

type Policy struct {
	AllowedModules      []string
	AllowedPathPrefixes []string
}

type Encoder struct {
	interp   Interpreter
	modules  map[string]string
	prefixes []cleanPath
}

func New(interp Interpreter, policy Policy) (*Encoder, error) {
	if strings.TrimSpace(interp.Path) == "" {
		return nil, fmt.Errorf("interpreter path required")
	}
	e := &Encoder{
		interp: Interpreter{
			Path: interp.Path,
			Args: append([]string(nil), interp.Args...),
			Env:  append([]string(nil), interp.Env...),
		},
		modules: make(map[string]string, len(policy.AllowedModules)),
	}
	for _, m := range policy.AllowedModules {
		e.modules[strings.ToLower(m)] = m
	}
	for _, p := range policy.AllowedPathPrefixes {
		cp, err := normalizePath(p)
		if err != nil {
			return nil, fmt.Errorf("allowed path prefix %q: %w", p, err)
		}
		e.prefixes = append(e.prefixes, cp)
	}
	return e, nil
}

// Encode builds the argv for one invocation of entry.
func (e *Encoder) Encode(entry registry.Entry, args []any) (domain.CommandLine, error) {
	script, err := e.Script(entry, args)
	if err != nil {
		return domain.CommandLine{}, err
	}
	argv := append(append([]string(nil), e.interp.Args...), "-EncodedCommand", EncodeCommand(script))
	if n := commandLineLength(e.interp.Path, argv); n > MaxCommandLine {
		return domain.CommandLine{}, &domain.CallerError{
			Reason:  domain.ReasonInvalidArgument,
			Channel: entry.Name,
			Detail:  fmt.Sprintf("encoded command is %d characters, limit is %d", n, MaxCommandLine),
		}
	}
	return domain.CommandLine{
		Path: e.interp.Path,
		Args: argv,
		Env:  append([]string(nil), e.interp.Env...),
	}, nil
}

// Script returns the full PowerShell script for one invocation of entry.
func (e *Encoder) Script(entry registry.Entry, args []any) (string, error) {
	values, err := entry.Bind(args)
	if err != nil {
		return "", err
	}
	modules := make([]string, 0, len(entry.Modules))
	for _, m := range entry.Modules {
		canonical, err := e.allowModule(entry.Name, "", m)
		if err != nil {
			return "", err
		}
		modules = append(modules, canonical)
	}

	var params strings.Builder
	for _, v := range values {
		lit, err := e.literal(entry.Name, v)
		if err != nil {
			return "", err
		}
		key, err := Quote(v.Name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&params, "    %s = %s\n", key, lit)
	}

	var b strings.Builder
	b.WriteString(prelude)
	if len(modules) > 0 {
		b.WriteString("try {\n")
		for _, m := range modules {
			q, _ := Quote(m)
			fmt.Fprintf(&b, "    Import-Module -Name %s -ErrorAction Stop -WarningAction SilentlyContinue\n", q)
		}
		b.WriteString("} catch {\n")
		b.WriteString("    Write-Envelope @{ success = $false; error = $_.Exception.Message; errorType = 'ModuleUnavailable' }\n")
		b.WriteString("    exit 1\n")
		b.WriteString("}\n")
	}
	b.WriteString("$Params = @{\n")
	b.WriteString(params.String())
	b.WriteString("}\n")
	b.WriteString("try {\n")
	if entry.Response.Kind == registry.ShapeArray {
		b.WriteString("    $Data = @(& {\n")
	} else {
		b.WriteString("    $Data = & {\n")
	}
	b.WriteString(strings.Trim(entry.Script, "\n"))
	b.WriteString("\n")
	if entry.Response.Kind == registry.ShapeArray {
		b.WriteString("    })\n")
	} else {
		b.WriteString("    }\n")
	}
	b.WriteString(epilogue)
	return b.String(), nil
}

const prelude = `$ErrorActionPreference = 'Stop'
$ProgressPreference = 'SilentlyContinue'
$WarningPreference = 'SilentlyContinue'
$InformationPreference = 'SilentlyContinue'
[Console]::OutputEncoding = [System.Text.Encoding]::UTF8
function Write-Envelope([hashtable]$Envelope) {
    [Console]::Out.Write("` + "`n" + `" + '` + domain.EnvelopeMarker + `' + (ConvertTo-Json -InputObject $Envelope -Depth 16 -Compress))
}
`

const epilogue = `    Write-Envelope @{ success = $true; data = $Data }
} catch {
    Write-Envelope @{ success = $false; error = $_.Exception.Message; errorType = $_.Exception.GetType().Name }
    exit 1
}
exit 0
`

func (e *Encoder) literal(channel string, v registry.Value) (string, error) {
	switch x := v.V.(type) {
	case nil:
		return "$null", nil
	case bool:
		if x {
			return "$true", nil
		}
		return "$false", nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case string:
		s := x
		switch v.Kind {
		case registry.ArgPath:
			cp, err := e.allowPath(channel, v.Name, x)
			if err != nil {
				return "", err
			}
			s = cp
		case registry.ArgModule:
			m, err := e.allowModule(channel, v.Name, x)
			if err != nil {
				return "", err
			}
			s = m
		}
		q, err := Quote(s)
		if err != nil {
			return "", &domain.CallerError{Reason: domain.ReasonInvalidArgument, Channel: channel, Arg: v.Name, Detail: err.Error()}
		}
		return q, nil
	}
	return "", &domain.CallerError{Reason: domain.ReasonInvalidArgument, Channel: channel, Arg: v.Name, Detail: fmt.Sprintf("unsupported value %T", v.V)}
}

func (e *Encoder) allowModule(channel, arg, name string) (string, error) {
	canonical, ok := e.modules[strings.ToLower(name)]
	if !ok {
		return "", &domain.CallerError{
			Reason:  domain.ReasonModuleNotAllowed,
			Channel: channel,
			Arg:     arg,
			Detail:  fmt.Sprintf("module %q is not in the allow-list", name),
		}
	}
	return canonical, nil
}

func (e *Encoder) allowPath(channel, arg, p string) (string, error) {
	cp, err := normalizePath(p)
	if err != nil {
		return "", &domain.CallerError{Reason: domain.ReasonPathNotAllowed, Channel: channel, Arg: arg, Detail: err.Error()}
	}
	for _, prefix := range e.prefixes {
		if cp.within(prefix) {
			return cp.value, nil
		}
	}
	return "", &domain.CallerError{
		Reason:  domain.ReasonPathNotAllowed,
		Channel: channel,
		Arg:     arg,
		Detail:  fmt.Sprintf("%s is outside the allowed prefixes", cp.value),
	}
}

// commandLineLength approximates the length of the Windows command line
// built from argv. Encoded arguments never need quoting.
func commandLineLength(path string, argv []string) int {
	n := len(path) + 2
	for _, a := range argv {
		n += 1 + len(a)
		if strings.ContainsAny(a, " \t\"") {
			n += 2
		}
	}
	return n
}
