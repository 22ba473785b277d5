package encoder

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/domain"
	"lockbridge/internal/registry"
)

var echoEntry = registry.Entry{
	Name:     "test:echo",
	Script:   "$Params",
	Timeout:  time.Second,
	Response: registry.Object(),
	Args: []registry.ArgSpec{
		{Name: "text", Kind: registry.ArgString},
		{Name: "count", Kind: registry.ArgInt, Optional: true},
		{Name: "flag", Kind: registry.ArgBool, Optional: true},
	},
}

func newTestEncoder(t *testing.T, interp Interpreter) *Encoder {
	t.Helper()
	if interp.Path == "" {
		interp.Path = "powershell.exe"
	}
	e, err := New(interp, Policy{
		AllowedModules:      []string{"ActiveDirectory", "AppLocker", "GroupPolicy"},
		AllowedPathPrefixes: []string{`C:\AppLocker`, `\\fileserver\evidence`, "/srv/lockbridge"},
	})
	require.NoError(t, err)
	return e
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"":          `''`,
		"plain":     `'plain'`,
		"O'Brien":   `'O''Brien'`,
		"a‘b’c":     `'a‘‘b’’c'`,
		"$env:PATH": `'$env:PATH'`,
		"`n;":       "'`n;'",
	}
	for in, want := range tests {
		got, err := Quote(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := Quote("a\x00b")
	assert.ErrorIs(t, err, ErrNulByte)
}

func TestEncodeCommandIsUTF16LEBase64(t *testing.T) {
	got := EncodeCommand("Get-Date")
	assert.Equal(t, "RwBlAHQALQBEAGEAdABlAA==", got)
	assert.Equal(t, "é日", decodeCommand(t, EncodeCommand("é日")))
}

func TestEncodeCommandLine(t *testing.T) {
	e := newTestEncoder(t, Interpreter{Path: "powershell.exe", Args: []string{"-NoProfile", "-NonInteractive"}})
	cl, err := e.Encode(echoEntry, []any{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "powershell.exe", cl.Path)
	require.Len(t, cl.Args, 4)
	assert.Equal(t, []string{"-NoProfile", "-NonInteractive", "-EncodedCommand"}, cl.Args[:3])

	script := decodeCommand(t, cl.Args[3])
	assert.Contains(t, script, "$ErrorActionPreference = 'Stop'")
	assert.Contains(t, script, "$WarningPreference = 'SilentlyContinue'")
	assert.Contains(t, script, "$InformationPreference = 'SilentlyContinue'")
	assert.Contains(t, script, "[Console]::Out.Write(\"`n\" + '"+domain.EnvelopeMarker+"' + (ConvertTo-Json")
	assert.Contains(t, script, "    'text' = 'hello'\n")
	assert.Contains(t, script, "    'count' = $null\n")
	assert.Contains(t, script, "errorType = $_.Exception.GetType().Name")
	assert.NotContains(t, script, "Import-Module")
}

func TestScriptImportsModulesInOwnTry(t *testing.T) {
	e := newTestEncoder(t, Interpreter{})
	entry, ok := registry.Builtin().Lookup("policy:deploy")
	require.True(t, ok)
	script, err := e.Script(entry, []any{"AppLocker Baseline", `C:\AppLocker\policy.xml`, "Merge"})
	require.NoError(t, err)
	gp := strings.Index(script, "Import-Module -Name 'GroupPolicy' -ErrorAction Stop")
	al := strings.Index(script, "Import-Module -Name 'AppLocker' -ErrorAction Stop")
	params := strings.Index(script, "$Params = @{")
	require.True(t, gp > 0 && al > gp && params > al, script)
	assert.Contains(t, script[:params], "errorType = 'ModuleUnavailable'")
	assert.Contains(t, script, "Import-Module -Name 'GroupPolicy' -ErrorAction Stop -WarningAction SilentlyContinue")
}

func TestScriptWrapsArrayResponses(t *testing.T) {
	e := newTestEncoder(t, Interpreter{})
	entry, _ := registry.Builtin().Lookup("machine:getAll")
	script, err := e.Script(entry, nil)
	require.NoError(t, err)
	assert.Contains(t, script, "$Data = @(& {")

	entry, _ = registry.Builtin().Lookup("ad:addToGroup")
	script, err = e.Script(entry, []any{"alice", "AppLocker-Admins"})
	require.NoError(t, err)
	assert.Contains(t, script, "$Data = & {")
}

func TestModuleAllowList(t *testing.T) {
	e, err := New(Interpreter{Path: "pwsh"}, Policy{AllowedModules: []string{"AppLocker"}})
	require.NoError(t, err)

	entry, _ := registry.Builtin().Lookup("machine:getAll")
	_, err = e.Encode(entry, nil)
	var ce *domain.CallerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ReasonModuleNotAllowed, ce.Reason)

	check, _ := registry.Builtin().Lookup("system:checkModule")
	script, err := e.Script(check, []any{"applocker"})
	require.NoError(t, err)
	assert.Contains(t, script, "'moduleName' = 'AppLocker'")

	_, err = e.Script(check, []any{"PSReadLine"})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ReasonModuleNotAllowed, ce.Reason)
	assert.Equal(t, "moduleName", ce.Arg)
}

func TestPathAllowList(t *testing.T) {
	e := newTestEncoder(t, Interpreter{})
	entry, _ := registry.Builtin().Lookup("events:backup")

	allowed := map[string]string{
		`C:\AppLocker\backup.csv`:         `C:\AppLocker\backup.csv`,
		`c:/applocker/sub/./backup.csv`:   `C:\applocker\sub\backup.csv`,
		`C:\AppLocker`:                    `C:\AppLocker`,
		`\\FileServer\Evidence\ws1.csv`:   `\\FileServer\Evidence\ws1.csv`,
		"/srv/lockbridge//out/events.csv": "/srv/lockbridge/out/events.csv",
	}
	for in, want := range allowed {
		script, err := e.Script(entry, []any{"WS1", in})
		require.NoError(t, err, in)
		q, _ := Quote(want)
		assert.Contains(t, script, "'outputPath' = "+q, in)
	}

	rejected := []string{
		`C:\AppLockerEvil\x.csv`,
		`C:\AppLocker\..\Windows\x.csv`,
		`D:\AppLocker\x.csv`,
		`relative\x.csv`,
		`C:\AppLocker\x.csv:stream`,
		`C:\AppLocker\*.csv`,
		`\\fileserver`,
		"/srv/lockbridge/../etc/passwd",
		"/srv/other",
	}
	for _, in := range rejected {
		_, err := e.Script(entry, []any{"WS1", in})
		var ce *domain.CallerError
		require.ErrorAs(t, err, &ce, in)
		assert.Equal(t, domain.ReasonPathNotAllowed, ce.Reason, in)
	}
}

func TestEncodeRejectsOversizedCommand(t *testing.T) {
	e := newTestEncoder(t, Interpreter{})
	entry := echoEntry
	entry.Args = []registry.ArgSpec{{Name: "text", Kind: registry.ArgString, MaxLen: 1 << 20}}
	_, err := e.Encode(entry, []any{strings.Repeat("x", 20000)})
	var ce *domain.CallerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ReasonInvalidArgument, ce.Reason)
}

// TestEscapingRoundTrip runs the encoded command line against a harness that
// parses the $Params literals the way PowerShell's tokenizer does and echoes
// them back.
func TestEscapingRoundTrip(t *testing.T) {
	e := newTestEncoder(t, Interpreter{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess", "--"},
		Env:  []string{"LB_WANT_HELPER_PROCESS=1"},
	})
	inputs := []string{
		"",
		"plain",
		"O'Brien",
		"''",
		"'; Remove-Item C:\\ -Recurse; '",
		"‘smart’ ‚quotes‛",
		"back`tick `$(Get-Process)",
		"semi;colon & pipe | redirect > out",
		"line1\nline2\r\nline3",
		"$env:USERNAME $(whoami) @(1,2)",
		"unicode é 日本語 🔒",
		"trailing quote'",
	}
	for _, in := range inputs {
		cl, err := e.Encode(echoEntry, []any{in, 7, true})
		require.NoError(t, err, in)
		cmd := exec.Command(cl.Path, cl.Args...)
		cmd.Env = append(os.Environ(), cl.Env...)
		out, err := cmd.Output()
		require.NoError(t, err, in)

		var env struct {
			Success bool           `json:"success"`
			Data    map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(out, &env), string(out))
		require.True(t, env.Success)
		assert.Equal(t, in, env.Data["text"], "round trip of %q", in)
		assert.Equal(t, "7", env.Data["count"])
		assert.Equal(t, "$true", env.Data["flag"])
	}
}

// TestHelperProcess is not a real test. It stands in for the interpreter.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("LB_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	var encoded string
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-EncodedCommand" {
			encoded = args[i+1]
		}
	}
	script, err := decodeScript(encoded)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	params, err := parseParams(script)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	b, _ := json.Marshal(map[string]any{"success": true, "data": params})
	os.Stdout.Write(b)
	os.Exit(0)
}

func decodeCommand(t *testing.T, encoded string) string {
	t.Helper()
	s, err := decodeScript(encoded)
	require.NoError(t, err)
	return s
}

func decodeScript(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("odd byte count %d", len(raw))
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// parseParams reads the $Params hashtable. String values are single-quoted
// literals; anything else is returned as its source text.
func parseParams(script string) (map[string]string, error) {
	const open = "$Params = @{\n"
	start := strings.Index(script, open)
	if start < 0 {
		return nil, fmt.Errorf("no $Params block")
	}
	rs := []rune(script[start+len(open):])
	out := map[string]string{}
	i := 0
	for {
		for i < len(rs) && (rs[i] == ' ' || rs[i] == '\n') {
			i++
		}
		if i >= len(rs) {
			return nil, fmt.Errorf("unterminated $Params")
		}
		if rs[i] == '}' {
			return out, nil
		}
		key, next, err := readLiteral(rs, i)
		if err != nil {
			return nil, err
		}
		i = next
		if !strings.HasPrefix(string(rs[i:min(i+3, len(rs))]), " = ") {
			return nil, fmt.Errorf("expected ' = ' after %q", key)
		}
		i += 3
		if isSingleQuote(rs[i]) {
			val, next, err := readLiteral(rs, i)
			if err != nil {
				return nil, err
			}
			out[key] = val
			i = next
			continue
		}
		var b bytes.Buffer
		for i < len(rs) && rs[i] != '\n' {
			b.WriteRune(rs[i])
			i++
		}
		out[key] = b.String()
	}
}

func readLiteral(rs []rune, i int) (string, int, error) {
	if !isSingleQuote(rs[i]) {
		return "", i, fmt.Errorf("expected quote at %d", i)
	}
	i++
	var b strings.Builder
	for i < len(rs) {
		r := rs[i]
		if isSingleQuote(r) {
			if i+1 < len(rs) && isSingleQuote(rs[i+1]) {
				b.WriteRune(rs[i+1])
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteRune(r)
		i++
	}
	return "", i, fmt.Errorf("unterminated literal")
}
