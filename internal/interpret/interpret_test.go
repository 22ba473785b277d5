package interpret

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockbridge/internal/domain"
	"lockbridge/internal/registry"
)

func machineShape(t *testing.T) registry.Shape {
	t.Helper()
	e, ok := registry.Builtin().Lookup("machine:getAll")
	require.True(t, ok)
	return e.Response
}

func stdout(s string) domain.RawResult {
	return domain.RawResult{Stdout: []byte(s)}
}

func TestInterpretOk(t *testing.T) {
	o := Interpret(stdout(`{"success": true, "data": [{"hostname":"WS1"}]}`), machineShape(t))
	require.True(t, o.OK(), "%v", o.Err())
	assert.JSONEq(t, `[{"hostname":"WS1"}]`, string(o.Data()))
}

func TestInterpretGenuineEmptyList(t *testing.T) {
	o := Interpret(stdout("\ufeff  {\"success\":true,\"data\":[]}\r\n"), machineShape(t))
	require.True(t, o.OK())
	assert.Equal(t, "[]", string(o.Data()))
}

// No malformed, truncated or failing output may produce an empty success.
func TestInterpretNeverSilentEmpty(t *testing.T) {
	shape := machineShape(t)
	cases := []struct {
		name string
		raw  domain.RawResult
		kind domain.ErrorKind
	}{
		{"empty stdout", stdout(""), domain.KindMalformedResponse},
		{"whitespace", stdout(" \n\t"), domain.KindMalformedResponse},
		{"plain text", stdout("not json at all"), domain.KindMalformedResponse},
		{"truncated json", stdout(`{"success":true,"data":[{"hostname":"WS`), domain.KindMalformedResponse},
		{"bare array", stdout(`[]`), domain.KindMalformedResponse},
		{"bare object", stdout(`{}`), domain.KindMalformedResponse},
		{"null", stdout(`null`), domain.KindMalformedResponse},
		{"success as string", stdout(`{"success":"true","data":[]}`), domain.KindMalformedResponse},
		{"missing data", stdout(`{"success":true}`), domain.KindMalformedResponse},
		{"object for list", stdout(`{"success":true,"data":{}}`), domain.KindMalformedResponse},
		{"trailing document", stdout(`{"success":true,"data":[]}{"success":false}`), domain.KindMalformedResponse},
		{"trailing text", stdout(`{"success":true,"data":[]} WARNING: done`), domain.KindMalformedResponse},
		{"wrong item type", stdout(`{"success":true,"data":[{"hostname":1}]}`), domain.KindMalformedResponse},
		{"capture limit", domain.RawResult{Stdout: []byte(`{"success":true,"data":[]}`), StdoutTruncated: true}, domain.KindMalformedResponse},
		{"failure envelope", stdout(`{"success":false,"error":"boom"}`), domain.KindExternalFailure},
		{"failure without message", stdout(`{"success":false}`), domain.KindExternalFailure},
		{"success with exit code", domain.RawResult{Stdout: []byte(`{"success":true,"data":[]}`), ExitCode: 1}, domain.KindExternalFailure},
		{"timed out with output", domain.RawResult{Stdout: []byte(`{"success":true,"data":[]}`), TimedOut: true}, domain.KindTimeout},
		{"cancelled", domain.RawResult{Cancelled: true}, domain.KindCancelled},
		{"spawn error", domain.RawResult{ExitCode: -1, SpawnError: errors.New("exec: not found")}, domain.KindExternalFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Interpret(tc.raw, shape)
			require.False(t, o.OK(), "got Ok(%s)", o.Data())
			assert.Equal(t, tc.kind, o.Err().Kind)
			assert.NotEmpty(t, o.Err().Message)
		})
	}
}

func TestInterpretSkipsNoiseBeforeEnvelope(t *testing.T) {
	out := "WARNING: Error initializing default drive: 'Unable to find a default server with Active Directory Web Services running.'.\r\n" +
		"Scanning WS1\r\n" +
		"\n" + domain.EnvelopeMarker + `{"success":true,"data":[{"hostname":"WS1"}]}` + "\r\n"
	o := Interpret(stdout(out), machineShape(t))
	require.True(t, o.OK(), "%v", o.Err())
	assert.JSONEq(t, `[{"hostname":"WS1"}]`, string(o.Data()))

	o = Interpret(stdout(domain.EnvelopeMarker+`{"success":true,"data":[]}`), machineShape(t))
	require.True(t, o.OK(), "%v", o.Err())

	// Without a marker, leading noise still makes the output unreadable.
	o = Interpret(stdout("WARNING: something\r\n"+`{"success":true,"data":[]}`), machineShape(t))
	assert.Equal(t, domain.KindMalformedResponse, o.Kind())

	o = Interpret(stdout("WARNING: something\n"+domain.EnvelopeMarker), machineShape(t))
	assert.Equal(t, domain.KindMalformedResponse, o.Kind())
}

func TestInterpretModuleUnavailable(t *testing.T) {
	raw := stdout(`{"success": false, "error": "'Get-ADComputer' is not recognized as the name of a cmdlet, function, script file, or operable program.", "errorType": "CommandNotFoundException"}`)
	o := Interpret(raw, machineShape(t))
	require.NotNil(t, o.Err())
	assert.Equal(t, domain.KindModuleUnavailable, o.Err().Kind)
	assert.Contains(t, o.Err().Message, "Get-ADComputer")
}

func TestInterpretNotJSONFromEventsChannel(t *testing.T) {
	e, _ := registry.Builtin().Lookup("events:getAll")
	o := Interpret(domain.RawResult{Stdout: []byte("not json at all"), ExitCode: 0}, e.Response)
	require.NotNil(t, o.Err())
	assert.Equal(t, domain.KindMalformedResponse, o.Err().Kind)
	assert.Contains(t, o.Err().Cause, "not json at all")
}

func TestInterpretPermissionDenied(t *testing.T) {
	e, _ := registry.Builtin().Lookup("ad:addToGroup")
	o := Interpret(stdout(`{"success": false, "error": "Access is denied", "errorType": "UnauthorizedAccessException"}`), e.Response)
	require.NotNil(t, o.Err())
	assert.Equal(t, domain.KindPermissionDenied, o.Err().Kind)
	assert.Equal(t, "Access is denied", o.Err().Message)
}

func TestInterpretCauseIncludesStderr(t *testing.T) {
	raw := domain.RawResult{Stdout: []byte("garbage"), Stderr: []byte("line1\nfatal: \x1b[31mred\x1b[0m"), ExitCode: 5}
	o := Interpret(raw, registry.Any())
	require.NotNil(t, o.Err())
	assert.Contains(t, o.Err().Cause, "exit code 5")
	assert.Contains(t, o.Err().Cause, "fatal:")
	assert.NotContains(t, o.Err().Cause, "\x1b")
}

func TestInterpretSnippetIsBounded(t *testing.T) {
	raw := stdout(strings.Repeat("é", 2000))
	o := Interpret(raw, registry.Any())
	require.NotNil(t, o.Err())
	assert.Less(t, len(o.Err().Cause), 1200)
	assert.True(t, utf8.ValidString(o.Err().Cause))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		errorType string
		message   string
		want      domain.ErrorKind
	}{
		{"ModuleUnavailable", "Import failed", domain.KindModuleUnavailable},
		{"NotFound", "", domain.KindNotFound},
		{"FileNotFoundException", "The specified module 'ActiveDirectory' was not loaded because no valid module file was found in any module directory.", domain.KindModuleUnavailable},
		{"FileNotFoundException", "Could not find file 'C:\\Policies\\applocker.xml'.", domain.KindNotFound},
		{"DirectoryNotFoundException", "Could not find a part of the path 'C:\\AppLocker\\scans'.", domain.KindNotFound},
		{"RuntimeException", "Insufficient access rights to perform the operation", domain.KindPermissionDenied},
		{"ADIdentityNotFoundException", "Cannot find an object with identity: 'nobody'", domain.KindNotFound},
		{"ItemNotFoundException", "Cannot find path 'C:\\x' because it does not exist.", domain.KindNotFound},
		{"IOException", "The operation has timed out.", domain.KindTimeout},
		{"RuntimeException", "Something else broke", domain.KindExternalFailure},
		{"", "", domain.KindExternalFailure},
		{"Cancelled", "spoofed", domain.KindExternalFailure},
		{"MalformedResponse", "spoofed", domain.KindExternalFailure},
	}
	for _, tt := range tests {
		t.Run(tt.errorType+"/"+tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.errorType, tt.message))
		})
	}
}
