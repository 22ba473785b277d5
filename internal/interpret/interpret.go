// Package interpret turns a RawResult into an Outcome. It is the only place
// where exit codes, stderr and stdout are judged.
package interpret

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"lockbridge/internal/domain"
	"lockbridge/internal/registry"
)

const snippetLen = 512

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type envelope struct {
	Success   *bool           `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	ErrorType string          `json:"errorType"`
}

// Interpret classifies raw against the channel's declared response shape.
// Anything that is not a well-formed success envelope with matching data is
// an Err; there is no path that yields an empty Ok by default.
func Interpret(raw domain.RawResult, expected registry.Shape) domain.Outcome {
	switch {
	case raw.TimedOut:
		return domain.Fail(domain.KindTimeout, "command timed out", stderrTail(raw))
	case raw.Cancelled:
		return domain.Fail(domain.KindCancelled, "command cancelled", "")
	case raw.SpawnError != nil:
		return domain.Fail(domain.KindExternalFailure, "could not start command", raw.SpawnError.Error())
	case raw.StdoutTruncated:
		return domain.Fail(domain.KindMalformedResponse, "command output exceeded the capture limit", exitCause(raw))
	}

	body := envelopeLine(bytes.TrimSpace(bytes.TrimPrefix(bytes.TrimSpace(raw.Stdout), utf8BOM)))
	if len(body) == 0 {
		return domain.Fail(domain.KindMalformedResponse, "command produced no output", exitCause(raw))
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		return domain.Fail(domain.KindMalformedResponse, "command output is not a result envelope: "+err.Error(),
			fmt.Sprintf("stdout: %s; %s", snippet(body), exitCause(raw)))
	}

	if !*env.Success {
		msg := ""
		if env.Error != nil {
			msg = strings.TrimSpace(*env.Error)
		}
		if msg == "" {
			msg = "command reported failure without a message"
		}
		return domain.Fail(Classify(env.ErrorType, msg), msg, env.ErrorType)
	}

	if raw.ExitCode != 0 {
		return domain.Fail(domain.KindExternalFailure,
			fmt.Sprintf("command reported success but exited with code %d", raw.ExitCode), stderrTail(raw))
	}

	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return domain.Fail(domain.KindMalformedResponse, "result data is not valid JSON", err.Error())
	}
	if err := expected.Validate(v); err != nil {
		return domain.Fail(domain.KindMalformedResponse, "result data does not match the channel shape", err.Error())
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return domain.Fail(domain.KindMalformedResponse, "result data is not valid JSON", err.Error())
	}
	return domain.Ok(compact.Bytes())
}

// envelopeLine returns the text after the last line-leading envelope marker,
// dropping warnings and host output printed before it. Output without a
// marker is returned as is.
func envelopeLine(out []byte) []byte {
	marker := []byte(domain.EnvelopeMarker)
	if bytes.HasPrefix(out, marker) {
		out = append([]byte("\n"), out...)
	}
	i := bytes.LastIndex(out, append([]byte("\n"), marker...))
	if i < 0 {
		return out
	}
	return bytes.TrimSpace(out[i+1+len(marker):])
}

func decodeEnvelope(body []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return env, err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return env, errors.New("trailing data after envelope")
	}
	if env.Success == nil {
		return env, errors.New(`missing boolean "success"`)
	}
	return env, nil
}

func exitCause(raw domain.RawResult) string {
	cause := fmt.Sprintf("exit code %d", raw.ExitCode)
	if tail := stderrTail(raw); tail != "" {
		cause += "; stderr: " + tail
	}
	return cause
}

func stderrTail(raw domain.RawResult) string {
	s := bytes.TrimSpace(raw.Stderr)
	if len(s) > snippetLen {
		s = s[len(s)-snippetLen:]
		for len(s) > 0 && !utf8.RuneStart(s[0]) {
			s = s[1:]
		}
	}
	return sanitize(string(s))
}

func snippet(b []byte) string {
	if len(b) > snippetLen {
		cut := snippetLen
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		return sanitize(string(b[:cut])) + "..."
	}
	return sanitize(string(b))
}

// sanitize makes process output safe to show in a terminal or log line.
func sanitize(s string) string {
	s = strings.ToValidUTF8(s, "�")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
