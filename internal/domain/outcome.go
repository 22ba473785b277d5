package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories an Outcome can carry.
type ErrorKind string

const (
	KindModuleUnavailable ErrorKind = "ModuleUnavailable"
	KindPermissionDenied  ErrorKind = "PermissionDenied"
	KindNotFound          ErrorKind = "NotFound"
	KindTimeout           ErrorKind = "Timeout"
	KindMalformedResponse ErrorKind = "MalformedResponse"
	KindExternalFailure   ErrorKind = "ExternalFailure"
	KindCancelled         ErrorKind = "Cancelled"
)

var errorKinds = []ErrorKind{
	KindModuleUnavailable,
	KindPermissionDenied,
	KindNotFound,
	KindTimeout,
	KindMalformedResponse,
	KindExternalFailure,
	KindCancelled,
}

// ErrorKinds returns every valid kind in declaration order.
func ErrorKinds() []ErrorKind {
	return append([]ErrorKind(nil), errorKinds...)
}

func ParseErrorKind(s string) (ErrorKind, bool) {
	for _, k := range errorKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

func (k ErrorKind) Valid() bool {
	_, ok := ParseErrorKind(string(k))
	return ok
}

// Transient reports whether an automatic retry of an idempotent request
// can change the result.
func (k ErrorKind) Transient() bool {
	return k == KindTimeout || k == KindExternalFailure
}

// Failure is the error half of an Outcome.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   string    `json:"cause,omitempty"`
}

func (f *Failure) Error() string {
	if f.Cause != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Outcome is the single result of a Request: either Ok with channel data or
// Err with a Failure. The zero value is not a valid Outcome.
type Outcome struct {
	ok      bool
	data    json.RawMessage
	failure *Failure
}

// Ok builds a successful Outcome. Empty data is stored as JSON null.
func Ok(data json.RawMessage) Outcome {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("null")
	}
	return Outcome{ok: true, data: append(json.RawMessage(nil), data...)}
}

// Fail builds a failed Outcome. Unknown kinds collapse to ExternalFailure.
func Fail(kind ErrorKind, message, cause string) Outcome {
	if !kind.Valid() {
		kind = KindExternalFailure
	}
	return Outcome{failure: &Failure{Kind: kind, Message: message, Cause: cause}}
}

func (o Outcome) OK() bool { return o.ok }

// Data returns a copy of the payload of an Ok outcome, or nil.
func (o Outcome) Data() json.RawMessage {
	if !o.ok {
		return nil
	}
	return append(json.RawMessage(nil), o.data...)
}

// Err returns the failure of an Err outcome, or nil for Ok.
func (o Outcome) Err() *Failure {
	if o.ok || o.failure == nil {
		return nil
	}
	f := *o.failure
	return &f
}

// Kind returns the failure kind, or "" for Ok.
func (o Outcome) Kind() ErrorKind {
	if f := o.Err(); f != nil {
		return f.Kind
	}
	return ""
}

// Decode unmarshals the Ok payload into v. It returns the failure for an
// Err outcome.
func (o Outcome) Decode(v any) error {
	if f := o.Err(); f != nil {
		return f
	}
	if !o.ok {
		return errors.New("outcome: zero value")
	}
	return json.Unmarshal(o.data, v)
}

type outcomeWire struct {
	OK    *bool           `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Failure        `json:"error,omitempty"`
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.ok {
		ok := true
		return json.Marshal(outcomeWire{OK: &ok, Data: o.data})
	}
	if o.failure == nil {
		return nil, errors.New("outcome: cannot marshal zero value")
	}
	ok := false
	return json.Marshal(outcomeWire{OK: &ok, Error: o.failure})
}

// UnmarshalJSON accepts only well-formed outcomes: ok must be present and an
// Err must carry a known kind.
func (o *Outcome) UnmarshalJSON(b []byte) error {
	var w outcomeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.OK == nil {
		return errors.New("outcome: missing ok")
	}
	if *w.OK {
		*o = Ok(w.Data)
		return nil
	}
	if w.Error == nil {
		return errors.New("outcome: missing error")
	}
	if !w.Error.Kind.Valid() {
		return fmt.Errorf("outcome: unknown error kind %q", w.Error.Kind)
	}
	*o = Fail(w.Error.Kind, w.Error.Message, w.Error.Cause)
	return nil
}
