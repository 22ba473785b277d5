package domain

import (
	"errors"
	"fmt"
)

// ViewState is how a UI should render the result of an operation.
type ViewState string

const (
	ViewOK     ViewState = "ok"
	ViewEmpty  ViewState = "empty"
	ViewError  ViewState = "error"
	ViewSilent ViewState = "silent"
)

type Presentation struct {
	State     ViewState
	Kind      ErrorKind
	Message   string
	Retryable bool
}

// Present decides how an operation error is shown. NotFound is an empty
// state, Cancelled is dropped silently, anything else is an error.
func Present(err error) Presentation {
	if err == nil {
		return Presentation{State: ViewOK}
	}
	var ve *ValidationError
	var ce *CallerError
	if errors.As(err, &ve) || errors.As(err, &ce) {
		return Presentation{State: ViewError, Message: err.Error()}
	}
	kind, ok := KindOf(err)
	if !ok {
		return Presentation{State: ViewError, Kind: KindExternalFailure, Message: err.Error(), Retryable: true}
	}
	switch kind {
	case KindNotFound:
		return Presentation{State: ViewEmpty, Kind: kind, Message: err.Error()}
	case KindCancelled:
		return Presentation{State: ViewSilent, Kind: kind}
	}
	return Presentation{
		State:     ViewError,
		Kind:      kind,
		Message:   fmt.Sprintf("[%s] %s", kind, errMessage(err)),
		Retryable: true,
	}
}

func errMessage(err error) string {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Message
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Message
	}
	return err.Error()
}
