package router

import "net/http"

// Kind separates caller mistakes from failures while serving a request.
type Kind int

const (
	KindClient Kind = iota + 1
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

const (
	msgEmptyPrompt    = "Prompt cannot be empty."
	msgEmptySessionID = "Session ID cannot be empty."
)

// RequestError is the only error Handle returns. Message is safe to show
// to the caller; for server errors it is the cause's own text.
type RequestError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	return e.Message
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error kind to an HTTP status.
func (e *RequestError) StatusCode() int {
	if e.Kind == KindClient {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func clientError(msg string) *RequestError {
	return &RequestError{Kind: KindClient, Message: msg}
}

func serverError(err error) *RequestError {
	return &RequestError{Kind: KindServer, Message: err.Error(), Err: err}
}
