package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies relay failures.
type Kind int

const (
	// BadRequest: the url parameter is missing, empty or not http(s). Not retried.
	BadRequest Kind = iota + 1
	// UpstreamUnavailable: the origin answered with a non-2xx status, passed through to the client.
	// Not retried by the relay.
	UpstreamUnavailable
	// InternalRelayError: transport failure while fetching or reading the upstream.
	InternalRelayError
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case InternalRelayError:
		return "internal"
	}
	return "unknown"
}

// Error is a relay failure with the HTTP status it is surfaced as.
type Error struct {
	Kind   Kind
	Status int // upstream status for UpstreamUnavailable
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == UpstreamUnavailable:
		return fmt.Sprintf("relay: upstream status %d", e.Status)
	case e.Err != nil:
		return fmt.Sprintf("relay: %s: %v", e.Kind, e.Err)
	}
	return "relay: " + e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus is the status code the client sees for e.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case UpstreamUnavailable:
		if e.Status >= 300 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (e *Error) message() string {
	switch e.Kind {
	case BadRequest:
		if e.Err != nil && !errors.Is(e.Err, errMissingURL) {
			return e.Err.Error()
		}
		return "Missing url"
	case UpstreamUnavailable:
		return "Upstream error"
	}
	return "Internal Server Error"
}

var (
	errMissingURL = errors.New("missing url")
	errBadScheme  = errors.New("url must be absolute http(s)")
)

func badRequest(err error) *Error { return &Error{Kind: BadRequest, Err: err} }

func internal(err error) *Error { return &Error{Kind: InternalRelayError, Err: err} }
