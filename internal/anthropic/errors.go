package anthropic

import (
	"errors"
	"fmt"
)

// ErrBusy is returned synchronously by Send while a request is in flight.
// Requests are never queued.
var ErrBusy = errors.New("a request is already in progress")

// TransportError covers connection and timeout failures, including
// cooperative cancellation.
type TransportError struct {
	Cancelled bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Cancelled {
		return "request cancelled"
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err is a TransportError caused by Cancel.
func IsCancelled(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Cancelled
}

// ProtocolError is a non-2xx provider response. Message carries the
// provider's own error text when the body had one.
type ProtocolError struct {
	Status  int
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// ParseError is a successful transfer whose body yielded no usable text.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return "failed to parse API response"
	}
	return "failed to parse API response: " + e.Detail
}
