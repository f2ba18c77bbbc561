package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"filestream/internal/backend"
)

// Kind classifies gateway failures by how they are reported to clients.
type Kind int

const (
	Unexpected Kind = iota
	BadRequest
	InvalidLink
	NotFound
	RangeNotSatisfiable
	TransientIO
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case InvalidLink:
		return "invalid_link"
	case NotFound:
		return "not_found"
	case RangeNotSatisfiable:
		return "range_not_satisfiable"
	case TransientIO:
		return "transient_io"
	default:
		return "unexpected"
	}
}

// HTTPStatus returns the response status for k.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case InvalidLink:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case TransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RangeError reports a Range header that starts beyond the end of the file.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for size %d", e.Size)
}

// KindOf classifies err. Errors that were never wrapped in *Error are
// classified by their cause.
func KindOf(err error) Kind {
	if err == nil {
		return Unexpected
	}
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Kind != Unexpected {
		return gerr.Kind
	}
	var rerr *RangeError
	switch {
	case errors.As(err, &rerr):
		return RangeNotSatisfiable
	case errors.Is(err, backend.ErrNotFound):
		return NotFound
	case isTransient(err):
		return TransientIO
	}
	return Unexpected
}

func isTransient(err error) bool {
	switch {
	case errors.Is(err, backend.ErrUnavailable),
		errors.Is(err, backend.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
