package http1

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ValerySidorin/hubdevice/transport/terr"
)

var (
	ErrClosed             = errors.New("http1: closed")
	ErrMethodsUnsupported = errors.New("http1: methods are not supported over http")
	ErrEmptyLockToken     = errors.New("http1: empty lock token")
)

// StatusError is an unexpected response status.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http1: %s: %d %s", e.Op, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("http1: %s: %d %s: %s", e.Op, e.Code, http.StatusText(e.Code), e.Body)
}

// Classify maps response statuses onto the transport error kinds.
func Classify(err error) (terr.Kind, bool) {
	var se *StatusError
	if !errors.As(err, &se) {
		return 0, false
	}

	switch {
	case se.Code == http.StatusTooManyRequests, se.Code == http.StatusRequestTimeout,
		se.Code >= http.StatusInternalServerError:
		return terr.KindTransient, true
	case se.Code == http.StatusPreconditionFailed:
		return terr.KindLockLost, true
	case se.Code >= http.StatusBadRequest:
		return terr.KindFatal, true
	}
	return 0, false
}
