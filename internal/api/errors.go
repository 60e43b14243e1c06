package api

import (
	"errors"
	"fmt"
)

// ErrSessionExpired indicates the backend no longer accepts the session.
// Callers must force a sign-out; the operation is not retried.
var ErrSessionExpired = errors.New("session expired")

// ServerError is a non-success backend response carrying a detail message.
// The detail is surfaced verbatim to the user for lifecycle actions.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("server error (%d)", e.StatusCode)
}

// Detail extracts the server's detail message from an error chain. It returns
// empty when the failure was not a server rejection, so callers can fall back
// to their own wording for transport errors.
func Detail(err error) string {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Detail
	}
	return ""
}
