// Package apperr defines the error taxonomy shared by the stores, the
// marketplace services and the HTTP layer.
package apperr

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("not authorized")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

var statuses = []struct {
	err    error
	status int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrInvalidTransition, http.StatusBadRequest},
	{ErrUnauthenticated, http.StatusUnauthorized},
	{ErrForbidden, http.StatusForbidden},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUpstreamUnavailable, http.StatusServiceUnavailable},
}

// HTTPStatus maps an error to the status code the API answers with.
// Anything outside the taxonomy is a 500.
func HTTPStatus(err error) int {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// Message returns the text safe to show a client. Wrapped errors of the
// form "<sentinel>: detail" yield the detail; internal errors are masked.
func Message(err error) string {
	for _, s := range statuses {
		if !errors.Is(err, s.err) {
			continue
		}
		msg := err.Error()
		prefix := s.err.Error() + ": "
		if i := strings.Index(msg, prefix); i >= 0 {
			return msg[i+len(prefix):]
		}
		return s.err.Error()
	}
	return "internal error"
}

// Is reports whether err belongs to the expected-error part of the taxonomy,
// i.e. it should not be logged as a server fault.
func Is(err error) bool {
	return HTTPStatus(err) < http.StatusInternalServerError
}
