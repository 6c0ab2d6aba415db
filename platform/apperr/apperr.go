// Package apperr provides typed errors that carry their HTTP mapping.
// Services return them; httpkit.HandleError turns them into responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP layer.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound: nothing is stored for the requested contact.
	KindNotFound
	// KindInternal: the shared store or another local dependency failed.
	KindInternal
	// KindThrottled: the contact is locked by another delivery; retry later.
	KindThrottled
	// KindUpstream: a collaborator (CRM, language model) failed.
	KindUpstream
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindNotFound:  "not_found",
	KindInternal:  "internal",
	KindThrottled: "throttled",
	KindUpstream:  "upstream",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a domain error with a Kind. Message is safe to show to callers;
// Err is not.
type Error struct {
	Kind    Kind
	Message string
	Op      string
	Err     error
	Details any
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindThrottled:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithOp records the operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// Wrap creates an error of kind around err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func Throttled(message string) *Error {
	return &Error{Kind: KindThrottled, Message: message}
}

// Upstream wraps a collaborator failure.
func Upstream(service string, err error) *Error {
	return Wrap(KindUpstream, service+" unavailable", err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries an *Error of kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
