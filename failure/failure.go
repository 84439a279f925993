// Package failure defines the error taxonomy shared by every layer of the
// sync engine. Transport and storage errors are translated into one of
// these kinds at the boundary where they occur.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	// Network means the remote endpoint was not reachable.
	Network
	// Server means the endpoint answered with an error status.
	Server
	// Auth means the session could not be renewed.
	Auth
	// Cache means local storage failed.
	Cache
	// Validation means the caller supplied malformed input.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Server:
		return "server"
	case Auth:
		return "auth"
	case Cache:
		return "cache"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Status is only set for Server and Auth
// failures that came from an HTTP response.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, failure.ErrNetwork)
// works on any network failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Status == 0 && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind markers for errors.Is.
var (
	ErrNetwork    = &Error{Kind: Network}
	ErrServer     = &Error{Kind: Server}
	ErrAuth       = &Error{Kind: Auth}
	ErrCache      = &Error{Kind: Cache}
	ErrValidation = &Error{Kind: Validation}
)

// maxMessage caps messages taken from unstructured bodies, in bytes
const maxMessage = 200

func NetworkError(op string, err error) *Error {
	return &Error{Kind: Network, Op: op, Err: err}
}

func ServerError(op string, status int, message string) *Error {
	return &Error{Kind: Server, Op: op, Status: status, Message: message}
}

func AuthError(op string, status int, err error) *Error {
	return &Error{Kind: Auth, Op: op, Status: status, Err: err}
}

func CacheError(op string, err error) *Error {
	return &Error{Kind: Cache, Op: op, Err: err}
}

func ValidationError(op, message string) *Error {
	return &Error{Kind: Validation, Op: op, Message: message}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// MessageFromBody extracts a human readable message from an error body.
// The backend reports errors as {"detail": "..."}; anything else is
// returned trimmed and truncated.
func MessageFromBody(body []byte) string {
	var payload struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch d := payload.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if b, err := json.Marshal(d); err == nil {
				return string(b)
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessage {
		cut := maxMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
