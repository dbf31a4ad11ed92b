package errors

import "fmt"

// Kind classifies a failure while serving requests.
type Kind int

const (
	BindFailure Kind = iota
	IOFailure
	MalformedHeader
)

func (k Kind) Error() string {
	switch k {
	case BindFailure:
		return "cannot bind listening address"
	case IOFailure:
		return "connection I/O failed"
	case MalformedHeader:
		return "malformed header"
	default:
		return fmt.Sprintf("unknown error kind: %d", int(k))
	}
}

// Error carries a Kind together with the failure that caused it.
type Error struct {
	Kind       Kind
	Detail     string
	underlying error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.underlying != nil {
		return fmt.Sprintf("%s (underlying: %v)", msg, e.underlying)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports whether target is the Kind of e, so errors.Is(err, MalformedHeader) works
// through any amount of wrapping.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func NewBindError(addr string, underlying error) *Error {
	return &Error{Kind: BindFailure, Detail: addr, underlying: underlying}
}

func NewIOError(op string, underlying error) *Error {
	return &Error{Kind: IOFailure, Detail: op, underlying: underlying}
}

func NewMalformedHeaderError(line string, underlying error) *Error {
	return &Error{Kind: MalformedHeader, Detail: fmt.Sprintf("%q", line), underlying: underlying}
}
