package gateway

import (
	"errors"
	"fmt"
)

// Kind is the machine-stable classification of a gateway error. The HTTP
// layer maps kinds to status codes; everything below the transport reports
// kinds, never status codes.
type Kind string

const (
	// KindBadRequest covers malformed identifiers, invalid range syntax,
	// bad checksums, and invalid part sequencing.
	KindBadRequest Kind = "bad_request"
	// KindNotFound covers missing tenants, nodes, content, sessions,
	// assets, and shares, including missing backend objects.
	KindNotFound Kind = "not_found"
	// KindConflict covers duplicate creates, optimistic-version mismatches,
	// and concurrent finalize.
	KindConflict Kind = "conflict"
	// KindRangeNotSatisfiable covers unsatisfiable byte ranges.
	KindRangeNotSatisfiable Kind = "range_not_satisfiable"
	// KindUpstream covers backend-adapter faults that match nothing above.
	KindUpstream Kind = "upstream"
)

// Error is a classified gateway error carrying a human message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// E creates a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindUpstream for
// unclassified errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUpstream
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound gateway error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a Conflict gateway error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }
