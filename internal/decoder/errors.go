package decoder

import (
	"errors"
	"fmt"
)

// Kind classifies decoder failures.
type Kind int

const (
	// KindInit is a failure to open resources or negotiate the engine
	// configuration. The loop never started.
	KindInit Kind = iota + 1
	// KindProtocol is a failure during the info change handshake.
	KindProtocol
	// KindDecode is a single failed submission. The loop logs it and goes on.
	KindDecode
	// KindResource is an input, output or allocation failure at run time.
	KindResource
	// KindStall ends a run whose passes over the input stopped producing frames.
	KindStall
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "initialization error"
	case KindProtocol:
		return "fatal protocol error"
	case KindDecode:
		return "decode error"
	case KindResource:
		return "resource error"
	case KindStall:
		return "no progress"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ErrNoProgress is returned when repeated passes over the input produced no
// frame at all.
var ErrNoProgress = errors.New("no frame produced by repeated passes over the input")

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("decoder: %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err carries a decoder error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
