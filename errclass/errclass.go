// Package errclass classifies gateway failures into the small set of kinds
// the RPC layer knows how to report. Packages keep their own sentinel errors
// and wrap them with a Kind at their public boundary.
package errclass

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind uint8

const (
	// Internal is the zero value: an unexpected failure inside the gateway.
	Internal Kind = iota
	// Config marks missing or inconsistent configuration, including a
	// scheme mismatch between an envelope and the deployment.
	Config
	// Input marks malformed requests and undecodable transactions.
	Input
	// ProofInvalid marks a rejected proof bundle. Nothing beyond "invalid"
	// is reported to callers.
	ProofInvalid
	// Transport marks timeouts and connection failures after retries.
	Transport
	// Downstream marks business errors reported by a collaborator such as
	// the key service or a sequencer.
	Downstream
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case Input:
		return "input"
	case ProofInvalid:
		return "proof_invalid"
	case Transport:
		return "transport"
	case Downstream:
		return "downstream"
	default:
		return "internal"
	}
}

// Retryable reports whether a failure of this kind may succeed when the
// same request is attempted again.
func (k Kind) Retryable() bool {
	return k == Transport
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and operation name. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost classified error in err's chain,
// or Internal if there is none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
