// Package xerrors defines the closed error taxonomy of the execution core.
// Every public operation returns one of these kinds (or nil); internal tick
// loops absorb VenueRetriable via retry and InvalidTransition via
// log-and-skip, and only propagate PersistenceError and
// ReconciliationConflict up to the caller.
package xerrors

import "fmt"

// Kind is the closed set of error categories.
type Kind int

const (
	// KindInvalidTransition: an Order or Position state transition was
	// illegal. Always a bug; logged, never fatal to the process.
	KindInvalidTransition Kind = iota
	// KindVenueRetriable: a transient adapter failure (5xx, rate-limit,
	// network). Retried with backoff up to a ceiling.
	KindVenueRetriable
	// KindVenueFatal: a non-retriable adapter error (insufficient funds,
	// bad symbol, permission).
	KindVenueFatal
	// KindReconciliationConflict: local and venue state disagree in a way
	// the standard reconciliation mapping does not resolve.
	KindReconciliationConflict
	// KindAdmissionRejected: the Portfolio Manager denied the intent.
	KindAdmissionRejected
	// KindPersistenceError: a storage I/O failure.
	KindPersistenceError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindVenueRetriable:
		return "VenueRetriable"
	case KindVenueFatal:
		return "VenueFatal"
	case KindReconciliationConflict:
		return "ReconciliationConflict"
	case KindAdmissionRejected:
		return "AdmissionRejected"
	case KindPersistenceError:
		return "PersistenceError"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying one of the Kind values plus a reason and
// an optionally wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return 0, false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
