// Package verrors defines the error taxonomy every component in the
// chain engine classifies its failures into, and the CleanupReport
// used by best-effort cleanup paths (delete, merge, move) to surface
// the first error while still completing every cleanup step.
package verrors

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error kinds from spec §7. It is never
// meant to replace a %w chain — it augments it so callers can branch
// without string matching.
type Kind string

const (
	// KindInvalidParameter means the caller violated a declared
	// precondition (bad format, bad initial_size, unknown disk type).
	KindInvalidParameter Kind = "invalid_parameter"

	// KindMissingObject means a volume/image/VG was not found; benign
	// if the caller requested cleanup.
	KindMissingObject Kind = "missing_object"

	// KindStaleView means the LVM cache is out of date or qemu-img
	// sees a backing file the engine does not know about yet.
	KindStaleView Kind = "stale_view"

	// KindBackendIO means a read/write/fallocate/rename failure that
	// may be transient.
	KindBackendIO Kind = "backend_io"

	// KindIntegrityViolation means a cycle in the parent chain, a
	// capacity regression, or a torn metadata record.
	KindIntegrityViolation Kind = "integrity_violation"

	// KindConcurrencyConflict means resource lock contention or an
	// SDM lease that is not held.
	KindConcurrencyConflict Kind = "concurrency_conflict"

	// KindUnsupportedOperation means e.g. discard requested on a file
	// domain.
	KindUnsupportedOperation Kind = "unsupported_operation"
)

// Error is a typed, wrapped failure. The lowest layer able to
// classify an error constructs one; intermediate layers propagate it
// with %w rather than re-wrapping into a generic message.
type Error struct {
	Kind Kind
	Op   string // component/operation that classified the failure, e.g. "volume.Prepare"
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs a typed Error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or any error it wraps) carries the given
// Kind, so callers can write errors.Is-style checks:
//
//	if verrors.Is(err, verrors.KindMissingObject) { ... }
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err (or its chain)
// carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CleanupReport aggregates errors collected during a best-effort
// cleanup pass (spec §7 "Propagation policy" / §9). The caller sees
// the first error with the rest attached for logging.
type CleanupReport struct {
	errs []error
}

// Add records err if non-nil. Safe to call with a nil error — the
// common case of "this cleanup step succeeded."
func (r *CleanupReport) Add(err error) {
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

// First returns the first error recorded, or nil if cleanup was clean.
func (r *CleanupReport) First() error {
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

// All returns every error recorded, in the order Add was called.
func (r *CleanupReport) All() []error {
	return r.errs
}

// Err returns nil if cleanup recorded no errors, otherwise an error
// whose message is the first error and whose Unwrap chain reaches it,
// suitable for returning directly from a cleanup function.
func (r *CleanupReport) Err() error {
	if len(r.errs) == 0 {
		return nil
	}
	if len(r.errs) == 1 {
		return r.errs[0]
	}
	return fmt.Errorf("%w (plus %d more cleanup error(s))", r.errs[0], len(r.errs)-1)
}
