package types

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy in spec §7. Callers should compare
// with errors.Is, never type assertion, since adapters may wrap these.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInvalid    = errors.New("invalid")
	ErrFull       = errors.New("full")
	ErrCancelled  = errors.New("cancelled")
	ErrDeadline   = errors.New("deadline exceeded")
	ErrCorruption = errors.New("corruption")
)

// AdapterFailureKind distinguishes retryable from terminal adapter errors.
type AdapterFailureKind int

const (
	// Transient adapter failures are safe to retry with backoff.
	Transient AdapterFailureKind = iota
	// Permanent adapter failures surface immediately.
	Permanent
)

func (k AdapterFailureKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// AdapterFailure wraps an error reported by an external adapter (store,
// embedding, clock), tagged with whether retrying may succeed.
type AdapterFailure struct {
	Kind AdapterFailureKind
	Op   string
	Err  error
}

func (e *AdapterFailure) Error() string {
	return fmt.Sprintf("adapter failure (%s) during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *AdapterFailure) Unwrap() error {
	return e.Err
}

// NewAdapterFailure wraps err as an AdapterFailure of the given kind for
// operation op. It returns nil when err is nil.
func NewAdapterFailure(op string, kind AdapterFailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &AdapterFailure{Kind: kind, Op: op, Err: err}
}

// IsTransient reports whether err is an AdapterFailure tagged Transient.
func IsTransient(err error) bool {
	var af *AdapterFailure
	if errors.As(err, &af) {
		return af.Kind == Transient
	}
	return false
}
