// Package fault defines the error taxonomy shared by every kernel
// subsystem. Action results and events carry the Kind string verbatim,
// so kinds are part of the wire format, not just Go error values.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The string value is what agents and
// operators see in action results and the event log.
type Kind string

const (
	// Validity failures
	KindNotFound          Kind = "NotFound"
	KindAlreadyExists     Kind = "AlreadyExists"
	KindInvalidArgument   Kind = "InvalidArgument"
	KindInterfaceMismatch Kind = "InterfaceMismatch"
	KindNoSuchPrincipal   Kind = "NoSuchPrincipal"

	// Permission failures
	KindPermissionDenied Kind = "PermissionDenied"

	// Resource failures
	KindInsufficientFunds Kind = "InsufficientFunds"
	KindQuotaExceeded     Kind = "QuotaExceeded"
	KindBudgetExhausted   Kind = "BudgetExhausted"
	KindRateExceeded      Kind = "RateExceeded"
	KindInUse             Kind = "InUse"

	// Execution failures
	KindTimeout        Kind = "TimeoutError"
	KindRuntime        Kind = "RuntimeError"
	KindRecursionLimit Kind = "RecursionLimit"

	// Anything the taxonomy does not name
	KindInternal Kind = "Internal"
)

// Fault is an error with a taxonomy kind attached.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		if f.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
		}
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// Is lets errors.Is match two faults by kind alone, so sentinel-style
// comparisons against New(kind, "") work.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return f.Kind == t.Kind
}

// New builds a fault of the given kind.
func New(kind Kind, msg string) error {
	return &Fault{Kind: kind, Msg: msg}
}

// Errorf builds a fault with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// KindOf walks the unwrap chain and returns the first fault's kind.
// Non-fault errors classify as Internal; nil classifies as "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
