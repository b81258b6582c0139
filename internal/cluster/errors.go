package cluster

import (
	"errors"
	"fmt"
)

// Kind classifies failures so that each tier can decide whether to absorb,
// retry or escalate them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuth is a bad or missing token, or a role the acceptor does not take.
	// The acceptor never retries; the initiator retries only if the cause is
	// not misconfiguration.
	KindAuth
	// KindNetwork is a transport failure. It triggers reconnect with backoff
	// up to the grace window.
	KindNetwork
	// KindProtocol is a malformed or out-of-state message. The message is
	// dropped.
	KindProtocol
	// KindSupervision is a child process that exceeded its restart ceiling.
	KindSupervision
	// KindAllocationConflict means the allocator produced overlapping
	// ownership. It is an invariant violation and is never silently resolved.
	KindAllocationConflict
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindNetwork:
		return "NetworkError"
	case KindProtocol:
		return "ProtocolError"
	case KindSupervision:
		return "SupervisionError"
	case KindAllocationConflict:
		return "AllocationConflict"
	default:
		return "UnknownError"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so that
// errors.Is(err, cluster.ErrAuth) works regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrAuth               = &Error{Kind: KindAuth}
	ErrNetwork            = &Error{Kind: KindNetwork}
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrSupervision        = &Error{Kind: KindSupervision}
	ErrAllocationConflict = &Error{Kind: KindAllocationConflict}
)

// AuthError wraps err as an authentication failure.
func AuthError(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// NetworkError wraps err as a transport failure.
func NetworkError(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// ProtocolError wraps err as a protocol violation.
func ProtocolError(op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// SupervisionError wraps err as a restart ceiling failure.
func SupervisionError(op string, err error) error {
	return &Error{Kind: KindSupervision, Op: op, Err: err}
}

// AllocationConflict reports an invariant violation in shard ownership.
func AllocationConflict(op string, err error) error {
	return &Error{Kind: KindAllocationConflict, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient. Only network failures are.
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetwork
}
