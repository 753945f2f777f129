package gc

import (
	"errors"
	"fmt"
)

// Kind classifies runtime failures.
type Kind int

const (
	// KindConfig: the requested heap cannot be set up.
	KindConfig Kind = iota + 1

	// KindOutOfMemory: no memory could be found, even after a collection.
	KindOutOfMemory

	// KindProtocol: an invariant of the runtime was broken by its caller or
	// by the runtime itself.
	KindProtocol
)

var (
	ErrConfig      = errors.New("invalid heap configuration")
	ErrOutOfMemory = errors.New("out of memory")
	ErrProtocol    = errors.New("protocol violation")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindOutOfMemory:
		return ErrOutOfMemory
	case KindProtocol:
		return ErrProtocol
	default:
		return nil
	}
}

func (k Kind) String() string {
	if err := k.sentinel(); err != nil {
		return err.Error()
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned for configuration failures and is the panic value of
// fatal runtime failures.
type Error struct {
	Kind Kind
	Op   string // the failing operation, like "alloc" or "init"
	Err  error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := "gc: " + e.Op + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrOutOfMemory) and friends work.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func configError(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// runtimePanic aborts the current operation. Fatal failures can't be
// recovered from by the runtime itself.
func runtimePanic(kind Kind, op, format string, args ...any) {
	panic(&Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)})
}
