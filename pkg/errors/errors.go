package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a translation or execution failure.
type Kind int

const (
	// KindDecode is an unrecognised or unsupported guest opcode or operand shape.
	KindDecode Kind = iota
	// KindResourceExhaustion is a scratch register request the pool cannot satisfy.
	KindResourceExhaustion
	// KindEncoding is a host instruction or label the code builder cannot encode.
	KindEncoding
	// KindUnmapped is a guest register the register file does not model.
	KindUnmapped
	// KindFault is a guest memory access outside the loaded image.
	KindFault
	// KindBudget is an execution that ran out of its block budget.
	KindBudget
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindResourceExhaustion:
		return "resource exhaustion"
	case KindEncoding:
		return "encoding"
	case KindUnmapped:
		return "unmapped register"
	case KindFault:
		return "fault"
	case KindBudget:
		return "budget"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a translator failure attributed to a guest program counter.
// None of these are recovered locally: they abort the enclosing block or run.
type Error struct {
	Kind    Kind
	PC      uint64
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error at pc %#x: %s", e.Kind, e.PC, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf creates a new error of the given kind with a formatted message
func Errorf(kind Kind, pc uint64, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		PC:      pc,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a translator error
func Wrap(kind Kind, pc uint64, err error, message string) *Error {
	return &Error{
		Kind:    kind,
		PC:      pc,
		Message: message,
		Cause:   err,
	}
}

// AtPC returns err attributed to pc. Errors that already carry a PC are
// returned unchanged; other errors are wrapped with the fallback kind.
func AtPC(err error, pc uint64, fallback Kind) error {
	if err == nil {
		return nil
	}
	var te *Error
	if stderrors.As(err, &te) {
		if te.PC == 0 {
			te.PC = pc
		}
		return err
	}
	return Wrap(fallback, pc, err, "translation failed")
}

// IsKind checks if err is, or wraps, a translator error of the given kind
func IsKind(err error, kind Kind) bool {
	var te *Error
	if stderrors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first translator error in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if stderrors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
