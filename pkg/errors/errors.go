// Package errors holds the engine's error taxonomy. Guest faults are not
// errors of the engine and live in pkg/types; this package covers resource
// exhaustion, which callers recover from locally, and internal invariant
// violations, which abort compilation.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Resource exhaustion. Recovered inside the engine, never surfaced to the guest.
var (
	ErrCodeBufferFull = crdb.New("code buffer full")
	ErrBlockTooLarge  = crdb.New("block too large")
	ErrRetranslate    = crdb.New("guest code changed during translation")
)

// TranslationError wraps a failure while compiling one block.
type TranslationError struct {
	Message string
	PC      uint64
	Cause   error
}

func (e *TranslationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (pc=%#x): %v", e.Message, e.PC, e.Cause)
	}
	return fmt.Sprintf("%s (pc=%#x)", e.Message, e.PC)
}

func (e *TranslationError) Unwrap() error {
	return e.Cause
}

// IsTranslationError checks if an error is a translation error
func IsTranslationError(err error) bool {
	var te *TranslationError
	return crdb.As(err, &te)
}

// WrapTranslationError wraps an existing error with the pc of the block being compiled
func WrapTranslationError(err error, pc uint64, message string) *TranslationError {
	return &TranslationError{
		Message: message,
		PC:      pc,
		Cause:   err,
	}
}

// Internalf reports an engine invariant violation: an op that references an
// unallocated temporary, an immediate the encoder cannot express after
// legalization, and the like. The returned error carries a stack trace.
func Internalf(format string, args ...interface{}) error {
	return crdb.AssertionFailedf(format, args...)
}

// IsInternal reports whether err is (or wraps) an invariant violation.
func IsInternal(err error) bool {
	return crdb.IsAssertionFailure(err)
}

// IsResourceExhausted reports whether err is recoverable by flushing or
// retrying with a smaller block.
func IsResourceExhausted(err error) bool {
	return crdb.Is(err, ErrCodeBufferFull) || crdb.Is(err, ErrBlockTooLarge)
}

// Is, As and Wrapf forward to cockroachdb/errors so callers need one import.
func Is(err, target error) bool { return crdb.Is(err, target) }

func As(err error, target interface{}) bool { return crdb.As(err, target) }

func Wrapf(err error, format string, args ...interface{}) error {
	return crdb.Wrapf(err, format, args...)
}

func Newf(format string, args ...interface{}) error {
	return crdb.Newf(format, args...)
}
