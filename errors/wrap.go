package errors

import (
	"context"
	"errors"
	"fmt"
)

// contextCode maps a canceled or expired context anywhere in err's chain
// to its code.
func contextCode(err error) (ErrorCode, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout, true
	case errors.Is(err, context.Canceled):
		return ErrCodeCanceled, true
	}
	return "", false
}

// Wrap adds message to err. An *Error in the chain lends its code, task
// and workspace to the result; a context error becomes TIMEOUT or
// CANCELED; anything else is INTERNAL. Wrap(nil) is nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if inner := As(err); inner != nil {
		outer := *inner
		outer.message = message
		outer.cause = err
		for _, opt := range opts {
			opt(&outer)
		}
		return &outer
	}
	code, ok := contextCode(err)
	if !ok {
		code = ErrCodeInternal
	}
	return New(code, message, append(opts, WithCause(err))...)
}

func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode is Wrap with a fixed code, except that a context error in
// the chain still reports TIMEOUT or CANCELED.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	if c, ok := contextCode(err); ok {
		code = c
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Code is the code of the outermost *Error in err's chain, "" if none.
func Code(err error) ErrorCode {
	if e := As(err); e != nil {
		return e.code
	}
	return ""
}

// Category is the category of the outermost *Error in err's chain.
func Category(err error) ErrorCategory {
	if e := As(err); e != nil {
		return e.category
	}
	return ""
}

func Is(err error, code ErrorCode) bool { return err != nil && Code(err) == code }

func IsCategory(err error, category ErrorCategory) bool {
	return err != nil && Category(err) == category
}

// IsRetryable is false for errors that carry no *Error.
func IsRetryable(err error) bool {
	e := As(err)
	return e != nil && e.Retryable()
}
