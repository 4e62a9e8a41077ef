package utils

import (
	"errors"
	"fmt"
)

// AppError carries the failing operation, a human-facing message and the cause. An AppError
// without a cause means a dependency is not configured.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// WrapOp annotates err with the failing operation; nil stays nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &AppError{Op: op, Err: err}
}

// IsNotConfigured reports whether err is a cause-less AppError.
func IsNotConfigured(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Err == nil
}
