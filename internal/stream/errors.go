package stream

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by this package wraps exactly one of
// them; callers classify with errors.Is.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("stream already exists")
	ErrNotFound       = errors.New("not found")
	ErrEncoderFailure = errors.New("encoder failure")
	ErrCancelled      = errors.New("cancelled")
	ErrIOFailure      = errors.New("io failure")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func ioFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}
