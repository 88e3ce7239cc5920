package compress

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// IOFailure is a transient read/write problem, retried with backoff.
	IOFailure ErrorKind = iota + 1
	// CorruptInput means the source is not a usable region file. Never retried.
	CorruptInput
)

func (k ErrorKind) String() string {
	switch k {
	case IOFailure:
		return "IOFailure"
	case CorruptInput:
		return "CorruptInput"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is the CompressionError of the pipeline.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compress %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Retryable() bool {
	return e.Kind == IOFailure
}

// IsCorrupt reports whether err carries a CorruptInput compression error.
func IsCorrupt(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == CorruptInput
}

func ioFailure(path string, err error) error {
	return &Error{Kind: IOFailure, Path: path, Err: err}
}

func corruptInput(path string, err error) error {
	return &Error{Kind: CorruptInput, Path: path, Err: err}
}
