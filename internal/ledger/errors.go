package ledger

import (
	"errors"
	"fmt"
)

// Error is a failed ledger read or write. Any Error stops the pipeline from
// dispatching new work, since progress can no longer be recorded.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsLedgerError(err error) bool {
	var lerr *Error
	return errors.As(err, &lerr)
}

var ErrNotOpen = errors.New("ledger not open")
