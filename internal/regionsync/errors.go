package regionsync

import (
	"errors"
	"fmt"

	"github.com/openmined/regionsync/internal/compress"
	"github.com/openmined/regionsync/internal/ledger"
	"github.com/openmined/regionsync/internal/transfer"
)

var (
	ErrPipelineHalted = errors.New("sync pipeline halted")
	ErrAlreadyStarted = errors.New("coordinator already started")
)

type VerificationKind int

const (
	SizeMismatch VerificationKind = iota
	ChecksumMismatch
)

func (k VerificationKind) String() string {
	if k == SizeMismatch {
		return "SizeMismatch"
	}
	return "ChecksumMismatch"
}

// VerificationError means the remote copy does not match the local artifact.
type VerificationError struct {
	Kind       VerificationKind
	RemotePath string
	Expected   string
	Actual     string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s %s: expected %s, got %s", e.Kind, e.RemotePath, e.Expected, e.Actual)
}

// failureKind names err for the ledger and decides whether another attempt may help.
func failureKind(err error) (string, bool) {
	var cerr *compress.Error
	if errors.As(err, &cerr) {
		return cerr.Kind.String(), cerr.Retryable()
	}
	var terr *transfer.Error
	if errors.As(err, &terr) {
		return terr.Kind.String(), terr.Retryable()
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Kind.String(), true
	}
	if ledger.IsLedgerError(err) {
		return "LedgerError", false
	}
	return "Unknown", true
}
