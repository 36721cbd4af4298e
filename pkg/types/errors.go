package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Transient errors are retried locally with backoff and
// surfaced only after exhaustion; fatal errors surface immediately and
// leave the affected entity in a terminal state.
var (
	// ErrConfigInvalid aborts startup
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrPoolUnavailable marks a pool Degraded or Offline; jobs touching
	// it move to Retrying
	ErrPoolUnavailable = errors.New("pool unavailable")

	// ErrSnapshotCreateFailed is retried on the next scheduler tick
	// without advancing the due time
	ErrSnapshotCreateFailed = errors.New("snapshot create failed")

	// ErrTransferIO is a transient stream failure, retried with backoff
	ErrTransferIO = errors.New("transfer I/O error")

	// ErrVerifyMismatch is fatal for the job. A completed stream whose
	// checksum or generation does not match is never retried
	// automatically; resolution requires an operator-forced full resend.
	ErrVerifyMismatch = errors.New("transfer verification mismatch")

	// ErrUnsafeDelete is an internal guard: a prune candidate is still
	// serving as an incremental basis. It never propagates past the
	// pruner.
	ErrUnsafeDelete = errors.New("retention delete blocked: snapshot in use")
)

// Transient reports whether err should be retried with backoff rather
// than treated as fatal.
func Transient(err error) bool {
	return errors.Is(err, ErrTransferIO) ||
		errors.Is(err, ErrPoolUnavailable) ||
		errors.Is(err, ErrSnapshotCreateFailed)
}

// TransferError wraps a cause with the job it failed
type TransferError struct {
	DatasetID  string
	Generation uint64
	PoolID     string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", JobKey(e.DatasetID, e.Generation, e.PoolID), e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
