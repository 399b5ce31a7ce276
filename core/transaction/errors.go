package transaction

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Error Definitions ---

var (
	// ErrAlreadyCompleted rejects operations on a transaction that has
	// left the running state with no recorded error of its own.
	ErrAlreadyCompleted = errors.New("transaction already completed")
	// ErrCommitOfChild rejects Commit on a child transaction; only the
	// parent commits.
	ErrCommitOfChild = errors.New("commit of child transaction is not allowed")
	// ErrCommitRestartRequired rejects Commit while the read point is
	// invalid; the caller must restart first.
	ErrCommitRestartRequired = errors.New("commit of transaction that requires restart is not allowed")
	// ErrRestartNotRequired rejects CreateRestartedTransaction when the
	// read point is still valid.
	ErrRestartNotRequired = errors.New("restart of transaction that does not require restart")
	// ErrRestartRequired rejects PrepareChild while the read point is invalid.
	ErrRestartRequired = errors.New("restart required")
	// ErrFinishChildOfNonChild rejects FinishChild on a top-level transaction.
	ErrFinishChildOfNonChild = errors.New("finish child of non child transaction")
	// ErrApplyChildResultOnChild rejects ApplyChildResult on a child transaction.
	ErrApplyChildResultOnChild = errors.New("apply child result of child transaction")

	// ErrTryAgain marks a retriable cross-shard conflict reported by a batch.
	ErrTryAgain = errors.New("conflict, try again")
	// ErrExpired marks a transaction whose status record the server has dropped.
	ErrExpired = errors.New("transaction expired")
)

// IsTryAgain reports whether err is a retriable conflict, either the local
// sentinel or an Aborted status off the wire.
func IsTryAgain(err error) bool {
	if errors.Is(err, ErrTryAgain) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.Aborted
	}
	return false
}

// IsExpired reports whether err means the status shard no longer tracks the
// transaction. NotFound off the wire carries the same meaning: the status
// record is gone. An RPC deadline is not expiry; it is retried.
func IsExpired(err error) bool {
	if errors.Is(err, ErrExpired) {
		return true
	}
	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.NotFound
	}
	return false
}
