package sync

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncCallback marks a failure raised by the injected sync callback.
	ErrSyncCallback = errors.New("sync callback failed")
	// ErrSyncTimeout is returned by WithTimeout when the callback overran.
	ErrSyncTimeout = errors.New("sync callback timed out")
	// ErrNilCallback indicates Init was called without a callback.
	ErrNilCallback = errors.New("sync callback must not be nil")
	// ErrAlreadyInitialized indicates a second Init call.
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
	// ErrNotInitialized indicates Attach before Init.
	ErrNotInitialized = errors.New("orchestrator not initialized")
	// ErrDestroyed indicates use after Destroy.
	ErrDestroyed = errors.New("orchestrator destroyed")
)

// SyncCallbackError wraps an error or panic from the sync callback together
// with the source that triggered the attempt.
type SyncCallbackError struct {
	Source Source
	Err    error
}

func (e *SyncCallbackError) Error() string {
	return fmt.Sprintf("sync triggered by %s failed: %v", e.Source, e.Err)
}

func (e *SyncCallbackError) Unwrap() []error {
	return []error{ErrSyncCallback, e.Err}
}
