package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tim-projects/not-the-news-sub001/internal/ledger"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// SyncError describes a failure isolated to one key or one operation.
//
// Sync errors are recorded in cycle reports and logs; they never abort
// sibling keys or operations.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Key is the state key affected, if any.
	Key string

	// OpID is the ledger id affected, if any.
	OpID int64

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeNoToken indicates no bearer credential was available.
	ErrCodeNoToken SyncErrorCode = "NO_TOKEN"

	// ErrCodeTransient indicates a network or timeout failure that
	// survived the retry policy.
	ErrCodeTransient SyncErrorCode = "TRANSIENT"

	// ErrCodeRejected indicates the server answered with an error status
	// or refused an operation.
	ErrCodeRejected SyncErrorCode = "REJECTED"

	// ErrCodeCapacity indicates the local store is full.
	ErrCodeCapacity SyncErrorCode = "CAPACITY"

	// ErrCodeInvalid indicates an operation without a usable payload.
	ErrCodeInvalid SyncErrorCode = "INVALID_OPERATION"

	// ErrCodeInternal covers everything else.
	ErrCodeInternal SyncErrorCode = "INTERNAL"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Key != "" && e.OpID != 0:
		return fmt.Sprintf("%s: %v (key=%s, op=%d)", e.Code, e.Err, e.Key, e.OpID)
	case e.Key != "":
		return fmt.Sprintf("%s: %v (key=%s)", e.Code, e.Err, e.Key)
	case e.OpID != 0:
		return fmt.Sprintf("%s: %v (op=%d)", e.Code, e.Err, e.OpID)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// newSyncError classifies err and wraps it.
func newSyncError(key string, opID int64, err error) *SyncError {
	return &SyncError{Code: classify(err), Key: key, OpID: opID, Err: err}
}

func classify(err error) SyncErrorCode {
	var status *remote.StatusError
	switch {
	case errors.Is(err, remote.ErrNoToken):
		return ErrCodeNoToken
	case errors.Is(err, store.ErrCapacity):
		return ErrCodeCapacity
	case errors.Is(err, ledger.ErrEmptyPayload):
		return ErrCodeInvalid
	case errors.As(err, &status), errors.Is(err, remote.ErrThrottled):
		return ErrCodeRejected
	case remote.IsTransient(err):
		return ErrCodeTransient
	case errors.Is(err, context.Canceled):
		return ErrCodeTransient
	}
	return ErrCodeInternal
}

// IsCapacityError returns true if err is, or wraps, a capacity failure.
// Uses errors.As to handle wrapped errors.
func IsCapacityError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeCapacity
	}
	return errors.Is(err, store.ErrCapacity)
}

// IsNoTokenError returns true if err is, or wraps, a missing credential.
func IsNoTokenError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeNoToken
	}
	return errors.Is(err, remote.ErrNoToken)
}
