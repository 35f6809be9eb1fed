// Package errors provides the error code taxonomy shared by the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an AppError.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	ErrSyncConflict     ErrorCode = "SYNC_CONFLICT"
	ErrExhaustedRetry   ErrorCode = "EXHAUSTED_RETRY"
	ErrSessionState     ErrorCode = "SESSION_STATE"

	// Backup errors
	ErrInvalidPassword  ErrorCode = "INVALID_PASSWORD"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost AppError code in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Storage wraps a local persistence failure.
func Storage(message string, err error) *AppError {
	return Wrap(ErrStorage, message, err)
}

// Transient wraps a network-level or server-side failure worth retrying.
func Transient(message string, err error) *AppError {
	return Wrap(ErrTransientNetwork, message, err)
}

// Validation reports a payload the server or client rejected outright.
func Validation(message string, err error) *AppError {
	return Wrap(ErrValidation, message, err)
}
