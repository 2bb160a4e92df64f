package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrNameRequired is returned by operations that need a VM name and got none.
	ErrNameRequired = errors.New("a VM name is required")

	// ErrVMNotFound is returned when the named VM is not registered.
	ErrVMNotFound = errors.New("VM not found")

	// ErrGuestUnreachable is returned when the guest never answered over SSH.
	ErrGuestUnreachable = errors.New("guest unreachable")

	// ErrPortInUse is returned when a requested host port cannot be bound.
	ErrPortInUse = errors.New("host port in use")

	// ErrSyncFolderFormat is returned for a sync folder not in host;guest form.
	ErrSyncFolderFormat = errors.New("sync folder must be in host;guest form")

	// ErrPathNotFound is returned when a file or directory named in a request
	// does not exist.
	ErrPathNotFound = errors.New("path does not exist")
)

// ValidationError reports a request field that failed validation. No
// state-changing command has run when it is returned.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}
