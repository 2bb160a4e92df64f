package vbox

import (
	"errors"
	"fmt"
	"strings"
)

// ExternalToolError reports a VBoxManage invocation that exited non-zero
// or could not be started.
type ExternalToolError struct {
	Subcommand string
	Args       []string
	Stderr     string
	ExitCode   int
	Err        error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("VBoxManage %s failed (exit %d)", e.Subcommand, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + firstLine(e.Stderr)
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error {
	return e.Err
}

// ResourceConflictError reports a name or resource that already exists and
// that the caller could not tolerate.
type ResourceConflictError struct {
	Resource string
	Err      error
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %v", e.Resource, e.Err)
}

func (e *ResourceConflictError) Unwrap() error {
	return e.Err
}

// IsAlreadyExists reports whether err is a VBoxManage failure caused by a
// resource (forwarding rule, shared folder, medium) that already exists.
func IsAlreadyExists(err error) bool {
	var toolErr *ExternalToolError
	if !errors.As(err, &toolErr) {
		return false
	}
	return strings.Contains(strings.ToLower(toolErr.Stderr), "already exists")
}

// IsNotFound reports whether err is a VBoxManage failure caused by an
// unknown machine name.
func IsNotFound(err error) bool {
	var toolErr *ExternalToolError
	if !errors.As(err, &toolErr) {
		return false
	}
	return strings.Contains(toolErr.Stderr, "Could not find a registered machine") ||
		strings.Contains(toolErr.Stderr, "VBOX_E_OBJECT_NOT_FOUND")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
