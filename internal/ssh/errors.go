package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrInteractiveAuth is returned when the guest asks for keyboard-interactive
// or password authentication. It is never retried.
var ErrInteractiveAuth = errors.New("interactive authentication requested")

// ConnectionError reports a transport-level failure reaching the guest.
type ConnectionError struct {
	Addr     string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect to %s after %d attempt(s): %v", e.Addr, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RemoteExecError reports a remote command that exited non-zero or wrote to
// stderr.
type RemoteExecError struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
}

func (e *RemoteExecError) Error() string {
	msg := fmt.Sprintf("remote command %q failed (exit %d)", e.Command, e.ExitStatus)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// TransferError reports a failed file copy to the guest.
type TransferError struct {
	Local  string
	Remote string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("failed to copy %s to %s: %v", e.Local, e.Remote, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a connection failure worth retrying:
// refused or reset connections, timeouts, and handshakes cut short while the
// guest's sshd is still starting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInteractiveAuth) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var execErr *RemoteExecError
	if errors.As(err, &execErr) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, s := range []string{"connection refused", "connection reset", "i/o timeout", "handshake failed: EOF", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
