package vbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// WindowsBinary is where the VirtualBox installer places VBoxManage on Windows.
const WindowsBinary = `C:\Program Files\Oracle\VirtualBox\VBoxManage.exe`

// DefaultBinary is resolved through PATH on every other platform.
const DefaultBinary = "VBoxManage"

// Runner executes VBoxManage subcommands.
//
// In production, this is satisfied by *Executor.
// In tests, this is satisfied by fakes that record invocations.
type Runner interface {
	// Run executes `VBoxManage <subcommand> <args...>` and returns stdout.
	Run(ctx context.Context, subcommand string, args ...string) (string, error)
}

// Executor is the os/exec backed Runner.
type Executor struct {
	binary string
	log    *zap.SugaredLogger
}

// BinaryPath returns the VBoxManage location for the given GOOS.
func BinaryPath(goos string) string {
	if goos == "windows" {
		return WindowsBinary
	}
	return DefaultBinary
}

// NewExecutor creates an Executor. An empty binary selects the platform default.
func NewExecutor(binary string, log *zap.SugaredLogger) *Executor {
	if binary == "" {
		binary = BinaryPath(runtime.GOOS)
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{binary: binary, log: log}
}

// Binary returns the resolved VBoxManage path.
func (e *Executor) Binary() string {
	return e.binary
}

// Run implements Runner.
func (e *Executor) Run(ctx context.Context, subcommand string, args ...string) (string, error) {
	argv := append([]string{subcommand}, args...)
	e.log.Debugw("executing VBoxManage", "subcommand", subcommand, "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, e.binary, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	toolErr := &ExternalToolError{
		Subcommand: subcommand,
		Args:       args,
		Stderr:     strings.TrimSpace(stderr.String()),
		ExitCode:   -1,
		Err:        err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.ExitCode = exitErr.ExitCode()
	}
	e.log.Debugw("VBoxManage failed", "subcommand", subcommand, "exitCode", toolErr.ExitCode, "stderr", toolErr.Stderr)
	return stdout.String(), toolErr
}
