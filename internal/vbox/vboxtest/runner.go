// Package vboxtest provides an in-memory vbox.Runner for tests.
package vboxtest

import (
	"context"
	"strings"
	"sync"

	"github.com/jbweber/anvil/internal/vbox"
)

// Call is one recorded invocation.
type Call struct {
	Subcommand string
	Args       []string
}

// String renders the call the way it would appear on a command line.
func (c Call) String() string {
	if len(c.Args) == 0 {
		return c.Subcommand
	}
	return c.Subcommand + " " + strings.Join(c.Args, " ")
}

// Handler answers one call.
type Handler func(args []string) (string, error)

// Runner records every call and answers with per-subcommand handlers.
// Unhandled subcommands succeed with empty output.
type Runner struct {
	mu       sync.Mutex
	calls    []Call
	handlers map[string]Handler
}

// NewRunner creates an empty fake runner.
func NewRunner() *Runner {
	return &Runner{handlers: map[string]Handler{}}
}

// Handle registers h for a subcommand. A key may include the first argument
// ("list vms", "hostonlyif create") to be more specific.
func (r *Runner) Handle(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Reply registers a fixed stdout for key.
func (r *Runner) Reply(key, stdout string) {
	r.Handle(key, func([]string) (string, error) { return stdout, nil })
}

// Fail registers a fixed VBoxManage failure for key.
func (r *Runner) Fail(key, stderr string) {
	sub, _, _ := strings.Cut(key, " ")
	r.Handle(key, func(args []string) (string, error) {
		return "", &vbox.ExternalToolError{Subcommand: sub, Args: args, Stderr: stderr, ExitCode: 1}
	})
}

// Run implements vbox.Runner.
func (r *Runner) Run(_ context.Context, subcommand string, args ...string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Subcommand: subcommand, Args: append([]string(nil), args...)})
	h := r.handlers[subcommand]
	if len(args) > 0 {
		if specific, ok := r.handlers[subcommand+" "+args[0]]; ok {
			h = specific
		}
	}
	r.mu.Unlock()

	if h == nil {
		return "", nil
	}
	return h(args)
}

// Calls returns a copy of every recorded call.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsTo returns the recorded calls for a subcommand.
func (r *Runner) CallsTo(subcommand string) []Call {
	var matched []Call
	for _, c := range r.Calls() {
		if c.Subcommand == subcommand {
			matched = append(matched, c)
		}
	}
	return matched
}

// CallsContaining returns the recorded calls whose rendered form contains s.
func (r *Runner) CallsContaining(s string) []Call {
	var matched []Call
	for _, c := range r.Calls() {
		if strings.Contains(c.String(), s) {
			matched = append(matched, c)
		}
	}
	return matched
}
