// Package metadata stores the Machine a VM was provisioned from on the VM
// itself, as VirtualBox extra data, so `anvil info` can show it later.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/vbox"
)

// SpecKey is the extra-data key holding the serialized Machine.
const SpecKey = "anvil/spec"

// ErrNotFound is returned when a VM carries no anvil metadata.
var ErrNotFound = errors.New("no anvil metadata")

// Store saves m on the VM named m.Name.
//
// The value is single-line JSON: getextradata prints values on one line.
func Store(ctx context.Context, r vbox.Runner, m *v1alpha1.Machine) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal machine: %w", err)
	}
	if _, err := r.Run(ctx, "setextradata", m.Name, SpecKey, string(data)); err != nil {
		return fmt.Errorf("failed to store metadata on '%s': %w", m.Name, err)
	}
	return nil
}

// Load returns the Machine stored on vmName.
func Load(ctx context.Context, r vbox.Runner, vmName string) (*v1alpha1.Machine, error) {
	out, err := r.Run(ctx, "getextradata", vmName, SpecKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata of '%s': %w", vmName, err)
	}

	value, ok := parseValue(out)
	if !ok {
		return nil, ErrNotFound
	}

	var m v1alpha1.Machine
	if err := json.Unmarshal([]byte(value), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata of '%s': %w", vmName, err)
	}
	return &m, nil
}

// Delete removes the stored Machine from vmName.
func Delete(ctx context.Context, r vbox.Runner, vmName string) error {
	if _, err := r.Run(ctx, "setextradata", vmName, SpecKey); err != nil {
		return fmt.Errorf("failed to delete metadata of '%s': %w", vmName, err)
	}
	return nil
}

// parseValue extracts the value from getextradata output:
//
//	Value: {...}
//	No value set!
func parseValue(out string) (string, bool) {
	out = strings.TrimSpace(strings.ReplaceAll(out, "\r\n", "\n"))
	value, ok := strings.CutPrefix(out, "Value:")
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
