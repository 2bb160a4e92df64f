package inventory

import (
	"context"
	"fmt"

	"github.com/jbweber/anvil/internal/vbox"
)

// Reader answers inventory queries using VBoxManage.
type Reader struct {
	runner vbox.Runner
}

// NewReader creates a Reader on top of runner.
func NewReader(runner vbox.Runner) *Reader {
	return &Reader{runner: runner}
}

// List returns every registered machine.
func (r *Reader) List(ctx context.Context) ([]VirtualMachine, error) {
	out, err := r.runner.Run(ctx, "list", "vms")
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	return ParseVMList(out)
}

// Info returns the machine-readable details of name. An unknown machine is
// not an error: the result is MachineInfo{"VMState": "not_found"}.
func (r *Reader) Info(ctx context.Context, name string) (MachineInfo, error) {
	out, err := r.runner.Run(ctx, "showvminfo", name, "--machinereadable")
	if err != nil {
		if vbox.IsNotFound(err) {
			return MachineInfo{"VMState": StateNotFound}, nil
		}
		return nil, fmt.Errorf("failed to get info for VM '%s': %w", name, err)
	}
	return ParseMachineReadable(out)
}

// HostOnlyAdapters returns every host-only network interface.
func (r *Reader) HostOnlyAdapters(ctx context.Context) ([]HostOnlyAdapter, error) {
	out, err := r.runner.Run(ctx, "list", "hostonlyifs")
	if err != nil {
		return nil, fmt.Errorf("failed to list host-only adapters: %w", err)
	}
	return ParseHostOnlyIfs(out)
}

// MachineFolder returns the default folder VirtualBox stores settings in.
func (r *Reader) MachineFolder(ctx context.Context) (string, error) {
	out, err := r.runner.Run(ctx, "list", "systemproperties")
	if err != nil {
		return "", fmt.Errorf("failed to list system properties: %w", err)
	}
	props, err := ParseSystemProperties(out)
	if err != nil {
		return "", err
	}
	folder := props["Default machine folder"]
	if folder == "" {
		return "", &ParseError{Source: "list systemproperties", Reason: "no default machine folder"}
	}
	return folder, nil
}

// ForwardedHostPorts returns every host port referenced by a NAT forwarding
// rule of any registered machine, running or not.
func (r *Reader) ForwardedHostPorts(ctx context.Context) (map[int]string, error) {
	vms, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	ports := map[int]string{}
	for _, vm := range vms {
		info, err := r.Info(ctx, vm.Name)
		if err != nil {
			return nil, err
		}
		rules, err := info.ForwardRules()
		if err != nil {
			return nil, fmt.Errorf("failed to read forwarding rules of '%s': %w", vm.Name, err)
		}
		for _, rule := range rules {
			ports[rule.HostPort] = vm.Name
		}
	}
	return ports, nil
}
