package vm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/inventory"
	"github.com/jbweber/anvil/internal/metadata"
	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/vbox"
)

// List returns every registered VM, described as a Machine.
func (p *Provisioner) List(ctx context.Context) ([]*v1alpha1.Machine, error) {
	vms, err := p.inventory.List(ctx)
	if err != nil {
		return nil, err
	}

	machines := make([]*v1alpha1.Machine, 0, len(vms))
	for _, v := range vms {
		m, err := p.Describe(ctx, v.Name)
		if errors.Is(err, ErrVMNotFound) {
			// unregistered between list and showvminfo
			continue
		}
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// Info returns the raw showvminfo details of name. An unknown VM yields the
// not_found sentinel and no error.
func (p *Provisioner) Info(ctx context.Context, name string) (inventory.MachineInfo, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	return p.inventory.Info(ctx, name)
}

// Describe combines the Machine recorded at provisioning time with the
// current VirtualBox state of name. VMs not created by anvil are described
// from showvminfo alone.
func (p *Provisioner) Describe(ctx context.Context, name string) (*v1alpha1.Machine, error) {
	info, err := p.Info(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.NotFound() {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, name)
	}

	m, err := metadata.Load(ctx, p.runner, name)
	if errors.Is(err, metadata.ErrNotFound) {
		m = &v1alpha1.Machine{ObjectMeta: v1alpha1.ObjectMeta{Name: name}}
	} else if err != nil {
		p.log.Warnw("ignoring unreadable machine metadata", "vm", name, "error", err)
		m = &v1alpha1.Machine{ObjectMeta: v1alpha1.ObjectMeta{Name: name}}
	}
	v1alpha1.SetDefaultAPIVersion(m)

	m.Status.ID = info["UUID"]
	m.Status.State = info.State()
	if m.Spec.CPUs == 0 {
		m.Spec.CPUs, _ = strconv.Atoi(info["cpus"])
	}
	if m.Spec.MemoryMB == 0 {
		m.Spec.MemoryMB, _ = strconv.Atoi(info["memory"])
	}

	rules, err := info.ForwardRules()
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if rule.Label == naming.SSHRuleLabel {
			m.Status.SSHPort = rule.HostPort
		}
	}
	return m, nil
}

// Stop saves the state of a running VM, or powers it off when force is set.
// Stopping a VM that is not running is a no-op.
func (p *Provisioner) Stop(ctx context.Context, name string, force bool) error {
	info, err := p.lookup(ctx, name)
	if err != nil {
		return err
	}
	log := p.log.With("vm", name)
	if !info.IsRunning() {
		log.Infow("VM is not running", "state", info.State())
		return nil
	}

	action := "savestate"
	if force {
		action = "poweroff"
	}
	log.Infow("stopping VM", "action", action)
	if _, err := p.runner.Run(ctx, "controlvm", name, action); err != nil {
		return fmt.Errorf("failed to stop VM '%s': %w", name, err)
	}
	return nil
}

// Delete powers off name, unregisters it with its disks and removes the anvil
// working directory.
func (p *Provisioner) Delete(ctx context.Context, name string) error {
	info, err := p.lookup(ctx, name)
	if err != nil {
		return err
	}
	log := p.log.With("vm", name)

	if info.IsRunning() || info.State() == "paused" {
		log.Infow("powering off VM")
		if _, err := p.runner.Run(ctx, "controlvm", name, "poweroff"); err != nil {
			log.Warnw("failed to power off VM", "error", err)
		}
	}

	if err := metadata.Delete(ctx, p.runner, name); err != nil {
		log.Warnw("failed to remove machine metadata", "error", err)
	}

	log.Infow("unregistering VM")
	if _, err := p.runner.Run(ctx, "unregistervm", name, "--delete"); err != nil {
		return fmt.Errorf("failed to unregister VM '%s': %w", name, err)
	}

	if err := p.workDirs.DeleteVM(name); err != nil {
		return err
	}
	log.Infow("VM deleted")
	return nil
}

// Expose adds a NAT forwarding rule to name. A running VM is changed live
// with controlvm; a stopped one with modifyvm. A rule with the same label
// already on the VM is left in place.
func (p *Provisioner) Expose(ctx context.Context, name string, fp v1alpha1.ForwardPort) error {
	if name == "" {
		return ErrNameRequired
	}
	if fp.Protocol == "" {
		fp.Protocol = "tcp"
	}
	if fp.HostPort < 1 || fp.HostPort > 65535 || fp.GuestPort < 1 || fp.GuestPort > 65535 {
		return invalid("forwardPort", "port out of range 1-65535: %s", fp)
	}
	if fp.Protocol != "tcp" && fp.Protocol != "udp" {
		return invalid("forwardPort", "protocol must be tcp or udp, got %q", fp.Protocol)
	}

	info, err := p.lookup(ctx, name)
	if err != nil {
		return err
	}
	if !p.ports.IsBindable(fp.HostPort) {
		return fmt.Errorf("%w: %d", ErrPortInUse, fp.HostPort)
	}

	rule := inventory.ForwardRule{
		Label:     naming.ForwardRuleLabel(fp.Protocol, fp.HostPort),
		Protocol:  fp.Protocol,
		HostPort:  fp.HostPort,
		GuestPort: fp.GuestPort,
	}

	if info.IsRunning() {
		_, err = p.runner.Run(ctx, "controlvm", name, "natpf1", rule.String())
	} else {
		_, err = p.runner.Run(ctx, "modifyvm", name, "--natpf1", rule.String())
	}
	if vbox.IsAlreadyExists(err) {
		p.log.Warnw("forwarding rule already exists", "vm", name, "rule", rule.Label)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to expose port %d: %w", fp.HostPort, err)
	}

	p.log.Infow("exposed port", "vm", name, "rule", rule.Label, "live", info.IsRunning())
	return nil
}

// Adapters returns every host-only adapter on the host.
func (p *Provisioner) Adapters(ctx context.Context) ([]inventory.HostOnlyAdapter, error) {
	return p.inventory.HostOnlyAdapters(ctx)
}

// lookup returns the details of an existing VM.
func (p *Provisioner) lookup(ctx context.Context, name string) (inventory.MachineInfo, error) {
	if name == "" {
		return nil, ErrNameRequired
	}
	info, err := p.inventory.Info(ctx, name)
	if err != nil {
		return nil, err
	}
	if info.NotFound() {
		return nil, fmt.Errorf("%w: %s", ErrVMNotFound, name)
	}
	return info, nil
}
