package vm

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/cloudinit"
	"github.com/jbweber/anvil/internal/guest"
	"github.com/jbweber/anvil/internal/inventory"
	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/ssh"
	"github.com/jbweber/anvil/internal/status"
	"github.com/jbweber/anvil/internal/vbox"
)

// Storage controllers created for micro machines.
const (
	microIDEController  = "IDE"
	microSATAController = "SATA"
)

// manage runs a VBoxManage command whose output is not needed.
func (p *Provisioner) manage(ctx context.Context, subcommand string, args ...string) error {
	if _, err := p.runner.Run(ctx, subcommand, args...); err != nil {
		return err
	}
	return nil
}

// importAppliance imports the appliance, sizes it and attaches the optional ISO.
func (p *Provisioner) importAppliance(ctx context.Context, r *run) error {
	m := r.m

	r.log.Infow("importing appliance", "image", m.Spec.Image)
	if err := p.manage(ctx, "import", m.Spec.Image, "--vsys", "0", "--vmname", m.Name); err != nil {
		return fmt.Errorf("failed to import %s: %w", m.Spec.Image, err)
	}
	r.registered = true

	if err := p.resize(ctx, r); err != nil {
		return err
	}

	if m.Spec.ISO != "" {
		r.log.Infow("attaching ISO", "iso", m.Spec.ISO)
		if err := p.attachDVD(ctx, m.Name, p.cfg.Storage.Controller, 1, m.Spec.ISO); err != nil {
			return err
		}
	}

	p.recordSpec(ctx, r)
	return nil
}

// createMicro creates and registers an empty machine that boots the install
// medium, with an optional cloud-init seed and data disk.
func (p *Provisioner) createMicro(ctx context.Context, r *run) error {
	m := r.m

	r.log.Infow("creating machine", "osType", p.cfg.Micro.OSType)
	if err := p.manage(ctx, "createvm", "--name", m.Name, "--ostype", p.cfg.Micro.OSType, "--register"); err != nil {
		return fmt.Errorf("failed to create VM '%s': %w", m.Name, err)
	}
	r.registered = true

	if err := p.resize(ctx, r); err != nil {
		return err
	}

	if err := p.manage(ctx, "storagectl", m.Name, "--name", microIDEController, "--add", "ide"); err != nil {
		return fmt.Errorf("failed to add %s controller: %w", microIDEController, err)
	}
	if err := p.attachDVD(ctx, m.Name, microIDEController, 0, m.Spec.InstallMedium); err != nil {
		return err
	}
	if err := p.manage(ctx, "modifyvm", m.Name, "--boot1", "dvd", "--boot2", "disk"); err != nil {
		return fmt.Errorf("failed to set boot order: %w", err)
	}

	if r.publicKey != "" {
		if err := p.attachSeed(ctx, r); err != nil {
			return err
		}
	}

	if m.Spec.DataDiskMB > 0 {
		if err := p.attachDataDisk(ctx, r); err != nil {
			return err
		}
	}

	p.recordSpec(ctx, r)
	return nil
}

func (p *Provisioner) resize(ctx context.Context, r *run) error {
	m := r.m
	r.log.Infow("sizing machine", "cpus", m.Spec.CPUs, "memoryMB", m.Spec.MemoryMB)
	if err := p.manage(ctx, "modifyvm", m.Name,
		"--cpus", strconv.Itoa(m.Spec.CPUs),
		"--memory", strconv.Itoa(m.Spec.MemoryMB)); err != nil {
		return fmt.Errorf("failed to size VM '%s': %w", m.Name, err)
	}
	return nil
}

func (p *Provisioner) attachDVD(ctx context.Context, vmName, controller string, port int, medium string) error {
	if _, err := p.runner.Run(ctx, "storageattach", vmName,
		"--storagectl", controller,
		"--port", strconv.Itoa(port),
		"--device", "0",
		"--type", "dvddrive",
		"--medium", medium); err != nil {
		return fmt.Errorf("failed to attach %s: %w", medium, err)
	}
	return nil
}

func (p *Provisioner) attachSeed(ctx context.Context, r *run) error {
	r.log.Infow("generating cloud-init seed")
	iso, err := cloudinit.GenerateISO(&cloudinit.Seed{
		Hostname:       r.m.Name,
		InstanceID:     r.m.Status.RunID,
		AuthorizedKeys: []string{r.publicKey},
	})
	if err != nil {
		return fmt.Errorf("failed to generate cloud-init seed: %w", err)
	}

	path, err := p.workDirs.WriteSeedISO(r.m.Name, iso)
	if err != nil {
		return err
	}
	r.log.Infow("attaching cloud-init seed", "path", path)
	return p.attachDVD(ctx, r.m.Name, microIDEController, 1, path)
}

func (p *Provisioner) attachDataDisk(ctx context.Context, r *run) error {
	m := r.m
	if _, err := p.workDirs.EnsureVMDirectory(m.Name); err != nil {
		return err
	}
	path := p.workDirs.DataDiskPath(m.Name)

	r.log.Infow("creating data disk", "path", path, "sizeMB", m.Spec.DataDiskMB)
	if err := p.manage(ctx, "createmedium", "disk",
		"--filename", path,
		"--size", strconv.Itoa(m.Spec.DataDiskMB),
		"--format", "VDI"); err != nil {
		return fmt.Errorf("failed to create data disk: %w", err)
	}
	if err := p.manage(ctx, "storagectl", m.Name, "--name", microSATAController, "--add", "sata", "--portcount", "1"); err != nil {
		return fmt.Errorf("failed to add %s controller: %w", microSATAController, err)
	}
	if err := p.manage(ctx, "storageattach", m.Name,
		"--storagectl", microSATAController,
		"--port", "0",
		"--device", "0",
		"--type", "hdd",
		"--medium", path); err != nil {
		return fmt.Errorf("failed to attach data disk: %w", err)
	}
	r.dataDisk = path
	return nil
}

// customize configures NICs, forwarding rules and shared folders.
func (p *Provisioner) customize(ctx context.Context, r *run) error {
	m := r.m

	if err := p.manage(ctx, "modifyvm", m.Name, "--uart1", "off"); err != nil {
		return fmt.Errorf("failed to disable serial port: %w", err)
	}

	r.log.Infow("configuring NAT interface")
	if err := p.manage(ctx, "modifyvm", m.Name, "--nic1", "nat", "--nictype1", "virtio"); err != nil {
		return fmt.Errorf("failed to configure NAT interface: %w", err)
	}

	if m.Spec.IP != "" && !r.micro {
		if err := p.configureHostOnly(ctx, r); err != nil {
			return err
		}
	}

	sshRule := inventory.ForwardRule{Label: naming.SSHRuleLabel, Protocol: "tcp", HostPort: m.Status.SSHPort, GuestPort: 22}
	r.log.Infow("forwarding SSH", "hostPort", sshRule.HostPort)
	if err := p.manage(ctx, "modifyvm", m.Name, "--natpf1", sshRule.String()); err != nil {
		if vbox.IsAlreadyExists(err) {
			return &vbox.ResourceConflictError{Resource: "forwarding rule " + naming.SSHRuleLabel, Err: err}
		}
		return fmt.Errorf("failed to forward SSH port: %w", err)
	}
	m.AddAddress(v1alpha1.AddressSSH, r.target.Addr())

	if err := p.forwardPorts(ctx, r); err != nil {
		return err
	}

	for i, f := range m.Spec.SyncFolders {
		share := naming.ShareName(i)
		r.log.Infow("adding shared folder", "share", share, "hostPath", f.HostPath)
		if err := p.manage(ctx, "sharedfolder", "add", m.Name, "--name", share, "--hostpath", f.HostPath); err != nil {
			return fmt.Errorf("failed to add shared folder %s: %w", share, err)
		}
	}

	status.MarkNetworkConfigured(m)
	return nil
}

func (p *Provisioner) configureHostOnly(ctx context.Context, r *run) error {
	m := r.m

	adapter, err := p.network.ResolveAdapter(ctx, m.Spec.IP)
	if err != nil {
		return err
	}
	mac, err := naming.MACFromIP(m.Spec.IP)
	if err != nil {
		return err
	}

	r.log.Infow("configuring host-only interface", "adapter", adapter, "mac", mac)
	if err := p.manage(ctx, "modifyvm", m.Name,
		"--nic2", "hostonly",
		"--nictype2", "virtio",
		"--hostonlyadapter2", adapter,
		"--macaddress2", mac); err != nil {
		return fmt.Errorf("failed to configure host-only interface: %w", err)
	}

	m.Status.HostOnlyAdapter = adapter
	m.Status.MACAddress = mac
	m.AddAddress(v1alpha1.AddressHostOnlyIP, m.Spec.IP)
	return nil
}

// forwardPorts registers the extra forwarding rules. Rules are independent:
// an existing rule with the same label is left in place.
func (p *Provisioner) forwardPorts(ctx context.Context, r *run) error {
	if len(r.m.Spec.ForwardPorts) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.ForwardWorkers, 1))

	for _, fp := range r.m.Spec.ForwardPorts {
		rule := inventory.ForwardRule{
			Label:     naming.ForwardRuleLabel(fp.Protocol, fp.HostPort),
			Protocol:  fp.Protocol,
			HostPort:  fp.HostPort,
			GuestPort: fp.GuestPort,
		}
		g.Go(func() error {
			_, err := p.runner.Run(gctx, "modifyvm", r.m.Name, "--natpf1", rule.String())
			switch {
			case err == nil:
				r.log.Infow("forwarded port", "rule", rule.Label, "hostPort", rule.HostPort, "guestPort", rule.GuestPort)
				return nil
			case vbox.IsAlreadyExists(err):
				r.log.Warnw("forwarding rule already exists", "rule", rule.Label)
				return nil
			default:
				return fmt.Errorf("failed to forward port %d: %w", rule.HostPort, err)
			}
		})
	}
	return g.Wait()
}

// start boots the machine headless. A stale running instance is powered off
// first; that step is allowed to fail.
func (p *Provisioner) start(ctx context.Context, r *run) error {
	if err := p.manage(ctx, "controlvm", r.m.Name, "poweroff"); err != nil {
		r.log.Debugw("poweroff before start failed", "error", err)
	}

	r.log.Infow("starting machine")
	if err := p.manage(ctx, "startvm", r.m.Name, "--type", "headless"); err != nil {
		return fmt.Errorf("failed to start VM '%s': %w", r.m.Name, err)
	}
	return nil
}

// awaitGuest probes the guest until it answers or the probe budget is spent.
func (p *Provisioner) awaitGuest(ctx context.Context, r *run) error {
	r.guest = guest.NewConfigurator(p.shell, r.target, r.log)

	attempts := max(p.cfg.Guest.ProbeAttempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		r.log.Infow("waiting for guest", "attempt", attempt, "of", attempts, "addr", r.target.Addr())

		lastErr = r.guest.Probe(ctx)
		if lastErr == nil {
			status.MarkGuestReachable(r.m)
			return nil
		}
		if errors.Is(lastErr, ssh.ErrInteractiveAuth) || ctx.Err() != nil {
			return lastErr
		}
		r.log.Debugw("guest probe failed", "attempt", attempt, "error", lastErr)

		if attempt < attempts {
			if err := p.sleep(ctx, p.cfg.Guest.ProbeInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d probes: %w", ErrGuestUnreachable, attempts, lastErr)
}

// postSetup configures the guest: static address, authorized key, shared
// folder mounts and the micro data disk.
func (p *Provisioner) postSetup(ctx context.Context, r *run) error {
	m := r.m

	if m.Spec.IP != "" && !r.micro {
		workDir, err := p.workDirs.EnsureVMDirectory(m.Name)
		if err != nil {
			return err
		}
		if err := r.guest.ApplyNetwork(ctx, guest.InterfacesConfig{
			IP:       m.Spec.IP,
			Netmask:  p.cfg.Network.Netmask,
			Primary:  p.cfg.Guest.PrimaryInterface,
			HostOnly: p.cfg.Guest.HostOnlyInterface,
			Path:     p.cfg.Guest.InterfacesPath,
		}, workDir); err != nil {
			return fmt.Errorf("failed to configure guest network: %w", err)
		}
	}

	if r.publicKey != "" {
		if err := r.guest.AuthorizeKey(ctx, r.publicKey); err != nil {
			return fmt.Errorf("failed to authorize SSH key: %w", err)
		}
	}

	if len(m.Spec.SyncFolders) > 0 {
		mounts := make([]guest.Mount, 0, len(m.Spec.SyncFolders))
		for i, f := range m.Spec.SyncFolders {
			mounts = append(mounts, guest.Mount{Index: i, GuestPath: f.GuestPath})
		}
		if err := r.guest.MountSharedFolders(ctx, mounts); err != nil {
			return err
		}
	}

	if r.dataDisk != "" {
		if err := r.guest.FormatDisk(ctx, p.cfg.Micro.DataDevice, m.Spec.DataDiskMount); err != nil {
			return err
		}
	}
	return nil
}
