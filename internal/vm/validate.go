package vm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/ssh"
)

// guestHost is where forwarded guest ports are reached.
const guestHost = "127.0.0.1"

// validate checks the request and fills in everything later phases need.
// It issues no command that changes VirtualBox or host state.
func (p *Provisioner) validate(ctx context.Context, r *run) error {
	m := r.m

	if m.Name == "" {
		return &ValidationError{Field: "name", Err: ErrNameRequired}
	}
	if err := naming.ValidateVMName(m.Name); err != nil {
		return &ValidationError{Field: "name", Err: err}
	}

	if err := p.validateMedia(r); err != nil {
		return err
	}

	folder, err := p.inventory.MachineFolder(ctx)
	if err != nil {
		return err
	}
	settings := naming.SettingsFile(folder, m.Name)
	if _, err := os.Stat(settings); err == nil {
		return invalid("name", "machine settings file %s already exists", settings)
	}

	if err := p.checkWorkDir(r); err != nil {
		return err
	}

	if err := validateSyncFolders(m.Spec.SyncFolders); err != nil {
		return err
	}

	if m.Spec.SSHPublicKey != "" {
		key, err := ssh.ReadPublicKey(m.Spec.SSHPublicKey)
		if err != nil {
			return &ValidationError{Field: "sshPublicKey", Err: err}
		}
		r.publicKey = key
	}

	if m.Spec.IP != "" {
		ip := net.ParseIP(m.Spec.IP)
		if ip == nil || ip.To4() == nil {
			return invalid("ip", "%q is not an IPv4 address", m.Spec.IP)
		}
	}

	for i, fp := range m.Spec.ForwardPorts {
		if fp.HostPort < 1 || fp.HostPort > 65535 || fp.GuestPort < 1 || fp.GuestPort > 65535 {
			return invalid(fmt.Sprintf("forwardPorts[%d]", i), "port out of range 1-65535: %s", fp)
		}
		if fp.Protocol != "tcp" && fp.Protocol != "udp" {
			return invalid(fmt.Sprintf("forwardPorts[%d]", i), "protocol must be tcp or udp, got %q", fp.Protocol)
		}
	}

	if m.Spec.DataDiskMB < 0 {
		return invalid("dataDiskMB", "must not be negative")
	}
	if m.Spec.DataDiskMB > 0 && m.Spec.DataDiskMount == "" {
		m.Spec.DataDiskMount = "/data"
	}

	if m.Spec.CPUs == 0 {
		m.Spec.CPUs = p.cfg.Defaults.CPUs
	}
	if m.Spec.MemoryMB == 0 {
		m.Spec.MemoryMB = p.cfg.Defaults.MemoryMB
	}
	if m.Spec.CPUs < 1 {
		return invalid("cpus", "must be at least 1")
	}
	if m.Spec.MemoryMB < 4 {
		return invalid("memoryMB", "must be at least 4")
	}

	user, key := p.cfg.SSH.User, p.cfg.SSH.PrivateKey
	if r.micro {
		user, key = p.cfg.Micro.User, p.cfg.Micro.PrivateKey
	}
	if err := ssh.CheckPrivateKey(key); err != nil {
		return &ValidationError{Field: "privateKey", Err: err}
	}

	sshPort := m.Spec.SSHPort
	if sshPort == 0 {
		sshPort, err = p.ports.FindAvailablePort(ctx)
		if err != nil {
			return fmt.Errorf("failed to pick an SSH port: %w", err)
		}
		r.log.Infow("picked SSH port", "port", sshPort)
	} else if sshPort < 1 || sshPort > 65535 {
		return invalid("sshPort", "%d out of range 1-65535", sshPort)
	}
	m.Status.SSHPort = sshPort

	r.target = ssh.Target{Host: guestHost, Port: sshPort, User: user, PrivateKeyPath: key}
	return nil
}

// checkWorkDir looks for a working directory left by an earlier run of an
// unregistered machine. A data disk cannot be created over a stale one.
func (p *Provisioner) checkWorkDir(r *run) error {
	m := r.m
	exists, err := p.workDirs.VMDirectoryExists(m.Name)
	if err != nil || !exists {
		return err
	}

	dir := p.workDirs.VMDirectory(m.Name)
	if m.Spec.DataDiskMB > 0 {
		return invalid("name", "working directory %s is left from an earlier run; remove it first", dir)
	}
	r.log.Warnw("reusing working directory from an earlier run", "dir", dir)
	return nil
}

// validateMedia checks the boot medium of the request and the optional ISO.
func (p *Provisioner) validateMedia(r *run) error {
	spec := &r.m.Spec

	if r.micro {
		if spec.Image != "" {
			return invalid("image", "micro machines boot an install medium, not an appliance")
		}
		if spec.InstallMedium == "" {
			return invalid("installMedium", "is required")
		}
		path, err := requireFile(spec.InstallMedium)
		if err != nil {
			return &ValidationError{Field: "installMedium", Err: err}
		}
		spec.InstallMedium = path
		return nil
	}

	if spec.Image == "" {
		return invalid("image", "is required")
	}
	if spec.DataDiskMB > 0 {
		return invalid("dataDiskMB", "is only supported for micro machines")
	}
	path, err := p.resolveImage(spec.Image)
	if err != nil {
		return &ValidationError{Field: "image", Err: err}
	}
	spec.Image = path

	if spec.ISO != "" {
		iso, err := requireFile(spec.ISO)
		if err != nil {
			return &ValidationError{Field: "iso", Err: err}
		}
		spec.ISO = iso
	}
	return nil
}

// resolveImage returns the absolute appliance path. A bare name that does
// not exist in the working directory is looked up in the boxes directory,
// either as a file or as a directory holding box.ovf.
func (p *Provisioner) resolveImage(image string) (string, error) {
	path, err := requireFile(image)
	if err == nil || filepath.Base(image) != image {
		return path, err
	}

	box := filepath.Join(p.cfg.BoxesDir(), image)
	for _, candidate := range []string{box, filepath.Join(box, "box.ovf")} {
		if info, statErr := os.Stat(candidate); statErr == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", err
}

// validateSyncFolders checks every folder is complete and its host path is
// an existing directory. Host paths are made absolute.
func validateSyncFolders(folders []v1alpha1.SyncFolder) error {
	for i := range folders {
		field := fmt.Sprintf("syncFolders[%d]", i)
		f := &folders[i]
		if f.HostPath == "" || f.GuestPath == "" {
			return &ValidationError{Field: field, Err: ErrSyncFolderFormat}
		}

		abs, err := filepath.Abs(f.HostPath)
		if err != nil {
			return &ValidationError{Field: field, Err: err}
		}
		info, err := os.Stat(abs)
		if err != nil {
			return &ValidationError{Field: field, Err: fmt.Errorf("%s: %w", abs, ErrPathNotFound)}
		}
		if !info.IsDir() {
			return invalid(field, "%s is not a directory", abs)
		}
		f.HostPath = abs
	}
	return nil
}

// ParseSyncFolders converts host;guest arguments into sync folders. Any
// malformed argument yields a *ValidationError wrapping ErrSyncFolderFormat.
func ParseSyncFolders(args []string) ([]v1alpha1.SyncFolder, error) {
	folders := make([]v1alpha1.SyncFolder, 0, len(args))
	for i, arg := range args {
		f, err := v1alpha1.ParseSyncFolder(arg)
		if err != nil {
			return nil, &ValidationError{
				Field: fmt.Sprintf("syncFolders[%d]", i),
				Err:   fmt.Errorf("%w: %q", ErrSyncFolderFormat, arg),
			}
		}
		folders = append(folders, f)
	}
	return folders, nil
}

// requireFile returns the absolute path of an existing regular file.
func requireFile(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", abs, ErrPathNotFound)
	}
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}
	return abs, nil
}
