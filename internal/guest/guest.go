// Package guest configures a booted guest over SSH.
//
// Every step is a plain shell command. File appends are guarded with
// `grep -qF ... ||` so that running a step twice leaves the guest unchanged.
package guest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/ssh"
)

// Staging path for the rendered interfaces file.
const remoteInterfacesPath = "/tmp/anvil-interfaces"

// Shell runs commands on and copies files to a guest.
//
// In production, this is satisfied by *ssh.Client.
// In tests, this is satisfied by a recording fake.
type Shell interface {
	// Exec runs a shell command on the guest
	Exec(ctx context.Context, target ssh.Target, command string) (ssh.Result, error)

	// Copy writes a local file to the guest
	Copy(ctx context.Context, target ssh.Target, localPath, remotePath string) error
}

// Mount pairs a guest directory with its shared folder index.
type Mount struct {
	Index     int
	GuestPath string
}

// Configurator runs post-boot configuration against one guest.
type Configurator struct {
	shell  Shell
	target ssh.Target
	log    *zap.SugaredLogger
}

// NewConfigurator creates a Configurator for target.
func NewConfigurator(shell Shell, target ssh.Target, log *zap.SugaredLogger) *Configurator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Configurator{shell: shell, target: target, log: log}
}

func (c *Configurator) run(ctx context.Context, command string) error {
	res, err := c.shell.Exec(ctx, c.target, command)
	if err != nil {
		return err
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		c.log.Debugw("guest output", "command", command, "stdout", out)
	}
	return nil
}

// Probe runs a trivial command to check the guest is reachable.
func (c *Configurator) Probe(ctx context.Context) error {
	return c.run(ctx, "echo ready")
}

// ApplyNetwork renders the interfaces file for cfg, copies it to the guest
// and applies it: copy into place, restart networking, cycle the host-only
// interface. workDir holds the rendered file on the host.
func (c *Configurator) ApplyNetwork(ctx context.Context, cfg InterfacesConfig, workDir string) error {
	cfg = cfg.withDefaults()
	content, err := RenderInterfaces(cfg)
	if err != nil {
		return err
	}

	local := filepath.Join(workDir, "interfaces")
	if err := os.WriteFile(local, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write interfaces file: %w", err)
	}

	c.log.Infow("copying network interfaces file", "ip", cfg.IP)
	if err := c.shell.Copy(ctx, c.target, local, remoteInterfacesPath); err != nil {
		return err
	}

	c.log.Infow("applying network configuration", "interface", cfg.HostOnly)
	return c.run(ctx, ApplyNetworkCommand(cfg.Path, cfg.HostOnly))
}

// ApplyNetworkCommand returns the command sequence that activates a staged
// interfaces file.
func ApplyNetworkCommand(path, iface string) string {
	q := ssh.Quote(iface)
	return strings.Join([]string{
		"sudo cp " + remoteInterfacesPath + " " + ssh.Quote(path),
		"sudo /etc/init.d/networking restart 2>&1",
		"sudo ifdown " + q + " 2>&1",
		"sudo ifup " + q + " 2>&1",
	}, " && ")
}

// AuthorizeKey appends publicKey to the guest user's authorized_keys unless
// it is already present.
func (c *Configurator) AuthorizeKey(ctx context.Context, publicKey string) error {
	c.log.Infow("authorizing ssh key", "user", c.target.User)
	return c.run(ctx, AuthorizeKeyCommand(publicKey))
}

// AuthorizeKeyCommand returns the idempotent authorized_keys append.
func AuthorizeKeyCommand(publicKey string) string {
	key := ssh.Quote(strings.TrimSpace(publicKey))
	return "mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && " +
		"(grep -qF " + key + " ~/.ssh/authorized_keys || echo " + key + " >> ~/.ssh/authorized_keys)"
}

// MountSharedFolders loads the shared-folder module, adds the user to the
// vboxsf group, appends one fstab line per mount and remounts everything.
func (c *Configurator) MountSharedFolders(ctx context.Context, mounts []Mount) error {
	if len(mounts) == 0 {
		return nil
	}

	c.log.Infow("preparing shared folder support")
	if err := c.run(ctx, "sudo modprobe vboxsf"); err != nil {
		return fmt.Errorf("failed to load vboxsf module: %w", err)
	}
	if err := c.run(ctx, "sudo usermod -a -G vboxsf "+ssh.Quote(c.target.User)); err != nil {
		return fmt.Errorf("failed to add %s to vboxsf group: %w", c.target.User, err)
	}

	for _, m := range mounts {
		c.log.Infow("adding shared folder mount", "share", naming.ShareName(m.Index), "path", m.GuestPath)
		if err := c.run(ctx, "sudo mkdir -p "+ssh.Quote(m.GuestPath)); err != nil {
			return fmt.Errorf("failed to create mount point %s: %w", m.GuestPath, err)
		}
		if err := c.run(ctx, AppendLineCommand(FstabLine(m), "/etc/fstab")); err != nil {
			return fmt.Errorf("failed to add fstab entry for %s: %w", m.GuestPath, err)
		}
	}

	return c.remount(ctx)
}

// FormatDisk creates an ext4 filesystem on device unless one already exists
// and mounts it at mountPoint through fstab.
func (c *Configurator) FormatDisk(ctx context.Context, device, mountPoint string) error {
	dev := ssh.Quote(device)
	c.log.Infow("formatting data disk", "device", device, "mountPoint", mountPoint)
	if err := c.run(ctx, "sudo blkid "+dev+" > /dev/null 2>&1 || sudo mkfs.ext4 -q "+dev+" 2>&1"); err != nil {
		return fmt.Errorf("failed to format %s: %w", device, err)
	}
	if err := c.run(ctx, "sudo mkdir -p "+ssh.Quote(mountPoint)); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}
	line := fmt.Sprintf("%s\t%s\text4\tdefaults\t0\t2", device, mountPoint)
	if err := c.run(ctx, AppendLineCommand(line, "/etc/fstab")); err != nil {
		return fmt.Errorf("failed to add fstab entry for %s: %w", device, err)
	}
	return c.remount(ctx)
}

func (c *Configurator) remount(ctx context.Context) error {
	if err := c.run(ctx, "sudo mount -a"); err != nil {
		return fmt.Errorf("failed to mount filesystems: %w", err)
	}
	return nil
}

// FstabLine returns the fstab entry mounting a shared folder.
func FstabLine(m Mount) string {
	return fmt.Sprintf("%s\t%s\tvboxsf\tdefaults\t0\t0", naming.ShareName(m.Index), m.GuestPath)
}

// AppendLineCommand appends line to a root-owned file unless it is present.
func AppendLineCommand(line, file string) string {
	l := ssh.Quote(line)
	f := ssh.Quote(file)
	return "sudo grep -qF " + l + " " + f + " || echo " + l + " | sudo tee -a " + f + " > /dev/null"
}
