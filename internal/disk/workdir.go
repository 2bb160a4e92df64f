// Package disk manages the per-VM working directory on the host.
//
// VirtualBox owns the machine folder and the imported disks. anvil keeps
// the files it generates itself (cloud-init seed ISOs, data disks, rendered
// guest config) under {stateDir}/vms/{name}.
package disk

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jbweber/anvil/internal/naming"
)

const (
	// DirPermissions are the permissions for VM directories
	DirPermissions = 0o755

	// FilePermissions are the permissions for generated files
	FilePermissions = 0o644
)

// Manager handles working-directory operations for VMs.
type Manager struct {
	base string
}

// NewManager creates a manager rooted at base (normally ~/.anvil/vms).
func NewManager(base string) *Manager {
	return &Manager{base: base}
}

// VMDirectory returns the working directory of vmName.
func (m *Manager) VMDirectory(vmName string) string {
	return filepath.Join(m.base, vmName)
}

// EnsureVMDirectory creates the working directory of vmName if needed and
// returns its path.
func (m *Manager) EnsureVMDirectory(vmName string) (string, error) {
	dir := m.VMDirectory(vmName)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create VM directory %s: %w", dir, err)
	}
	return dir, nil
}

// VMDirectoryExists checks if the VM directory already exists.
func (m *Manager) VMDirectoryExists(vmName string) (bool, error) {
	dir := m.VMDirectory(vmName)

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check VM directory %s: %w", dir, err)
	}
	return info.IsDir(), nil
}

// WriteSeedISO writes a cloud-init seed image for vmName and returns its path.
func (m *Manager) WriteSeedISO(vmName string, isoData []byte) (string, error) {
	if len(isoData) == 0 {
		return "", fmt.Errorf("ISO data cannot be empty")
	}
	dir, err := m.EnsureVMDirectory(vmName)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, naming.SeedISOName(vmName))
	if err := os.WriteFile(path, isoData, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write seed ISO %s: %w", path, err)
	}
	return path, nil
}

// DataDiskPath returns where the data disk of vmName is created.
func (m *Manager) DataDiskPath(vmName string) string {
	return filepath.Join(m.VMDirectory(vmName), naming.DataDiskName(vmName))
}

// DeleteVM removes the working directory and all its contents. A missing
// directory is not an error.
func (m *Manager) DeleteVM(vmName string) error {
	dir := m.VMDirectory(vmName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete VM directory %s: %w", dir, err)
	}
	return nil
}
