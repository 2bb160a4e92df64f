package vm

import (
	"context"

	"github.com/jbweber/anvil/internal/inventory"
)

// inventoryReader defines the read-only VBoxManage queries the workflows use.
//
// In production, this is satisfied by *inventory.Reader.
// In tests, this is satisfied by *inventory.Reader over a vboxtest.Runner.
type inventoryReader interface {
	// List returns every registered machine
	List(ctx context.Context) ([]inventory.VirtualMachine, error)

	// Info returns showvminfo details, or the not_found sentinel
	Info(ctx context.Context, name string) (inventory.MachineInfo, error)

	// HostOnlyAdapters returns every host-only adapter
	HostOnlyAdapters(ctx context.Context) ([]inventory.HostOnlyAdapter, error)

	// MachineFolder returns the default machine folder
	MachineFolder(ctx context.Context) (string, error)
}

// portAllocator picks host ports for forwarding rules.
//
// In production, this is satisfied by *ports.Allocator.
// In tests, this is satisfied by mock implementations.
type portAllocator interface {
	// FindAvailablePort returns the lowest free, unreserved port
	FindAvailablePort(ctx context.Context) (int, error)

	// IsBindable reports whether port can be bound on the host right now
	IsBindable(port int) bool
}

// adapterResolver maps a guest IP to a host-only adapter.
//
// In production, this is satisfied by *network.Resolver.
// In tests, this is satisfied by mock implementations.
type adapterResolver interface {
	// ResolveAdapter returns the adapter serving guestIP, creating it if needed
	ResolveAdapter(ctx context.Context, guestIP string) (string, error)
}

// workDirManager manages the per-VM working directory on the host.
//
// In production, this is satisfied by *disk.Manager.
// In tests, this is satisfied by *disk.Manager rooted at t.TempDir().
type workDirManager interface {
	// VMDirectory returns the VM directory path
	VMDirectory(vmName string) string

	// VMDirectoryExists reports whether the VM directory is present
	VMDirectoryExists(vmName string) (bool, error)

	// EnsureVMDirectory creates the VM directory and returns its path
	EnsureVMDirectory(vmName string) (string, error)

	// WriteSeedISO writes a cloud-init seed image and returns its path
	WriteSeedISO(vmName string, isoData []byte) (string, error)

	// DataDiskPath returns where the VM's data disk lives
	DataDiskPath(vmName string) string

	// DeleteVM removes the VM directory
	DeleteVM(vmName string) error
}
