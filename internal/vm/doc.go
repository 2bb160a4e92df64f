// Package vm provides high-level VirtualBox machine lifecycle operations.
//
// This package orchestrates the low-level components (VBoxManage executor,
// inventory, port allocator, adapter resolver, SSH guest configuration) into
// two provisioning workflows and a handful of administrative operations.
//
// The provisioning workflows are:
//   - Provision: import an appliance, configure NICs, forwarding rules and
//     shared folders, boot it and configure the guest over SSH
//   - ProvisionMicro: create an empty machine that boots an install medium,
//     optionally seeded with cloud-init and an extra data disk
//
// Both walk the phases Validating, Importing, Customizing, Starting,
// AwaitingGuest and PostSetup, recorded on the Machine status.
//
// Error Handling:
//
// Validation runs before any VBoxManage command that changes state. After
// that, the first failing step stops the run: the Machine moves to Failed
// and the error is returned as is. Nothing is rolled back; use Delete to
// remove a half-provisioned machine.
//
// Context Support:
//
// All operations accept a context.Context. Cancelling it stops the running
// VBoxManage process or SSH session and any pending retry wait.
package vm
