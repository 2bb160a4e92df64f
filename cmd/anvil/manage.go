package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/api/v1alpha1"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Long: `List all registered VirtualBox VMs.

Shows VM name, power state, provisioning phase, SSH port, IP and resources.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := formatter()
		if err != nil {
			return err
		}
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		machines, err := s.p.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list VMs: %w", err)
		}

		if err := f.List(cmd.OutOrStdout(), machines); err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		return nil
	},
}

var infoRaw bool

var infoCmd = &cobra.Command{
	Use:   "info <vm-name>",
	Short: "Get details about a VM",
	Long: `Get detailed information about a specific virtual machine.

Displays the Machine recorded at provisioning time merged with the current
VirtualBox state. With --raw, prints the showvminfo key/value pairs instead.

Output formats:
  -o table  Human-readable details (default)
  -o yaml   Full YAML resource definition
  -o json   Full JSON resource definition`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vmName := args[0]

		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if infoRaw {
			info, err := s.p.Info(cmd.Context(), vmName)
			if err != nil {
				return fmt.Errorf("failed to get VM info: %w", err)
			}
			for _, key := range slices.Sorted(maps.Keys(info)) {
				fmt.Printf("%s=%s\n", key, info[key])
			}
			return nil
		}

		f, err := formatter()
		if err != nil {
			return err
		}
		m, err := s.p.Describe(cmd.Context(), vmName)
		if err != nil {
			return fmt.Errorf("failed to get VM: %w", err)
		}
		if err := f.Describe(cmd.OutOrStdout(), m); err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		return nil
	},
}

var stopForce bool

var stopCmd = &cobra.Command{
	Use:   "stop <vm-name>",
	Short: "Stop a VM",
	Long: `Stop a running VM by saving its state.

With --force the VM is powered off instead. Stopping a VM that is not
running does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.p.Stop(cmd.Context(), args[0], stopForce); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s stopped\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <vm-name>",
	Short: "Delete a VM",
	Long: `Delete a virtual machine by name.

This will:
- Power off the VM if running
- Unregister the VM and delete its disks
- Remove the anvil working directory (seed ISO, data disk)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		fmt.Printf("Deleting VM: %s\n", args[0])
		if err := s.p.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ VM %s deleted\n", args[0])
		return nil
	},
}

var exposeFlags v1alpha1.ForwardPort

var exposeCmd = &cobra.Command{
	Use:   "expose <vm-name>",
	Short: "Forward a host port to a VM",
	Long: `Add a NAT port-forwarding rule to a VM.

A running VM is changed live; a stopped VM keeps the rule for its next boot.
The host port must be free.

Example:
  anvil expose web --host-port 8080 --guest-port 80`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.p.Expose(cmd.Context(), args[0], exposeFlags); err != nil {
			return err
		}
		fmt.Printf("✓ Forwarding %s host port %d to %s:%d\n", exposeFlags.Protocol, exposeFlags.HostPort, args[0], exposeFlags.GuestPort)
		return nil
	},
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List host-only adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := formatter()
		if err != nil {
			return err
		}
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		adapters, err := s.p.Adapters(cmd.Context())
		if err != nil {
			return err
		}
		if err := f.Adapters(cmd.OutOrStdout(), adapters); err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		return nil
	},
}

func init() {
	infoCmd.Flags().BoolVar(&infoRaw, "raw", false, "print raw showvminfo output")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "power off instead of saving state")

	exposeCmd.Flags().IntVar(&exposeFlags.HostPort, "host-port", 0, "host port")
	exposeCmd.Flags().IntVar(&exposeFlags.GuestPort, "guest-port", 0, "guest port")
	exposeCmd.Flags().StringVar(&exposeFlags.Protocol, "protocol", "tcp", "tcp or udp")
	_ = exposeCmd.MarkFlagRequired("host-port")
	_ = exposeCmd.MarkFlagRequired("guest-port")
}
