package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/loader"
	"github.com/jbweber/anvil/internal/vm"
)

// machineFlags are the request flags shared by provision and micro.
type machineFlags struct {
	file      string
	name      string
	ip        string
	sshPort   int
	cpus      int
	memory    int
	forwards  []string
	syncs     []string
	sshKey    string
	image     string
	iso       string
	medium    string
	dataDisk  int
	diskMount string
	save      string
}

func (f *machineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "machine manifest (YAML)")
	cmd.Flags().StringVar(&f.name, "name", "", "VM name")
	cmd.Flags().StringVar(&f.ip, "ip", "", "static IPv4 address of the host-only interface")
	cmd.Flags().IntVar(&f.sshPort, "ssh-port", 0, "host port forwarded to guest port 22 (default: first free port)")
	cmd.Flags().IntVar(&f.cpus, "cpus", 0, "number of virtual CPUs")
	cmd.Flags().IntVar(&f.memory, "memory", 0, "memory in MB")
	cmd.Flags().StringArrayVar(&f.forwards, "forward", nil, "forward a host port, host:guest[/tcp|udp] (repeatable)")
	cmd.Flags().StringArrayVar(&f.syncs, "sync", nil, "share a host folder, host;guest (repeatable)")
	cmd.Flags().StringVar(&f.sshKey, "ssh-key", "", "public key to authorize in the guest")
	cmd.Flags().StringVar(&f.save, "save", "", "write the provisioned machine as a manifest to this path")
	cmd.MarkFlagsMutuallyExclusive("file", "name")
}

// machine builds the request from the manifest or the flags.
func (f *machineFlags) machine() (*v1alpha1.Machine, error) {
	if f.file != "" {
		return loader.LoadFromFile(f.file)
	}

	m := v1alpha1.NewMachine(f.name)
	m.Spec = v1alpha1.MachineSpec{
		Image:         f.image,
		ISO:           f.iso,
		InstallMedium: f.medium,
		IP:            f.ip,
		SSHPort:       f.sshPort,
		CPUs:          f.cpus,
		MemoryMB:      f.memory,
		SSHPublicKey:  f.sshKey,
		DataDiskMB:    f.dataDisk,
		DataDiskMount: f.diskMount,
	}

	for _, arg := range f.forwards {
		fp, err := v1alpha1.ParseForwardPort(arg)
		if err != nil {
			return nil, err
		}
		m.Spec.ForwardPorts = append(m.Spec.ForwardPorts, fp)
	}

	folders, err := vm.ParseSyncFolders(f.syncs)
	if err != nil {
		return nil, err
	}
	m.Spec.SyncFolders = folders
	return m, nil
}

var (
	provisionFlags machineFlags
	microFlags     machineFlags
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a VM from an appliance",
	Long: `Import an OVF/OVA appliance as a new VM and configure it.

The request comes from flags or from a manifest (-f). A manifest with an
installMedium and no image is provisioned as a micro machine.

This will:
- Import the appliance and size it
- Configure NAT and, with --ip, a host-only interface
- Forward the SSH port and any --forward ports
- Add shared folders
- Boot headless and wait for SSH
- Write the guest network config, authorize --ssh-key, mount shared folders

Examples:
  anvil provision --name web --image ubuntu --ip 172.16.1.10 --forward 8080:80
  anvil provision -f web.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := provisionFlags.machine()
		if err != nil {
			return err
		}
		if provisionFlags.file != "" && m.IsMicro() {
			return runProvision(cmd, m, true, provisionFlags.save)
		}
		return runProvision(cmd, m, false, provisionFlags.save)
	},
}

var microCmd = &cobra.Command{
	Use:   "micro",
	Short: "Provision a micro VM from an install medium",
	Long: `Create an empty VM that boots an install medium.

The guest is reached as root with the micro key. With --ssh-key a cloud-init
seed ISO authorizes the key at first boot. With --data-disk an empty disk is
attached, formatted and mounted.

Example:
  anvil micro --name tiny --install-medium tinycore.iso --data-disk 2048`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := microFlags.machine()
		if err != nil {
			return err
		}
		return runProvision(cmd, m, true, microFlags.save)
	},
}

func init() {
	provisionFlags.register(provisionCmd)
	provisionCmd.Flags().StringVar(&provisionFlags.image, "image", "", "appliance path or cached box name")
	provisionCmd.Flags().StringVar(&provisionFlags.iso, "iso", "", "extra ISO to attach")

	microFlags.register(microCmd)
	microCmd.Flags().StringVar(&microFlags.medium, "install-medium", "", "bootable ISO")
	microCmd.Flags().IntVar(&microFlags.dataDisk, "data-disk", 0, "data disk size in MB")
	microCmd.Flags().StringVar(&microFlags.diskMount, "data-disk-mount", "", "guest mount point of the data disk (default /data)")
}

func runProvision(cmd *cobra.Command, m *v1alpha1.Machine, micro bool, savePath string) error {
	f, err := formatter()
	if err != nil {
		return err
	}
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Printf("Provisioning VM: %s\n", m.Name)
	if micro {
		err = s.p.ProvisionMicro(cmd.Context(), m)
	} else {
		err = s.p.Provision(cmd.Context(), m)
	}
	if err != nil {
		return fmt.Errorf("failed to provision VM %s: %w", m.Name, err)
	}

	if err := f.Describe(cmd.OutOrStdout(), m); err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}

	if savePath != "" {
		if err := loader.SaveToFile(m, savePath); err != nil {
			return err
		}
		fmt.Printf("✓ Manifest written to %s\n", savePath)
	}
	fmt.Printf("✓ VM %s is ready (ssh -p %d %s@127.0.0.1)\n", m.Name, m.Status.SSHPort, sshUser(s, micro))
	return nil
}

func sshUser(s *session, micro bool) string {
	if micro {
		return s.cfg.Micro.User
	}
	return s.cfg.SSH.User
}
