package v1alpha1

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// GroupName is the API group for anvil resources.
	GroupName = "anvil.local"

	// Version is the API version.
	Version = "v1alpha1"

	// MachineKind is the kind of Machine resources.
	MachineKind = "Machine"
)

// Machine is a request to provision one VirtualBox VM, together with the
// progress observed while provisioning it.
type Machine struct {
	TypeMeta   `json:",inline" yaml:",inline"`
	ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Spec MachineSpec `json:"spec" yaml:"spec"`

	// +optional
	Status MachineStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// MachineSpec is the desired configuration of a Machine.
type MachineSpec struct {
	// Image is the OVF/OVA appliance to import. Required unless InstallMedium
	// is set (micro machines).
	// +optional
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// InstallMedium is the bootable ISO of a micro machine. Micro machines are
	// created empty instead of imported.
	// +optional
	InstallMedium string `json:"installMedium,omitempty" yaml:"installMedium,omitempty"`

	// ISO is an additional optical medium attached to an imported machine.
	// +optional
	ISO string `json:"iso,omitempty" yaml:"iso,omitempty"`

	// IP is the static IPv4 address of the host-only interface. When empty the
	// machine only gets NAT networking.
	// +optional
	IP string `json:"ip,omitempty" yaml:"ip,omitempty"`

	// SSHPort is the host port forwarded to guest port 22. Zero picks a free
	// port.
	// +optional
	SSHPort int `json:"sshPort,omitempty" yaml:"sshPort,omitempty"`

	// CPUs is the number of virtual CPUs.
	// +optional
	CPUs int `json:"cpus,omitempty" yaml:"cpus,omitempty"`

	// MemoryMB is the amount of guest memory in megabytes.
	// +optional
	MemoryMB int `json:"memoryMB,omitempty" yaml:"memoryMB,omitempty"`

	// ForwardPorts are extra NAT port-forwarding rules.
	// +optional
	ForwardPorts []ForwardPort `json:"forwardPorts,omitempty" yaml:"forwardPorts,omitempty"`

	// SyncFolders are host directories shared into the guest. Order matters:
	// the index names the share.
	// +optional
	SyncFolders []SyncFolder `json:"syncFolders,omitempty" yaml:"syncFolders,omitempty"`

	// SSHPublicKey is the path of a public key to authorize in the guest.
	// +optional
	SSHPublicKey string `json:"sshPublicKey,omitempty" yaml:"sshPublicKey,omitempty"`

	// DataDiskMB attaches an empty data disk of this size to a micro machine.
	// +optional
	DataDiskMB int `json:"dataDiskMB,omitempty" yaml:"dataDiskMB,omitempty"`

	// DataDiskMount is where the data disk is mounted in the guest.
	// Defaults to /data.
	// +optional
	DataDiskMount string `json:"dataDiskMount,omitempty" yaml:"dataDiskMount,omitempty"`
}

// ForwardPort is a NAT port-forwarding request.
type ForwardPort struct {
	HostPort  int    `json:"hostPort" yaml:"hostPort"`
	GuestPort int    `json:"guestPort" yaml:"guestPort"`
	Protocol  string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
}

// SyncFolder shares HostPath into the guest at GuestPath.
type SyncFolder struct {
	HostPath  string `json:"hostPath" yaml:"hostPath"`
	GuestPath string `json:"guestPath" yaml:"guestPath"`
}

// MachineStatus is the observed state of a Machine.
type MachineStatus struct {
	// +optional
	Phase Phase `json:"phase,omitempty" yaml:"phase,omitempty"`

	// +optional
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// ID is the VirtualBox machine UUID.
	// +optional
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// State is the VirtualBox power state (running, poweroff, saved, ...)
	// observed when the status was read.
	// +optional
	State string `json:"state,omitempty" yaml:"state,omitempty"`

	// SSHPort is the host port actually forwarded to guest port 22.
	// +optional
	SSHPort int `json:"sshPort,omitempty" yaml:"sshPort,omitempty"`

	// HostOnlyAdapter is the host-only interface attached as NIC 2.
	// +optional
	HostOnlyAdapter string `json:"hostOnlyAdapter,omitempty" yaml:"hostOnlyAdapter,omitempty"`

	// MACAddress is the MAC of NIC 2, derived from IP.
	// +optional
	MACAddress string `json:"macAddress,omitempty" yaml:"macAddress,omitempty"`

	// Addresses lists how the guest can be reached.
	// +optional
	Addresses []Address `json:"addresses,omitempty" yaml:"addresses,omitempty"`

	// RunID identifies the provisioning run that produced this status.
	// +optional
	RunID string `json:"runID,omitempty" yaml:"runID,omitempty"`

	// FailureMessage holds the error that moved the machine to Failed.
	// +optional
	FailureMessage string `json:"failureMessage,omitempty" yaml:"failureMessage,omitempty"`
}

// Address is a network address of the guest.
type Address struct {
	// Type is HostOnlyIP or SSH.
	Type    string `json:"type" yaml:"type"`
	Address string `json:"address" yaml:"address"`
}

// Phase is a step of the provisioning workflow.
type Phase string

const (
	PhasePending       Phase = "Pending"
	PhaseValidating    Phase = "Validating"
	PhaseImporting     Phase = "Importing"
	PhaseCustomizing   Phase = "Customizing"
	PhaseStarting      Phase = "Starting"
	PhaseAwaitingGuest Phase = "AwaitingGuest"
	PhasePostSetup     Phase = "PostSetup"
	PhaseDone          Phase = "Done"
	PhaseFailed        Phase = "Failed"
)

// Condition types used on Machine resources.
const (
	// ConditionReady is True once provisioning completes.
	ConditionReady = "Ready"

	// ConditionNetworkConfigured is True once NICs and forwarding rules are set.
	ConditionNetworkConfigured = "NetworkConfigured"

	// ConditionGuestReachable is True once the guest answers over SSH.
	ConditionGuestReachable = "GuestReachable"
)

// Address types.
const (
	AddressHostOnlyIP = "HostOnlyIP"
	AddressSSH        = "SSH"
)

// NewMachine creates a Machine with TypeMeta and ObjectMeta filled in.
func NewMachine(name string) *Machine {
	return &Machine{
		TypeMeta: TypeMeta{
			APIVersion: GroupName + "/" + Version,
			Kind:       MachineKind,
		},
		ObjectMeta: ObjectMeta{
			Name:              name,
			UID:               uuid.New().String(),
			CreationTimestamp: Now(),
		},
		Status: MachineStatus{
			Phase: PhasePending,
		},
	}
}

// SetDefaultAPIVersion fills in apiVersion and kind when a manifest omits them.
func SetDefaultAPIVersion(m *Machine) {
	if m.APIVersion == "" {
		m.APIVersion = GroupName + "/" + Version
	}
	if m.Kind == "" {
		m.Kind = MachineKind
	}
}

// IsMicro reports whether the machine is created empty from an install medium.
func (m *Machine) IsMicro() bool {
	return m.Spec.InstallMedium != "" && m.Spec.Image == ""
}

// SetPhase sets the phase in status.
func (m *Machine) SetPhase(phase Phase) {
	m.Status.Phase = phase
}

// GetPhase returns the current phase.
func (m *Machine) GetPhase() Phase {
	return m.Status.Phase
}

// AddAddress records an address, replacing any earlier one of the same type.
func (m *Machine) AddAddress(addrType, address string) {
	for i := range m.Status.Addresses {
		if m.Status.Addresses[i].Type == addrType {
			m.Status.Addresses[i].Address = address
			return
		}
	}
	m.Status.Addresses = append(m.Status.Addresses, Address{Type: addrType, Address: address})
}

// Normalize trims user input. Names are case sensitive in VirtualBox and are
// left as given.
func (m *Machine) Normalize() {
	m.Name = strings.TrimSpace(m.Name)
	m.Spec.IP = strings.TrimSpace(m.Spec.IP)
	for i := range m.Spec.ForwardPorts {
		p := strings.ToLower(strings.TrimSpace(m.Spec.ForwardPorts[i].Protocol))
		if p == "" {
			p = "tcp"
		}
		m.Spec.ForwardPorts[i].Protocol = p
	}
}

// ParseSyncFolder parses a "host;guest" sync folder argument.
func ParseSyncFolder(s string) (SyncFolder, error) {
	host, guest, ok := strings.Cut(s, ";")
	host = strings.TrimSpace(host)
	guest = strings.TrimSpace(guest)
	if !ok || host == "" || guest == "" || strings.Contains(guest, ";") {
		return SyncFolder{}, fmt.Errorf("invalid sync folder %q: expected host;guest", s)
	}
	return SyncFolder{HostPath: host, GuestPath: guest}, nil
}

// String renders the folder in host;guest form.
func (s SyncFolder) String() string {
	return s.HostPath + ";" + s.GuestPath
}

// ParseForwardPort parses "host:guest" with an optional "/tcp" or "/udp"
// suffix.
func ParseForwardPort(s string) (ForwardPort, error) {
	spec, proto, hasProto := strings.Cut(strings.TrimSpace(s), "/")
	if !hasProto {
		proto = "tcp"
	}
	proto = strings.ToLower(proto)
	if proto != "tcp" && proto != "udp" {
		return ForwardPort{}, fmt.Errorf("invalid forward port %q: protocol must be tcp or udp", s)
	}

	hostStr, guestStr, ok := strings.Cut(spec, ":")
	if !ok {
		return ForwardPort{}, fmt.Errorf("invalid forward port %q: expected host:guest", s)
	}
	host, err := parsePort(hostStr)
	if err != nil {
		return ForwardPort{}, fmt.Errorf("invalid forward port %q: host %w", s, err)
	}
	guest, err := parsePort(guestStr)
	if err != nil {
		return ForwardPort{}, fmt.Errorf("invalid forward port %q: guest %w", s, err)
	}
	return ForwardPort{HostPort: host, GuestPort: guest, Protocol: proto}, nil
}

// String renders the port in host:guest/proto form.
func (p ForwardPort) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d:%d/%s", p.HostPort, p.GuestPort, proto)
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %q out of range 1-65535", s)
	}
	return n, nil
}
