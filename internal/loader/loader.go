// Package loader reads and writes Machine manifests.
package loader

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/api/v1alpha1"
)

// LoadFromFile loads a Machine from a YAML file.
// The file must be in the anvil.local/v1alpha1 format.
func LoadFromFile(path string) (*v1alpha1.Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	return LoadFromYAML(data)
}

// LoadFromYAML loads a Machine from YAML bytes.
//
// Only the document structure is checked here. Whether images, folders and
// keys exist on this host is decided when the machine is provisioned.
func LoadFromYAML(data []byte) (*v1alpha1.Machine, error) {
	var m v1alpha1.Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	if m.APIVersion == "" {
		return nil, fmt.Errorf("missing required field: apiVersion")
	}
	if m.Kind == "" {
		return nil, fmt.Errorf("missing required field: kind")
	}

	expectedAPIVersion := v1alpha1.GroupName + "/" + v1alpha1.Version
	if m.APIVersion != expectedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion: %s (expected: %s)", m.APIVersion, expectedAPIVersion)
	}
	if m.Kind != v1alpha1.MachineKind {
		return nil, fmt.Errorf("unsupported kind: %s (expected: %s)", m.Kind, v1alpha1.MachineKind)
	}

	applyDefaults(&m)

	if err := validateSpec(&m); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &m, nil
}

// SaveToFile writes m as a YAML manifest.
func SaveToFile(m *v1alpha1.Machine, path string) error {
	v1alpha1.SetDefaultAPIVersion(m)

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal machine to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file %s: %w", path, err)
	}

	return nil
}

// applyDefaults fills the fields a manifest may omit. Sizing defaults come
// from configuration and are applied by the provisioner.
func applyDefaults(m *v1alpha1.Machine) {
	m.Normalize()

	if m.Status.Phase == "" {
		m.Status.Phase = v1alpha1.PhasePending
	}
	if m.CreationTimestamp.IsZero() {
		m.CreationTimestamp = v1alpha1.Now()
	}
	if m.Spec.DataDiskMB > 0 && m.Spec.DataDiskMount == "" {
		m.Spec.DataDiskMount = "/data"
	}
}

// validateSpec validates the Machine spec for required fields and consistency.
func validateSpec(m *v1alpha1.Machine) error {
	if m.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}

	if m.Spec.Image == "" && m.Spec.InstallMedium == "" {
		return fmt.Errorf("spec must specify either 'image' or 'installMedium'")
	}
	if m.Spec.Image != "" && m.Spec.InstallMedium != "" {
		return fmt.Errorf("spec cannot specify both 'image' and 'installMedium'")
	}

	if m.Spec.CPUs < 0 {
		return fmt.Errorf("spec.cpus cannot be negative")
	}
	if m.Spec.MemoryMB < 0 {
		return fmt.Errorf("spec.memoryMB cannot be negative")
	}
	if m.Spec.SSHPort < 0 || m.Spec.SSHPort > 65535 {
		return fmt.Errorf("spec.sshPort %d out of range", m.Spec.SSHPort)
	}

	if m.Spec.IP != "" {
		if ip := net.ParseIP(m.Spec.IP); ip == nil || ip.To4() == nil {
			return fmt.Errorf("spec.ip %q is not an IPv4 address", m.Spec.IP)
		}
	}

	if m.Spec.DataDiskMB < 0 {
		return fmt.Errorf("spec.dataDiskMB cannot be negative")
	}
	if m.Spec.DataDiskMB > 0 && !m.IsMicro() {
		return fmt.Errorf("spec.dataDiskMB is only supported with 'installMedium'")
	}

	hostPortsSeen := make(map[string]bool)
	for i, p := range m.Spec.ForwardPorts {
		if p.HostPort < 1 || p.HostPort > 65535 {
			return fmt.Errorf("spec.forwardPorts[%d].hostPort %d out of range", i, p.HostPort)
		}
		if p.GuestPort < 1 || p.GuestPort > 65535 {
			return fmt.Errorf("spec.forwardPorts[%d].guestPort %d out of range", i, p.GuestPort)
		}
		if p.Protocol != "tcp" && p.Protocol != "udp" {
			return fmt.Errorf("spec.forwardPorts[%d].protocol must be tcp or udp", i)
		}
		key := fmt.Sprintf("%s/%d", p.Protocol, p.HostPort)
		if hostPortsSeen[key] {
			return fmt.Errorf("spec.forwardPorts[%d].hostPort %d is duplicated", i, p.HostPort)
		}
		hostPortsSeen[key] = true
	}

	for i, f := range m.Spec.SyncFolders {
		if f.HostPath == "" {
			return fmt.Errorf("spec.syncFolders[%d].hostPath is required", i)
		}
		if f.GuestPath == "" {
			return fmt.Errorf("spec.syncFolders[%d].guestPath is required", i)
		}
	}

	return nil
}
