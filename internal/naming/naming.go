// Package naming holds the naming conventions anvil applies to VirtualBox
// resources: shared folder names, NAT rule labels, MAC addresses and the
// files kept in a VM's working directory.
package naming

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"strings"
)

// SSHRuleLabel labels the NAT rule forwarding the guest's SSH port.
const SSHRuleLabel = "guestssh"

var vmNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// ValidateVMName checks that name is usable as a VirtualBox machine name and
// as a directory name.
func ValidateVMName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !vmNamePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: must start with a letter or digit and contain only letters, digits, '.', '_' or '-' (max 63 chars)", name)
	}
	return nil
}

// ShareName returns the shared folder name for the sync folder at index.
// The same index names the folder on the host and in the guest fstab.
//
// Example: 0 → vbox-share-0
func ShareName(index int) string {
	return fmt.Sprintf("vbox-share-%d", index)
}

// ForwardRuleLabel returns the NAT rule label for a forwarded port.
//
// Example: tcp, 8080 → tcp-8080
func ForwardRuleLabel(protocol string, hostPort int) string {
	if protocol == "" {
		protocol = "tcp"
	}
	return fmt.Sprintf("%s-%d", strings.ToLower(protocol), hostPort)
}

// MACFromIP calculates a deterministic MAC address from an IP address in the
// form VBoxManage --macaddress<n> expects. Uses the locally administered
// prefix be:ef.
//
// Example: IP 10.55.22.22 → BEEF0A371616
func MACFromIP(ip string) (string, error) {
	// Parse IP (handles both "10.1.2.3" and "10.1.2.3/24")
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return "", fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return "", fmt.Errorf("invalid IP address: %s", ipStr)
	}

	ipv4 := parsedIP.To4()
	if ipv4 == nil {
		return "", fmt.Errorf("not an IPv4 address: %s", ipStr)
	}

	return fmt.Sprintf("BEEF%02X%02X%02X%02X", ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// SettingsFile returns the path VirtualBox uses for a machine's settings.
// Format: {machineFolder}/{vmName}/{vmName}.vbox
func SettingsFile(machineFolder, vmName string) string {
	return filepath.Join(machineFolder, vmName, vmName+".vbox")
}

// SeedISOName returns the file name of a VM's cloud-init seed ISO.
// Format: {vmName}-seed.iso
func SeedISOName(vmName string) string {
	return fmt.Sprintf("%s-seed.iso", vmName)
}

// DataDiskName returns the file name of a VM's data disk.
// Format: {vmName}-data.vdi
func DataDiskName(vmName string) string {
	return fmt.Sprintf("%s-data.vdi", vmName)
}
