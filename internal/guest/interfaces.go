package guest

import (
	"bytes"
	"fmt"
	"net"
	"text/template"
)

// Interfaces file defaults.
const (
	DefaultInterfacesPath   = "/etc/network/interfaces"
	DefaultPrimaryInterface = "enp0s3"
	DefaultHostOnlyIface    = "enp0s8"
	DefaultNetmask          = "255.255.255.0"
)

// InterfacesConfig parameterizes the guest interfaces file.
type InterfacesConfig struct {
	IP       string
	Netmask  string
	Primary  string
	HostOnly string
	Path     string
}

func (c InterfacesConfig) withDefaults() InterfacesConfig {
	if c.Netmask == "" {
		c.Netmask = DefaultNetmask
	}
	if c.Primary == "" {
		c.Primary = DefaultPrimaryInterface
	}
	if c.HostOnly == "" {
		c.HostOnly = DefaultHostOnlyIface
	}
	if c.Path == "" {
		c.Path = DefaultInterfacesPath
	}
	return c
}

var interfacesTemplate = template.Must(template.New("interfaces").Parse(`# Generated by anvil.
source /etc/network/interfaces.d/*

auto lo
iface lo inet loopback

# NAT
auto {{.Primary}}
iface {{.Primary}} inet dhcp

# host-only
auto {{.HostOnly}}
iface {{.HostOnly}} inet static
    address {{.IP}}
    netmask {{.Netmask}}
`))

// RenderInterfaces renders the interfaces file for cfg.
func RenderInterfaces(cfg InterfacesConfig) (string, error) {
	cfg = cfg.withDefaults()
	if ip := net.ParseIP(cfg.IP); ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("invalid guest IP %q", cfg.IP)
	}

	var buf bytes.Buffer
	if err := interfacesTemplate.Execute(&buf, cfg); err != nil {
		return "", fmt.Errorf("failed to render interfaces template: %w", err)
	}
	return buf.String(), nil
}
