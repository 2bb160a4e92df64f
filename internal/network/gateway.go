// Package network maps guest IPs onto VirtualBox host-only adapters.
package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// DefaultNetmask is the mask guests and adapters are configured with.
const DefaultNetmask = "255.255.255.0"

// ErrInvalidIP is returned for addresses that are not dotted IPv4.
var ErrInvalidIP = errors.New("invalid IPv4 address")

var subnet26 = net.CIDRMask(26, 32)

// Gateway returns the host-side gateway for ip: the IP is masked to its /24
// network and the first usable address of that network's /26 is returned.
//
//	Gateway("172.16.1.10", "255.255.255.0") == "172.16.1.1"
func Gateway(ip, mask string) (string, error) {
	addr := net.ParseIP(ip).To4()
	if addr == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	m := net.ParseIP(mask).To4()
	if m == nil {
		return "", fmt.Errorf("%w: mask %q", ErrInvalidIP, mask)
	}

	network := addr.Mask(net.IPv4Mask(m[0], m[1], m[2], m[3]))
	if network == nil {
		return "", fmt.Errorf("%w: mask %q", ErrInvalidIP, mask)
	}
	sub := network.Mask(subnet26).To4()

	gw := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(gw, binary.BigEndian.Uint32(sub)+1)
	return gw.String(), nil
}
