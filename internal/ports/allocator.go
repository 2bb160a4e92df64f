// Package ports picks free host ports for NAT forwarding rules.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
)

// Default scan range for SSH forwarding ports.
const (
	DefaultMin = 2002
	DefaultMax = 2999
)

// ErrNoPortAvailable is returned when every port in the range is reserved or bound.
var ErrNoPortAvailable = errors.New("no port available")

// reservations lists the host ports already claimed by forwarding rules.
//
// In production, this is satisfied by *inventory.Reader.
// In tests, this is satisfied by a map-backed fake.
type reservations interface {
	// ForwardedHostPorts maps each reserved host port to the VM holding it
	ForwardedHostPorts(ctx context.Context) (map[int]string, error)
}

// Prober reports whether a host port can be bound right now.
type Prober interface {
	Bindable(port int) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(port int) bool

// Bindable implements Prober.
func (f ProberFunc) Bindable(port int) bool {
	return f(port)
}

// ListenProber probes by binding on 127.0.0.1 and releasing immediately.
type ListenProber struct{}

// Bindable implements Prober.
func (ListenProber) Bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Allocator scans a bounded port range.
type Allocator struct {
	Min int
	Max int

	reserved reservations
	prober   Prober
	log      *zap.SugaredLogger
}

// NewAllocator creates an allocator over [minPort, maxPort]. A nil prober binds for real.
func NewAllocator(reserved reservations, prober Prober, minPort, maxPort int, log *zap.SugaredLogger) *Allocator {
	if prober == nil {
		prober = ListenProber{}
	}
	if minPort <= 0 {
		minPort = DefaultMin
	}
	if maxPort <= 0 {
		maxPort = DefaultMax
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Allocator{Min: minPort, Max: maxPort, reserved: reserved, prober: prober, log: log}
}

// FindAvailablePort returns the lowest port in range that no VM's forwarding
// rule references and that is bindable at the moment of the check.
//
// A powered-off VM keeps its stored NAT rules, so the block-list is consulted
// before the live probe.
func (a *Allocator) FindAvailablePort(ctx context.Context) (int, error) {
	if a.Min > a.Max {
		return 0, fmt.Errorf("invalid port range %d-%d", a.Min, a.Max)
	}

	blocked, err := a.reserved.ForwardedHostPorts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to build port block-list: %w", err)
	}

	for port := a.Min; port <= a.Max; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if owner, ok := blocked[port]; ok {
			a.log.Debugw("port reserved by forwarding rule", "port", port, "vm", owner)
			continue
		}
		if !a.prober.Bindable(port) {
			a.log.Debugw("port in use on host", "port", port)
			continue
		}
		a.log.Debugw("allocated port", "port", port)
		return port, nil
	}

	return 0, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, a.Min, a.Max)
}

// IsBindable reports whether port can be bound on the host right now.
func (a *Allocator) IsBindable(port int) bool {
	return a.prober.Bindable(port)
}
