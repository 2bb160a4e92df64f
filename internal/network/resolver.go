package network

import (
	"context"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/jbweber/anvil/internal/inventory"
	"github.com/jbweber/anvil/internal/vbox"
)

var createdPattern = regexp.MustCompile(`Interface '([^']+)' was successfully created`)

// adapterLister lists existing host-only adapters.
//
// In production, this is satisfied by *inventory.Reader.
// In tests, this is satisfied by *inventory.Reader over a fake runner.
type adapterLister interface {
	// HostOnlyAdapters returns every host-only adapter on the host
	HostOnlyAdapters(ctx context.Context) ([]inventory.HostOnlyAdapter, error)
}

// Resolver finds or creates the host-only adapter for a guest IP.
type Resolver struct {
	runner  vbox.Runner
	lister  adapterLister
	netmask string
	log     *zap.SugaredLogger
}

// NewResolver creates a Resolver. An empty netmask selects DefaultNetmask.
func NewResolver(runner vbox.Runner, lister adapterLister, netmask string, log *zap.SugaredLogger) *Resolver {
	if netmask == "" {
		netmask = DefaultNetmask
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{runner: runner, lister: lister, netmask: netmask, log: log}
}

// ResolveAdapter returns the name of the host-only adapter whose address is
// the gateway for guestIP, creating and configuring one if none exists.
//
// At most one adapter is created per gateway: repeated calls for IPs in the
// same subnet return the same adapter.
func (r *Resolver) ResolveAdapter(ctx context.Context, guestIP string) (string, error) {
	gateway, err := Gateway(guestIP, r.netmask)
	if err != nil {
		return "", err
	}

	adapters, err := r.lister.HostOnlyAdapters(ctx)
	if err != nil {
		return "", err
	}
	for _, a := range adapters {
		if a.IPAddress == gateway {
			r.log.Infow("reusing host-only adapter", "adapter", a.Name, "gateway", gateway)
			return a.Name, nil
		}
	}

	r.log.Infow("creating host-only adapter", "gateway", gateway)
	out, err := r.runner.Run(ctx, "hostonlyif", "create")
	if err != nil {
		return "", fmt.Errorf("failed to create host-only adapter: %w", err)
	}
	match := createdPattern.FindStringSubmatch(out)
	if match == nil {
		return "", &inventory.ParseError{Source: "hostonlyif create", Line: out, Reason: "no interface name"}
	}
	name := match[1]

	if _, err := r.runner.Run(ctx, "hostonlyif", "ipconfig", name, "--ip", gateway, "--netmask", r.netmask); err != nil {
		return "", fmt.Errorf("failed to configure host-only adapter %s: %w", name, err)
	}

	r.log.Infow("created host-only adapter", "adapter", name, "gateway", gateway)
	return name, nil
}
