package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/disk"
	"github.com/jbweber/anvil/internal/guest"
	"github.com/jbweber/anvil/internal/inventory"
	"github.com/jbweber/anvil/internal/metadata"
	"github.com/jbweber/anvil/internal/network"
	"github.com/jbweber/anvil/internal/ports"
	"github.com/jbweber/anvil/internal/ssh"
	"github.com/jbweber/anvil/internal/status"
	"github.com/jbweber/anvil/internal/vbox"
)

// Provisioner runs provisioning workflows and administrative operations
// against the local VirtualBox installation.
type Provisioner struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	runner    vbox.Runner
	inventory inventoryReader
	ports     portAllocator
	network   adapterResolver
	shell     guest.Shell
	workDirs  workDirManager
	sleep     func(ctx context.Context, d time.Duration) error
}

// deps are the collaborators of a Provisioner.
type deps struct {
	runner    vbox.Runner
	inventory inventoryReader
	ports     portAllocator
	network   adapterResolver
	shell     guest.Shell
	workDirs  workDirManager
}

// New creates a Provisioner that drives VBoxManage and guests over SSH.
func New(cfg *config.Config, log *zap.SugaredLogger) *Provisioner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	runner := vbox.NewExecutor(cfg.VBoxManage, log)
	reader := inventory.NewReader(runner)

	return newWithDeps(cfg, log, deps{
		runner:    runner,
		inventory: reader,
		ports:     ports.NewAllocator(reader, ports.ListenProber{}, cfg.Ports.Min, cfg.Ports.Max, log),
		network:   network.NewResolver(runner, reader, cfg.Network.Netmask, log),
		shell: ssh.NewClient(ssh.Options{
			MaxAttempts:    cfg.SSH.RetryAttempts,
			Backoff:        cfg.SSH.RetryBackoff,
			DialTimeout:    cfg.SSH.DialTimeout,
			CommandTimeout: cfg.SSH.CommandTimeout,
			Log:            log,
		}),
		workDirs: disk.NewManager(cfg.VMsDir()),
	})
}

// newWithDeps creates a Provisioner with injected dependencies.
// This allows for testing by accepting interfaces instead of concrete types.
func newWithDeps(cfg *config.Config, log *zap.SugaredLogger, d deps) *Provisioner {
	return &Provisioner{
		cfg:       cfg,
		log:       log,
		runner:    d.runner,
		inventory: d.inventory,
		ports:     d.ports,
		network:   d.network,
		shell:     d.shell,
		workDirs:  d.workDirs,
		sleep:     sleepContext,
	}
}

// run is the state of one provisioning run.
type run struct {
	m     *v1alpha1.Machine
	micro bool
	log   *zap.SugaredLogger

	// set during Validating
	publicKey string
	target    ssh.Target

	// set once the machine is registered with VirtualBox
	registered bool

	dataDisk string
	guest    *guest.Configurator
}

type step struct {
	phase v1alpha1.Phase
	fn    func(ctx context.Context, r *run) error
}

// Provision imports m.Spec.Image as a new VM named m.Name and configures it.
//
// The workflow is:
//  1. Validating: check the request; pick an SSH port if none was given
//  2. Importing: import the appliance, size it, attach the optional ISO
//  3. Customizing: NAT and host-only NICs, forwarding rules, shared folders
//  4. Starting: boot headless
//  5. AwaitingGuest: probe SSH a bounded number of times
//  6. PostSetup: guest interfaces file, authorized key, shared folder mounts
//
// m.Status is updated as the run progresses. On failure the machine is left
// in phase Failed and the error of the failing step is returned.
func (p *Provisioner) Provision(ctx context.Context, m *v1alpha1.Machine) error {
	return p.execute(ctx, m, false, []step{
		{v1alpha1.PhaseValidating, p.validate},
		{v1alpha1.PhaseImporting, p.importAppliance},
		{v1alpha1.PhaseCustomizing, p.customize},
		{v1alpha1.PhaseStarting, p.start},
		{v1alpha1.PhaseAwaitingGuest, p.awaitGuest},
		{v1alpha1.PhasePostSetup, p.postSetup},
	})
}

// ProvisionMicro creates an empty VM named m.Name that boots
// m.Spec.InstallMedium. It walks the same phases as Provision: Importing
// creates and registers the machine instead of importing an appliance, and
// Customizing configures NAT only.
func (p *Provisioner) ProvisionMicro(ctx context.Context, m *v1alpha1.Machine) error {
	return p.execute(ctx, m, true, []step{
		{v1alpha1.PhaseValidating, p.validate},
		{v1alpha1.PhaseImporting, p.createMicro},
		{v1alpha1.PhaseCustomizing, p.customize},
		{v1alpha1.PhaseStarting, p.start},
		{v1alpha1.PhaseAwaitingGuest, p.awaitGuest},
		{v1alpha1.PhasePostSetup, p.postSetup},
	})
}

func (p *Provisioner) execute(ctx context.Context, m *v1alpha1.Machine, micro bool, steps []step) error {
	if m == nil {
		return &ValidationError{Field: "machine", Err: fmt.Errorf("request is nil")}
	}
	v1alpha1.SetDefaultAPIVersion(m)
	m.Normalize()
	m.Status = v1alpha1.MachineStatus{
		Phase: v1alpha1.PhasePending,
		RunID: uuid.New().String(),
	}

	r := &run{
		m:     m,
		micro: micro,
		log:   p.log.With("vm", m.Name, "run", m.Status.RunID),
	}

	start := time.Now()
	for _, s := range steps {
		if err := status.TransitionTo(m, s.phase); err != nil {
			return err
		}
		r.log.Infow("entering phase", "phase", s.phase)

		if err := s.fn(ctx, r); err != nil {
			status.TransitionToFailed(m, string(s.phase)+"Failed", err)
			r.log.Errorw("provisioning failed", "phase", s.phase, "error", err)
			p.recordSpec(ctx, r)
			return err
		}
	}

	if err := status.TransitionTo(m, v1alpha1.PhaseDone); err != nil {
		return err
	}
	p.recordSpec(ctx, r)
	r.log.Infow("provisioning complete", "sshPort", m.Status.SSHPort, "elapsed", time.Since(start).Round(time.Second))
	return nil
}

// recordSpec stores the final Machine on the VM. It is best-effort: the VM
// is usable without it.
func (p *Provisioner) recordSpec(ctx context.Context, r *run) {
	if !r.registered {
		return
	}
	if err := metadata.Store(ctx, p.runner, r.m); err != nil {
		r.log.Warnw("failed to record machine metadata", "error", err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
