package vm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/inventory"
	"github.com/jbweber/anvil/internal/metadata"
	"github.com/jbweber/anvil/internal/vbox"
	"github.com/jbweber/anvil/internal/vbox/vboxtest"
)

func TestExpose(t *testing.T) {
	tests := []struct {
		name     string
		state    string
		wantCall string
	}{
		{name: "running VM is changed live", state: "running", wantCall: "controlvm web natpf1 tcp-8080,tcp,,8080,,80"},
		{name: "stopped VM is modified", state: "poweroff", wantCall: "modifyvm web --natpf1 tcp-8080,tcp,,8080,,80"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.vmExists("web", tt.state)

			err := env.p.Expose(context.Background(), "web", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80})
			require.NoError(t, err)
			assert.Len(t, env.runner.CallsContaining(tt.wantCall), 1, "calls: %v", env.runner.Calls())
			assert.Equal(t, []int{8080}, env.ports.isBindableCalls)
		})
	}
}

func TestExpose_PortInUse(t *testing.T) {
	for _, state := range []string{"running", "poweroff"} {
		t.Run(state, func(t *testing.T) {
			env := newTestEnv(t)
			env.vmExists("web", state)
			env.ports.isBindableFunc = func(int) bool { return false }

			err := env.p.Expose(context.Background(), "web", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80})
			require.ErrorIs(t, err, ErrPortInUse)
			assert.Empty(t, env.runner.CallsTo("controlvm"), "no rule may be added for a port in use")
			assert.Empty(t, env.runner.CallsTo("modifyvm"), "no rule may be added for a port in use")
		})
	}
}

func TestExpose_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.noVMs()

	err := env.p.Expose(context.Background(), "ghost", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80})
	assert.ErrorIs(t, err, ErrVMNotFound)

	var verr *ValidationError
	err = env.p.Expose(context.Background(), "ghost", v1alpha1.ForwardPort{HostPort: 0, GuestPort: 80})
	assert.ErrorAs(t, err, &verr, "port 0")
	err = env.p.Expose(context.Background(), "ghost", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80, Protocol: "sctp"})
	assert.ErrorAs(t, err, &verr, "sctp")
}

func TestExpose_RuleExists(t *testing.T) {
	for _, state := range []string{"running", "poweroff"} {
		t.Run(state, func(t *testing.T) {
			env := newTestEnv(t)
			env.vmExists("web", state)
			env.runner.Fail("controlvm", "VBoxManage: error: A NAT rule of this name already exists")
			env.runner.Fail("modifyvm", "VBoxManage: error: A NAT rule of this name already exists")

			err := env.p.Expose(context.Background(), "web", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80})
			require.NoError(t, err, "an existing rule is left in place")
			assert.Len(t, env.runner.CallsContaining("tcp-8080,tcp,,8080,,80"), 1)
		})
	}
}

func TestExpose_OtherFailure(t *testing.T) {
	env := newTestEnv(t)
	env.vmExists("web", "running")
	env.runner.Fail("controlvm", "VBoxManage: error: The machine 'web' is not currently running")

	err := env.p.Expose(context.Background(), "web", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80})
	var toolErr *vbox.ExternalToolError
	assert.ErrorAs(t, err, &toolErr)
}

// TestAdmin_NameRequired tests that operations on an unnamed VM issue no command
func TestAdmin_NameRequired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ops := map[string]func() error{
		"info":     func() error { _, err := env.p.Info(ctx, ""); return err },
		"describe": func() error { _, err := env.p.Describe(ctx, ""); return err },
		"stop":     func() error { return env.p.Stop(ctx, "", false) },
		"delete":   func() error { return env.p.Delete(ctx, "") },
		"expose": func() error {
			return env.p.Expose(ctx, "", v1alpha1.ForwardPort{HostPort: 8080, GuestPort: 80})
		},
	}
	for name, op := range ops {
		assert.ErrorIs(t, op(), ErrNameRequired, name)
	}
	assert.Empty(t, env.runner.Calls())
}

func TestInfo_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.noVMs()

	info, err := env.p.Info(context.Background(), "ghost")
	require.NoError(t, err, "unknown VM is not an error")
	assert.Equal(t, inventory.StateNotFound, info.State())

	_, err = env.p.Describe(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrVMNotFound)
}

func TestStop(t *testing.T) {
	tests := []struct {
		name     string
		state    string
		force    bool
		wantCall string
	}{
		{name: "save state", state: "running", wantCall: "controlvm web savestate"},
		{name: "force power off", state: "running", force: true, wantCall: "controlvm web poweroff"},
		{name: "already stopped", state: "poweroff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.vmExists("web", tt.state)

			require.NoError(t, env.p.Stop(context.Background(), "web", tt.force))

			controlCalls := env.runner.CallsTo("controlvm")
			if tt.wantCall == "" {
				assert.Empty(t, controlCalls)
				return
			}
			require.Len(t, controlCalls, 1)
			assert.Equal(t, tt.wantCall, controlCalls[0].String())
		})
	}
}

func TestStop_NotFound(t *testing.T) {
	env := newTestEnv(t)
	env.noVMs()

	assert.ErrorIs(t, env.p.Stop(context.Background(), "ghost", false), ErrVMNotFound)
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	env.vmExists("web", "running")
	dir, err := env.workDirs.EnsureVMDirectory("web")
	require.NoError(t, err)

	require.NoError(t, env.p.Delete(context.Background(), "web"))

	calls := env.runner.Calls()
	poweroff := callIndex(calls, "controlvm web poweroff")
	unset := callIndex(calls, "setextradata web "+metadata.SpecKey)
	unregister := callIndex(calls, "unregistervm web --delete")
	require.GreaterOrEqual(t, poweroff, 0, "calls: %v", calls)
	require.GreaterOrEqual(t, unset, 0, "calls: %v", calls)
	assert.Less(t, poweroff, unset)
	assert.Less(t, unset, unregister)
	assert.Len(t, calls[unset].Args, 2, "an empty value removes the key")
	assert.NoDirExists(t, dir)
}

func TestDelete_StoppedVM(t *testing.T) {
	env := newTestEnv(t)
	env.vmExists("web", "poweroff")

	require.NoError(t, env.p.Delete(context.Background(), "web"))
	assert.Empty(t, env.runner.CallsTo("controlvm"), "stopped VM must not be powered off")
	assert.Len(t, env.runner.CallsTo("setextradata"), 1)
	assert.Len(t, env.runner.CallsTo("unregistervm"), 1)
}

func TestDelete_MetadataFailureIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.vmExists("web", "poweroff")
	env.runner.Fail("setextradata", "VBoxManage: error: The machine is locked")

	require.NoError(t, env.p.Delete(context.Background(), "web"))
	assert.Len(t, env.runner.CallsTo("unregistervm"), 1)
}

func TestDelete_UnregisterFails(t *testing.T) {
	env := newTestEnv(t)
	env.vmExists("web", "poweroff")
	env.runner.Fail("unregistervm", "VBoxManage: error: Cannot unregister the machine 'web' while it is locked")

	err := env.p.Delete(context.Background(), "web")
	var toolErr *vbox.ExternalToolError
	assert.ErrorAs(t, err, &toolErr)
}

func TestDescribe(t *testing.T) {
	env := newTestEnv(t)
	env.vmExists("web", "running", `Forwarding(0)="guestssh,tcp,,2050,,22"`, `Forwarding(1)="tcp-8080,tcp,,8080,,80"`)

	recorded := v1alpha1.NewMachine("web")
	recorded.Spec.Image = "/boxes/ubuntu.ovf"
	recorded.Spec.IP = "172.16.1.10"
	recorded.Status.Phase = v1alpha1.PhaseDone
	store := vboxtest.NewRunner()
	require.NoError(t, metadata.Store(context.Background(), store, recorded))
	value := store.CallsTo("setextradata")[0].Args[2]
	env.runner.Reply("getextradata", "Value: "+value+"\n")

	m, err := env.p.Describe(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "172.16.1.10", m.Spec.IP)
	assert.Equal(t, v1alpha1.PhaseDone, m.GetPhase())
	assert.Equal(t, "running", m.Status.State)
	assert.Equal(t, 2050, m.Status.SSHPort)
	assert.Equal(t, "0f1e2d3c-0000-4000-8000-000000000001", m.Status.ID)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	env.runner.Reply("list vms", "\"web\" {0f1e2d3c-0000-4000-8000-000000000001}\n\"gone\" {0f1e2d3c-0000-4000-8000-000000000002}\n")
	env.vmExists("web", "poweroff")
	env.runner.Reply("getextradata", "No value set!\n")

	machines, err := env.p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, machines, 1)

	m := machines[0]
	assert.Equal(t, "web", m.Name)
	assert.Equal(t, v1alpha1.MachineKind, m.Kind)
	assert.Equal(t, 2, m.Spec.CPUs)
	assert.Equal(t, 1024, m.Spec.MemoryMB)
	assert.Equal(t, "poweroff", m.Status.State)
}

func TestAdapters(t *testing.T) {
	env := newTestEnv(t)
	env.runner.Reply("list hostonlyifs", "Name:            vboxnet0\nGUID:            786f6276-656e-4074-8000-0a0027000000\nDHCP:            Disabled\nIPAddress:       172.16.1.1\nNetworkMask:     255.255.255.0\nStatus:          Up\n\n")

	adapters, err := env.p.Adapters(context.Background())
	require.NoError(t, err)
	require.Len(t, adapters, 1)
	assert.Equal(t, "vboxnet0", adapters[0].Name)
	assert.Equal(t, "172.16.1.1", adapters[0].IPAddress)
}
