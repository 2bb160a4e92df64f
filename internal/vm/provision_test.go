package vm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/ports"
	"github.com/jbweber/anvil/internal/ssh"
	"github.com/jbweber/anvil/internal/status"
	"github.com/jbweber/anvil/internal/vbox"
	"github.com/jbweber/anvil/internal/vbox/vboxtest"
)

// testMachine creates the request used across the provisioning tests.
func testMachine(env *testEnv) *v1alpha1.Machine {
	m := v1alpha1.NewMachine("t1")
	m.Spec.Image = env.image
	m.Spec.IP = "172.16.1.10"
	m.Spec.SSHPort = 2050
	return m
}

// callIndex returns the position of the first call containing s, or -1.
func callIndex(calls []vboxtest.Call, s string) int {
	for i, c := range calls {
		if strings.Contains(c.String(), s) {
			return i
		}
	}
	return -1
}

// TestProvision_EndToEnd tests the happy path with fakes for every collaborator
func TestProvision_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	m := testMachine(env)

	require.NoError(t, env.p.Provision(context.Background(), m))

	assert.Len(t, env.runner.CallsTo("import"), 1)
	assert.NotEmpty(t, env.runner.CallsContaining("modifyvm t1 --nic1 nat"), "NAT interface")
	assert.Len(t, env.network.resolveAdapterCalls, 1)
	assert.Len(t, env.runner.CallsTo("startvm"), 1)
	checks := len(env.shell.commandsContaining("echo ready"))
	assert.GreaterOrEqual(t, checks, 1)
	assert.LessOrEqual(t, checks, env.cfg.Guest.ProbeAttempts)
	require.Len(t, env.shell.copyCalls, 1)
	assert.Equal(t, "/tmp/anvil-interfaces", env.shell.copyCalls[0].remotePath)
	assert.Len(t, env.shell.commandsContaining("networking restart"), 1)

	assert.Equal(t, v1alpha1.PhaseDone, m.GetPhase())
	assert.True(t, status.IsConditionTrue(m, v1alpha1.ConditionReady))
	assert.True(t, status.IsConditionTrue(m, v1alpha1.ConditionGuestReachable))

	// ordering of the phases as seen by VBoxManage
	calls := env.runner.Calls()
	importAt := callIndex(calls, "import ")
	natAt := callIndex(calls, "--nic1 nat")
	startAt := callIndex(calls, "startvm t1 --type headless")
	assert.Less(t, importAt, natAt)
	assert.Less(t, natAt, startAt)

	assert.Zero(t, env.ports.findAvailablePortCalls, "port allocator should not run when an SSH port is given")
	assert.Len(t, env.runner.CallsContaining("--natpf1 guestssh,tcp,,2050,,22"), 1)
	assert.Len(t, env.runner.CallsContaining("--hostonlyadapter2 vboxnet0 --macaddress2 BEEFAC10010A"), 1)
	assert.Equal(t, 2050, m.Status.SSHPort)
	assert.Equal(t, "vboxnet0", m.Status.HostOnlyAdapter)
	assert.NotEmpty(t, env.runner.CallsTo("setextradata"), "machine recorded on the VM")
	assert.Equal(t, 2050, env.shell.targets[0].Port)
	assert.Equal(t, "vagrant", env.shell.targets[0].User)
}

// TestProvision_PicksSSHPort tests port allocation when no port is requested
func TestProvision_PicksSSHPort(t *testing.T) {
	env := newTestEnv(t)
	m := testMachine(env)
	m.Spec.SSHPort = 0

	require.NoError(t, env.p.Provision(context.Background(), m))
	assert.Equal(t, 1, env.ports.findAvailablePortCalls)
	assert.Equal(t, 2002, m.Status.SSHPort)
	assert.Len(t, env.runner.CallsContaining("guestssh,tcp,,2002,,22"), 1)
}

// TestProvision_NoPortAvailable tests that exhaustion stops the run before any change
func TestProvision_NoPortAvailable(t *testing.T) {
	env := newTestEnv(t)
	env.ports.findAvailablePortFunc = func(context.Context) (int, error) {
		return 0, ports.ErrNoPortAvailable
	}
	m := testMachine(env)
	m.Spec.SSHPort = 0

	err := env.p.Provision(context.Background(), m)
	require.ErrorIs(t, err, ports.ErrNoPortAvailable)
	assert.Empty(t, env.runner.CallsTo("import"))
	assert.Equal(t, v1alpha1.PhaseFailed, m.GetPhase())
}

// TestProvision_ValidationFailures tests that bad requests fail before any mutating command
func TestProvision_ValidationFailures(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(t *testing.T, env *testEnv, m *v1alpha1.Machine)
		wantField string
		wantErr   error
	}{
		{
			name:      "missing name",
			modify:    func(_ *testing.T, _ *testEnv, m *v1alpha1.Machine) { m.Name = "" },
			wantField: "name",
			wantErr:   ErrNameRequired,
		},
		{
			name:      "malformed name",
			modify:    func(_ *testing.T, _ *testEnv, m *v1alpha1.Machine) { m.Name = "bad/name" },
			wantField: "name",
		},
		{
			name:      "image does not exist",
			modify:    func(_ *testing.T, env *testEnv, m *v1alpha1.Machine) { m.Spec.Image = filepath.Join(env.cfg.StateDir, "missing.ovf") },
			wantField: "image",
			wantErr:   ErrPathNotFound,
		},
		{
			name:      "no image",
			modify:    func(_ *testing.T, _ *testEnv, m *v1alpha1.Machine) { m.Spec.Image = "" },
			wantField: "image",
		},
		{
			name: "settings file already exists",
			modify: func(t *testing.T, env *testEnv, _ *v1alpha1.Machine) {
				dir := filepath.Join(env.machineFolder, "t1")
				require.NoError(t, os.MkdirAll(dir, 0o755))
				writeFile(t, filepath.Join(dir, "t1.vbox"))
			},
			wantField: "name",
		},
		{
			name: "sync folder host path missing",
			modify: func(_ *testing.T, env *testEnv, m *v1alpha1.Machine) {
				m.Spec.SyncFolders = []v1alpha1.SyncFolder{{HostPath: filepath.Join(env.cfg.StateDir, "nope"), GuestPath: "/vagrant"}}
			},
			wantField: "syncFolders[0]",
			wantErr:   ErrPathNotFound,
		},
		{
			name: "sync folder without guest path",
			modify: func(_ *testing.T, env *testEnv, m *v1alpha1.Machine) {
				m.Spec.SyncFolders = []v1alpha1.SyncFolder{{HostPath: filepath.Dir(env.image)}}
			},
			wantField: "syncFolders[0]",
			wantErr:   ErrSyncFolderFormat,
		},
		{
			name:      "iso does not exist",
			modify:    func(_ *testing.T, env *testEnv, m *v1alpha1.Machine) { m.Spec.ISO = env.image + ".missing.iso" },
			wantField: "iso",
			wantErr:   ErrPathNotFound,
		},
		{
			name:      "public key is not a key",
			modify:    func(_ *testing.T, env *testEnv, m *v1alpha1.Machine) { m.Spec.SSHPublicKey = env.image },
			wantField: "sshPublicKey",
		},
		{
			name:      "ipv6 address",
			modify:    func(_ *testing.T, _ *testEnv, m *v1alpha1.Machine) { m.Spec.IP = "fe80::1" },
			wantField: "ip",
		},
		{
			name: "forward port out of range",
			modify: func(_ *testing.T, _ *testEnv, m *v1alpha1.Machine) {
				m.Spec.ForwardPorts = []v1alpha1.ForwardPort{{HostPort: 70000, GuestPort: 80}}
			},
			wantField: "forwardPorts[0]",
		},
		{
			name:      "data disk on imported machine",
			modify:    func(_ *testing.T, _ *testEnv, m *v1alpha1.Machine) { m.Spec.DataDiskMB = 512 },
			wantField: "dataDiskMB",
		},
		{
			name:      "private key missing",
			modify:    func(_ *testing.T, env *testEnv, _ *v1alpha1.Machine) { env.cfg.SSH.PrivateKey = env.image + ".key" },
			wantField: "privateKey",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			m := testMachine(env)
			tt.modify(t, env, m)

			err := env.p.Provision(context.Background(), m)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			for _, c := range env.runner.Calls() {
				assert.Equal(t, "list", c.Subcommand, "unexpected command during validation: %s", c)
			}
			assert.Empty(t, env.shell.execCalls, "guest must not be contacted")
			assert.Equal(t, v1alpha1.PhaseFailed, m.GetPhase())
			c := status.GetCondition(m, v1alpha1.ConditionReady)
			require.NotNil(t, c)
			assert.Equal(t, "ValidatingFailed", c.Reason)
		})
	}
}

// TestProvision_SyncFolders tests that an existing host path is shared and mounted
func TestProvision_SyncFolders(t *testing.T) {
	env := newTestEnv(t)
	m := testMachine(env)
	hostDir := t.TempDir()
	m.Spec.SyncFolders = []v1alpha1.SyncFolder{{HostPath: hostDir, GuestPath: "/vagrant"}}

	require.NoError(t, env.p.Provision(context.Background(), m))

	assert.Len(t, env.runner.CallsContaining("sharedfolder add t1 --name vbox-share-0 --hostpath "+hostDir), 1,
		"calls: %v", env.runner.CallsTo("sharedfolder"))
	assert.Len(t, env.shell.commandsContaining("sudo modprobe vboxsf"), 1)
	assert.Len(t, env.shell.commandsContaining("vbox-share-0\t/vagrant\tvboxsf"), 1, "one guarded fstab append")
	assert.Len(t, env.shell.commandsContaining("sudo mount -a"), 1)
}

// TestParseSyncFolders tests host;guest argument parsing
func TestParseSyncFolders(t *testing.T) {
	folders, err := ParseSyncFolders([]string{"/src;/vagrant", "./data;/data"})
	require.NoError(t, err)
	assert.Equal(t, []v1alpha1.SyncFolder{
		{HostPath: "/src", GuestPath: "/vagrant"},
		{HostPath: "./data", GuestPath: "/data"},
	}, folders)

	_, err = ParseSyncFolders([]string{"/src;/vagrant", "badformat"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "syncFolders[1]", verr.Field)
	assert.ErrorIs(t, err, ErrSyncFolderFormat)
}

// TestProvision_GuestUnreachable tests that readiness checks stop after the configured attempts
func TestProvision_GuestUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.shell.execFunc = func(_ context.Context, target ssh.Target, _ string) (ssh.Result, error) {
		return ssh.Result{}, &ssh.ConnectionError{Addr: target.Addr(), Attempts: 1, Err: errors.New("connection refused")}
	}
	m := testMachine(env)

	err := env.p.Provision(context.Background(), m)
	require.ErrorIs(t, err, ErrGuestUnreachable)
	var connErr *ssh.ConnectionError
	assert.ErrorAs(t, err, &connErr, "the last connection error is kept")

	assert.Len(t, env.shell.commandsContaining("echo ready"), 6)
	assert.Len(t, env.sleeps, 5)
	assert.Empty(t, env.shell.copyCalls, "post-setup must not run")
	assert.Equal(t, v1alpha1.PhaseFailed, m.GetPhase())
}

// TestProvision_GuestAnswersLate tests that the guest may answer on a later attempt
func TestProvision_GuestAnswersLate(t *testing.T) {
	env := newTestEnv(t)
	failures := 2
	env.shell.execFunc = func(_ context.Context, _ ssh.Target, command string) (ssh.Result, error) {
		if command == "echo ready" && failures > 0 {
			failures--
			return ssh.Result{}, &ssh.ConnectionError{Attempts: 1, Err: errors.New("connection reset by peer")}
		}
		return ssh.Result{Stdout: "ready\n"}, nil
	}
	m := testMachine(env)

	require.NoError(t, env.p.Provision(context.Background(), m))
	assert.Len(t, env.shell.commandsContaining("echo ready"), 3)
	assert.Equal(t, []time.Duration{env.cfg.Guest.ProbeInterval, env.cfg.Guest.ProbeInterval}, env.sleeps)
}

// TestProvision_InteractiveAuthIsFatal tests that an auth prompt ends the wait at once
func TestProvision_InteractiveAuthIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.shell.execFunc = func(context.Context, ssh.Target, string) (ssh.Result, error) {
		return ssh.Result{}, &ssh.ConnectionError{Attempts: 1, Err: ssh.ErrInteractiveAuth}
	}

	err := env.p.Provision(context.Background(), testMachine(env))
	require.ErrorIs(t, err, ssh.ErrInteractiveAuth)
	assert.Len(t, env.shell.execCalls, 1)
}

// TestProvision_ForwardPorts tests that an existing rule is tolerated
func TestProvision_ForwardPorts(t *testing.T) {
	env := newTestEnv(t)
	env.runner.Handle("modifyvm", func(args []string) (string, error) {
		if strings.Contains(strings.Join(args, " "), "tcp-8080") {
			return "", &vbox.ExternalToolError{
				Subcommand: "modifyvm",
				Args:       args,
				Stderr:     "VBoxManage: error: A NAT rule of this name already exists",
				ExitCode:   1,
			}
		}
		return "", nil
	})
	m := testMachine(env)
	m.Spec.ForwardPorts = []v1alpha1.ForwardPort{
		{HostPort: 8080, GuestPort: 80, Protocol: "tcp"},
		{HostPort: 5353, GuestPort: 53, Protocol: "udp"},
	}

	require.NoError(t, env.p.Provision(context.Background(), m))
	assert.Len(t, env.runner.CallsContaining("--natpf1 tcp-8080,tcp,,8080,,80"), 1)
	assert.Len(t, env.runner.CallsContaining("--natpf1 udp-5353,udp,,5353,,53"), 1)
}

// TestProvision_SSHRuleConflict tests that an existing SSH rule is fatal
func TestProvision_SSHRuleConflict(t *testing.T) {
	env := newTestEnv(t)
	env.runner.Handle("modifyvm", func(args []string) (string, error) {
		if strings.Contains(strings.Join(args, " "), "guestssh") {
			return "", &vbox.ExternalToolError{Subcommand: "modifyvm", Args: args, Stderr: "rule already exists", ExitCode: 1}
		}
		return "", nil
	})

	err := env.p.Provision(context.Background(), testMachine(env))
	var conflict *vbox.ResourceConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, env.runner.CallsTo("startvm"), "machine must not be started")
}

// TestProvision_ImportFails tests that the tool error is returned unchanged in type
func TestProvision_ImportFails(t *testing.T) {
	env := newTestEnv(t)
	env.runner.Fail("import", "VBoxManage: error: Appliance read failed")
	m := testMachine(env)

	err := env.p.Provision(context.Background(), m)
	var toolErr *vbox.ExternalToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "import", toolErr.Subcommand)
	assert.Equal(t, v1alpha1.PhaseFailed, m.GetPhase())
	assert.Contains(t, m.Status.FailureMessage, "Appliance read failed")
	assert.Empty(t, env.runner.CallsTo("startvm"), "no command may follow a failed import")
	assert.Empty(t, env.runner.CallsTo("setextradata"), "no command may follow a failed import")
}

// TestProvision_OptionalSteps tests ISO, public key and box lookup
func TestProvision_OptionalSteps(t *testing.T) {
	env := newTestEnv(t)

	boxDir := filepath.Join(env.cfg.BoxesDir(), "ubuntu")
	require.NoError(t, os.MkdirAll(boxDir, 0o755))
	writeFile(t, filepath.Join(boxDir, "box.ovf"))

	m := testMachine(env)
	m.Spec.Image = "ubuntu"
	m.Spec.IP = ""
	m.Spec.ISO = env.iso
	m.Spec.SSHPublicKey = env.publicKey

	require.NoError(t, env.p.Provision(context.Background(), m))

	assert.Len(t, env.runner.CallsContaining("import "+filepath.Join(boxDir, "box.ovf")), 1,
		"calls: %v", env.runner.CallsTo("import"))
	assert.Len(t, env.runner.CallsContaining("--type dvddrive --medium "+env.iso), 1)
	assert.Len(t, env.shell.commandsContaining("authorized_keys"), 1)
	assert.Empty(t, env.network.resolveAdapterCalls, "no host-only networking without an IP")
	assert.Empty(t, env.shell.copyCalls, "no host-only networking without an IP")
}

// TestProvisionMicro tests the install-medium workflow
func TestProvisionMicro(t *testing.T) {
	env := newTestEnv(t)
	m := v1alpha1.NewMachine("m1")
	m.Spec.InstallMedium = env.iso
	m.Spec.IP = "172.16.1.20"
	m.Spec.SSHPublicKey = env.publicKey
	m.Spec.DataDiskMB = 2048

	require.NoError(t, env.p.ProvisionMicro(context.Background(), m))

	expected := []string{
		"createvm --name m1 --ostype Linux26_64 --register",
		"modifyvm m1 --cpus 2 --memory 1024",
		"storagectl m1 --name IDE --add ide",
		"storageattach m1 --storagectl IDE --port 0 --device 0 --type dvddrive --medium " + env.iso,
		"storageattach m1 --storagectl IDE --port 1 --device 0 --type dvddrive --medium " + filepath.Join(env.cfg.VMsDir(), "m1", "m1-seed.iso"),
		"createmedium disk --filename " + env.workDirs.DataDiskPath("m1") + " --size 2048 --format VDI",
		"storagectl m1 --name SATA --add sata --portcount 1",
		"storageattach m1 --storagectl SATA --port 0 --device 0 --type hdd --medium " + env.workDirs.DataDiskPath("m1"),
		"startvm m1 --type headless",
	}
	for _, want := range expected {
		assert.Len(t, env.runner.CallsContaining(want), 1, want)
	}

	assert.Empty(t, env.runner.CallsTo("import"), "micro machines are not imported")
	assert.Empty(t, env.network.resolveAdapterCalls, "micro machines only get NAT")
	assert.FileExists(t, filepath.Join(env.cfg.VMsDir(), "m1", "m1-seed.iso"))
	assert.Equal(t, "root", env.shell.targets[0].User)
	assert.Len(t, env.shell.commandsContaining("mkfs.ext4"), 1)
	assert.Equal(t, v1alpha1.PhaseDone, m.GetPhase())
}

// TestProvisionMicro_Validation tests micro-specific request checks
func TestProvisionMicro_Validation(t *testing.T) {
	env := newTestEnv(t)

	m := v1alpha1.NewMachine("m1")
	m.Spec.Image = env.image
	m.Spec.InstallMedium = env.iso
	var verr *ValidationError
	err := env.p.ProvisionMicro(context.Background(), m)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "image", verr.Field)

	m = v1alpha1.NewMachine("m1")
	m.Spec.InstallMedium = env.iso + ".missing"
	assert.ErrorIs(t, env.p.ProvisionMicro(context.Background(), m), ErrPathNotFound)

	assert.Empty(t, env.runner.CallsTo("createvm"), "nothing should be created")
}

// TestProvisionMicro_StaleWorkDir tests that a data disk is never created in a
// directory left by an earlier run
func TestProvisionMicro_StaleWorkDir(t *testing.T) {
	env := newTestEnv(t)
	dir, err := env.workDirs.EnsureVMDirectory("m1")
	require.NoError(t, err)
	stale := writeFile(t, env.workDirs.DataDiskPath("m1"))

	m := v1alpha1.NewMachine("m1")
	m.Spec.InstallMedium = env.iso
	m.Spec.DataDiskMB = 2048

	err = env.p.ProvisionMicro(context.Background(), m)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
	assert.Contains(t, err.Error(), dir)

	assert.Empty(t, env.runner.CallsTo("createvm"))
	assert.Empty(t, env.runner.CallsTo("createmedium"))
	assert.FileExists(t, stale, "the earlier run's disk is left alone")
	assert.Equal(t, v1alpha1.PhaseFailed, m.GetPhase())
}

// TestProvision_ReusesWorkDir tests that a leftover directory without a data
// disk request does not block an import
func TestProvision_ReusesWorkDir(t *testing.T) {
	for name, micro := range map[string]bool{"import": false, "micro": true} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			m := testMachine(env)
			if micro {
				m.Spec.Image = ""
				m.Spec.InstallMedium = env.iso
			}
			_, err := env.workDirs.EnsureVMDirectory(m.Name)
			require.NoError(t, err)

			if micro {
				err = env.p.ProvisionMicro(context.Background(), m)
			} else {
				err = env.p.Provision(context.Background(), m)
			}
			require.NoError(t, err)
			assert.Equal(t, v1alpha1.PhaseDone, m.GetPhase())
		})
	}
}

// TestProvision_Cancelled tests that cancellation while waiting for the guest stops the run
func TestProvision_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.shell.execFunc = func(context.Context, ssh.Target, string) (ssh.Result, error) {
		cancel()
		return ssh.Result{}, context.Canceled
	}

	err := env.p.Provision(ctx, testMachine(env))
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, env.shell.execCalls, 1)
}
