package vm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/disk"
	"github.com/jbweber/anvil/internal/inventory"
	"github.com/jbweber/anvil/internal/logging"
	"github.com/jbweber/anvil/internal/ssh"
	"github.com/jbweber/anvil/internal/vbox"
	"github.com/jbweber/anvil/internal/vbox/vboxtest"
)

// mockPortAllocator is a mock implementation of the portAllocator interface for testing.
type mockPortAllocator struct {
	mu sync.Mutex

	// Configurable behavior
	findAvailablePortFunc func(ctx context.Context) (int, error)
	isBindableFunc        func(port int) bool

	// Call tracking
	findAvailablePortCalls int
	isBindableCalls        []int
}

// newMockPortAllocator creates a mock that hands out 2002 and sees every port as free.
func newMockPortAllocator() *mockPortAllocator {
	return &mockPortAllocator{
		findAvailablePortFunc: func(context.Context) (int, error) { return 2002, nil },
		isBindableFunc:        func(int) bool { return true },
	}
}

func (m *mockPortAllocator) FindAvailablePort(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findAvailablePortCalls++
	return m.findAvailablePortFunc(ctx)
}

func (m *mockPortAllocator) IsBindable(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isBindableCalls = append(m.isBindableCalls, port)
	return m.isBindableFunc(port)
}

// mockAdapterResolver is a mock implementation of the adapterResolver interface for testing.
type mockAdapterResolver struct {
	mu sync.Mutex

	resolveAdapterFunc  func(ctx context.Context, guestIP string) (string, error)
	resolveAdapterCalls []string
}

func newMockAdapterResolver() *mockAdapterResolver {
	return &mockAdapterResolver{
		resolveAdapterFunc: func(context.Context, string) (string, error) { return "vboxnet0", nil },
	}
}

func (m *mockAdapterResolver) ResolveAdapter(ctx context.Context, guestIP string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveAdapterCalls = append(m.resolveAdapterCalls, guestIP)
	return m.resolveAdapterFunc(ctx, guestIP)
}

type copyCall struct {
	target     ssh.Target
	localPath  string
	remotePath string
}

// mockShell is a mock implementation of guest.Shell for testing.
type mockShell struct {
	mu sync.Mutex

	// Configurable behavior
	execFunc func(ctx context.Context, target ssh.Target, command string) (ssh.Result, error)
	copyFunc func(ctx context.Context, target ssh.Target, localPath, remotePath string) error

	// Call tracking
	execCalls []string
	targets   []ssh.Target
	copyCalls []copyCall
}

func newMockShell() *mockShell {
	return &mockShell{
		execFunc: func(context.Context, ssh.Target, string) (ssh.Result, error) { return ssh.Result{}, nil },
		copyFunc: func(context.Context, ssh.Target, string, string) error { return nil },
	}
}

func (m *mockShell) Exec(ctx context.Context, target ssh.Target, command string) (ssh.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execCalls = append(m.execCalls, command)
	m.targets = append(m.targets, target)
	return m.execFunc(ctx, target, command)
}

func (m *mockShell) Copy(ctx context.Context, target ssh.Target, localPath, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyCalls = append(m.copyCalls, copyCall{target: target, localPath: localPath, remotePath: remotePath})
	return m.copyFunc(ctx, target, localPath, remotePath)
}

// commandsContaining returns the executed commands that contain s.
func (m *mockShell) commandsContaining(s string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.execCalls {
		if strings.Contains(c, s) {
			out = append(out, c)
		}
	}
	return out
}

// testEnv wires a Provisioner to fakes.
type testEnv struct {
	cfg           *config.Config
	runner        *vboxtest.Runner
	ports         *mockPortAllocator
	network       *mockAdapterResolver
	shell         *mockShell
	workDirs      *disk.Manager
	sleeps        []time.Duration
	machineFolder string
	image         string
	iso           string
	publicKey     string
	p             *Provisioner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	privateKey, publicKey := writeKeyPair(t, dir)

	env := &testEnv{
		cfg: &config.Config{
			StateDir:       filepath.Join(dir, "state"),
			ForwardWorkers: 1,
			Defaults:       config.Defaults{CPUs: 2, MemoryMB: 1024},
			SSH:            config.SSH{User: "vagrant", PrivateKey: privateKey, RetryAttempts: 1},
			Micro:          config.Micro{User: "root", PrivateKey: privateKey, OSType: "Linux26_64", DataDevice: "/dev/sda"},
			Guest: config.Guest{
				ProbeAttempts:     6,
				ProbeInterval:     5 * time.Second,
				InterfacesPath:    "/etc/network/interfaces",
				PrimaryInterface:  "enp0s3",
				HostOnlyInterface: "enp0s8",
			},
			Ports:   config.Ports{Min: 2002, Max: 2999},
			Network: config.Network{Netmask: "255.255.255.0"},
			Storage: config.Storage{Controller: "IDE"},
		},
		runner:        vboxtest.NewRunner(),
		ports:         newMockPortAllocator(),
		network:       newMockAdapterResolver(),
		shell:         newMockShell(),
		machineFolder: filepath.Join(dir, "VirtualBox VMs"),
		image:         writeFile(t, filepath.Join(dir, "box.ovf")),
		iso:           writeFile(t, filepath.Join(dir, "install.iso")),
		publicKey:     publicKey,
	}
	env.workDirs = disk.NewManager(env.cfg.VMsDir())

	env.runner.Reply("list systemproperties", "API version:                     7_0\nDefault machine folder:          "+env.machineFolder+"\n")

	env.p = newWithDeps(env.cfg, logging.Nop(), deps{
		runner:    env.runner,
		inventory: inventory.NewReader(env.runner),
		ports:     env.ports,
		network:   env.network,
		shell:     env.shell,
		workDirs:  env.workDirs,
	})
	env.p.sleep = func(_ context.Context, d time.Duration) error {
		env.sleeps = append(env.sleeps, d)
		return nil
	}
	return env
}

// vmExists makes showvminfo report name with the given state and extra keys.
func (e *testEnv) vmExists(name, state string, extra ...string) {
	e.runner.Handle("showvminfo", func(args []string) (string, error) {
		if args[0] != name {
			return "", vboxNotFound(args[0])
		}
		out := fmt.Sprintf("name=%q\nUUID=\"0f1e2d3c-0000-4000-8000-000000000001\"\nVMState=%q\ncpus=2\nmemory=1024\n", name, state)
		for _, line := range extra {
			out += line + "\n"
		}
		return out, nil
	})
}

func (e *testEnv) noVMs() {
	e.runner.Handle("showvminfo", func(args []string) (string, error) {
		return "", vboxNotFound(args[0])
	})
}

func vboxNotFound(name string) error {
	return &vbox.ExternalToolError{
		Subcommand: "showvminfo",
		Args:       []string{name, "--machinereadable"},
		Stderr:     fmt.Sprintf("VBoxManage: error: Could not find a registered machine named '%s'", name),
		ExitCode:   1,
	}
}

func writeFile(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	return path
}

func writeKeyPair(t *testing.T, dir string) (string, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := gossh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)

	privPath := filepath.Join(dir, "id_ed25519")
	pubPath := privPath + ".pub"
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(block), 0o600))
	require.NoError(t, os.WriteFile(pubPath, gossh.MarshalAuthorizedKey(sshPub), 0o644))
	return privPath, pubPath
}
