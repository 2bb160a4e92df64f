// Package config loads anvil settings from ~/.anvil/config.yaml and ANVIL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultStateDir is where anvil keeps its config, keys and VM working files.
const DefaultStateDir = "~/.anvil"

// Config is the full anvil configuration.
type Config struct {
	// VBoxManage overrides the VBoxManage binary location.
	VBoxManage string `mapstructure:"vboxmanage"`

	// StateDir is the anvil home directory.
	StateDir string `mapstructure:"state_dir"`

	// ForwardWorkers bounds concurrent forwarding-rule registration.
	ForwardWorkers int `mapstructure:"forward_workers"`

	Defaults Defaults `mapstructure:"defaults"`
	SSH      SSH      `mapstructure:"ssh"`
	Micro    Micro    `mapstructure:"micro"`
	Guest    Guest    `mapstructure:"guest"`
	Ports    Ports    `mapstructure:"ports"`
	Network  Network  `mapstructure:"network"`
	Storage  Storage  `mapstructure:"storage"`
	Log      Log      `mapstructure:"log"`
}

// Defaults holds machine sizing used when a request leaves it unset.
type Defaults struct {
	CPUs     int `mapstructure:"cpus"`
	MemoryMB int `mapstructure:"memory_mb"`
}

// SSH configures guest access for imported machines and the retry policy.
type SSH struct {
	User           string        `mapstructure:"user"`
	PrivateKey     string        `mapstructure:"private_key"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// Micro configures guest access and sizing for micro machines.
type Micro struct {
	User       string `mapstructure:"user"`
	PrivateKey string `mapstructure:"private_key"`
	OSType     string `mapstructure:"os_type"`
	DataDevice string `mapstructure:"data_device"`
}

// Guest configures post-boot guest steps.
type Guest struct {
	ProbeAttempts     int           `mapstructure:"probe_attempts"`
	ProbeInterval     time.Duration `mapstructure:"probe_interval"`
	InterfacesPath    string        `mapstructure:"interfaces_path"`
	PrimaryInterface  string        `mapstructure:"primary_interface"`
	HostOnlyInterface string        `mapstructure:"hostonly_interface"`
}

// Ports is the host port range scanned for SSH forwarding.
type Ports struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// Network configures host-only networking.
type Network struct {
	Netmask string `mapstructure:"netmask"`
}

// Storage configures medium attachment.
type Storage struct {
	Controller string `mapstructure:"controller"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. An empty path looks for config.yaml in
// ~/.anvil; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANVIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		dir, err := homedir.Expand(DefaultStateDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vboxmanage", "")
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("forward_workers", 1)

	v.SetDefault("defaults.cpus", 2)
	v.SetDefault("defaults.memory_mb", 1024)

	v.SetDefault("ssh.user", "vagrant")
	v.SetDefault("ssh.private_key", "~/.vagrant.d/insecure_private_key")
	v.SetDefault("ssh.retry_attempts", 10)
	v.SetDefault("ssh.retry_backoff", "3s")
	v.SetDefault("ssh.dial_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "60s")

	v.SetDefault("micro.user", "root")
	v.SetDefault("micro.private_key", "~/.anvil/keys/baker_rsa")
	v.SetDefault("micro.os_type", "Linux26_64")
	v.SetDefault("micro.data_device", "/dev/sda")

	v.SetDefault("guest.probe_attempts", 6)
	v.SetDefault("guest.probe_interval", "5s")
	v.SetDefault("guest.interfaces_path", "/etc/network/interfaces")
	v.SetDefault("guest.primary_interface", "enp0s3")
	v.SetDefault("guest.hostonly_interface", "enp0s8")

	v.SetDefault("ports.min", 2002)
	v.SetDefault("ports.max", 2999)

	v.SetDefault("network.netmask", "255.255.255.0")
	v.SetDefault("storage.controller", "IDE")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.StateDir, &c.SSH.PrivateKey, &c.Micro.PrivateKey, &c.VBoxManage} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %s: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Ports.Min < 1 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Min, c.Ports.Max)
	}
	if c.SSH.RetryAttempts < 1 {
		return fmt.Errorf("ssh.retry_attempts must be at least 1, got %d", c.SSH.RetryAttempts)
	}
	if c.Guest.ProbeAttempts < 1 {
		return fmt.Errorf("guest.probe_attempts must be at least 1, got %d", c.Guest.ProbeAttempts)
	}
	if c.Defaults.CPUs < 1 {
		return fmt.Errorf("defaults.cpus must be at least 1, got %d", c.Defaults.CPUs)
	}
	if c.Defaults.MemoryMB < 4 {
		return fmt.Errorf("defaults.memory_mb must be at least 4, got %d", c.Defaults.MemoryMB)
	}
	if c.ForwardWorkers < 1 {
		return fmt.Errorf("forward_workers must be at least 1, got %d", c.ForwardWorkers)
	}
	return nil
}

// VMsDir returns the directory holding per-VM working files.
func (c *Config) VMsDir() string {
	return filepath.Join(c.StateDir, "vms")
}

// BoxesDir returns the base image cache directory.
func (c *Config) BoxesDir() string {
	return filepath.Join(c.StateDir, "boxes")
}
