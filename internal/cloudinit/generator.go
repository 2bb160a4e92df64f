// Package cloudinit builds NoCloud seed images for micro machines.
//
// A micro machine boots a live install medium that runs cloud-init. The seed
// image carries the SSH key anvil later connects with.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Seed is the input of a seed image.
type Seed struct {
	// Hostname is the guest hostname, normally the VM name.
	Hostname string

	// InstanceID identifies this boot to cloud-init. Empty generates one.
	InstanceID string

	// AuthorizedKeys are public keys in authorized_keys format.
	AuthorizedKeys []string
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname          string   `yaml:"hostname"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
	DisableRoot       bool     `yaml:"disable_root"`
	SSHPasswordAuth   bool     `yaml:"ssh_pwauth"`
	Output            *Output  `yaml:"output,omitempty"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

func (s *Seed) validate() error {
	if s == nil {
		return fmt.Errorf("seed cannot be nil")
	}
	if strings.TrimSpace(s.Hostname) == "" {
		return fmt.Errorf("seed hostname cannot be empty")
	}
	return nil
}

// GenerateUserData returns the user-data file including the "#cloud-config"
// header. Root login stays enabled: micro guests are reached as root.
func GenerateUserData(s *Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	keys := make([]string, 0, len(s.AuthorizedKeys))
	for _, k := range s.AuthorizedKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	userData := UserData{
		Hostname:          s.Hostname,
		SSHAuthorizedKeys: keys,
		DisableRoot:       false,
		SSHPasswordAuth:   false,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData returns the meta-data file. A fresh instance-id makes
// cloud-init treat a recreated machine of the same name as a first boot.
func GenerateMetaData(s *Seed) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}

	id := s.InstanceID
	if id == "" {
		id = "anvil-" + uuid.New().String()
	}

	yamlBytes, err := yaml.Marshal(&MetaData{
		InstanceID:    id,
		LocalHostname: s.Hostname,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(yamlBytes), nil
}
