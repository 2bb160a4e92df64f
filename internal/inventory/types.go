// Package inventory reads VirtualBox state through VBoxManage and parses
// its text output.
//
// Nothing is cached. Existence, power state and forwarding rules are always
// re-queried because other tools (the VirtualBox GUI, a second shell) can
// change them between calls.
package inventory

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StateNotFound is the VMState reported by Info for an unknown machine.
const StateNotFound = "not_found"

// VirtualMachine is one entry of `VBoxManage list vms`.
type VirtualMachine struct {
	Name string `json:"name" yaml:"name"`
	ID   string `json:"id" yaml:"id"`
}

// MachineInfo is the key/value view of `showvminfo --machinereadable`.
type MachineInfo map[string]string

// State returns the VMState field ("running", "poweroff", "saved", ...).
func (m MachineInfo) State() string {
	return m["VMState"]
}

// NotFound reports whether this is the sentinel for an unknown machine.
func (m MachineInfo) NotFound() bool {
	return m.State() == StateNotFound
}

// IsRunning reports whether the machine is running.
func (m MachineInfo) IsRunning() bool {
	return m.State() == "running"
}

// ForwardRules returns the NAT forwarding rules of the machine, ordered by
// their Forwarding(n) index.
func (m MachineInfo) ForwardRules() ([]ForwardRule, error) {
	type indexed struct {
		index int
		rule  ForwardRule
	}
	var found []indexed

	for key, value := range m {
		if !strings.HasPrefix(key, "Forwarding(") || !strings.HasSuffix(key, ")") {
			continue
		}
		idx, err := strconv.Atoi(key[len("Forwarding(") : len(key)-1])
		if err != nil {
			return nil, &ParseError{Source: "showvminfo", Line: key, Reason: "invalid forwarding index"}
		}
		rule, err := ParseForwardRule(value)
		if err != nil {
			return nil, err
		}
		found = append(found, indexed{index: idx, rule: rule})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })
	rules := make([]ForwardRule, 0, len(found))
	for _, f := range found {
		rules = append(rules, f.rule)
	}
	return rules, nil
}

// ForwardRule is a NAT port-forwarding rule as stored by VirtualBox.
type ForwardRule struct {
	Label     string `json:"label" yaml:"label"`
	Protocol  string `json:"protocol" yaml:"protocol"`
	HostIP    string `json:"hostIP,omitempty" yaml:"hostIP,omitempty"`
	HostPort  int    `json:"hostPort" yaml:"hostPort"`
	GuestIP   string `json:"guestIP,omitempty" yaml:"guestIP,omitempty"`
	GuestPort int    `json:"guestPort" yaml:"guestPort"`
}

// String renders the rule in the form accepted by --natpf<n>.
func (r ForwardRule) String() string {
	return fmt.Sprintf("%s,%s,%s,%d,%s,%d", r.Label, r.Protocol, r.HostIP, r.HostPort, r.GuestIP, r.GuestPort)
}

// HostOnlyAdapter is one block of `VBoxManage list hostonlyifs`.
type HostOnlyAdapter struct {
	Name        string            `json:"name" yaml:"name"`
	IPAddress   string            `json:"ipAddress" yaml:"ipAddress"`
	NetworkMask string            `json:"networkMask" yaml:"networkMask"`
	Status      string            `json:"status" yaml:"status"`
	Fields      map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// ParseError reports VBoxManage output that could not be understood.
type ParseError struct {
	Source string
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s output: %s: %q", e.Source, e.Reason, e.Line)
}
