package inventory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVMList(t *testing.T) {
	out := "\"t1\" {0b1c4f2e-1111-2222-3333-444455556666}\r\n" +
		"\"with space\" {aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee}\n\n"

	vms, err := ParseVMList(out)
	require.NoError(t, err)
	require.Len(t, vms, 2)
	assert.Equal(t, VirtualMachine{Name: "t1", ID: "0b1c4f2e-1111-2222-3333-444455556666"}, vms[0])
	assert.Equal(t, "with space", vms[1].Name)
}

func TestParseVMList_Empty(t *testing.T) {
	vms, err := ParseVMList("")
	require.NoError(t, err)
	assert.Empty(t, vms)
}

func TestParseVMList_Malformed(t *testing.T) {
	_, err := ParseVMList("t1 0b1c4f2e")
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "list vms", parseErr.Source)
}

func TestParseMachineReadable(t *testing.T) {
	out := `name="t1"
VMState="running"
memory=1024
"Forwarding(0)"="guestssh,tcp,,2002,,22"
Forwarding(1)="web,tcp,,8080,,80"
description="line one
line two"
` + "cpus=2\r\n"

	info, err := ParseMachineReadable(out)
	require.NoError(t, err)
	assert.Equal(t, "t1", info["name"])
	assert.Equal(t, "running", info.State())
	assert.True(t, info.IsRunning())
	assert.Equal(t, "1024", info["memory"])
	assert.Equal(t, "2", info["cpus"])
	assert.Equal(t, "line one\nline two", info["description"])

	rules, err := info.ForwardRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, ForwardRule{Label: "guestssh", Protocol: "tcp", HostPort: 2002, GuestPort: 22}, rules[0])
	assert.Equal(t, 8080, rules[1].HostPort)
}

func TestParseMachineReadable_Malformed(t *testing.T) {
	_, err := ParseMachineReadable("this is not machine readable")
	var parseErr *ParseError
	assert.True(t, errors.As(err, &parseErr))

	_, err = ParseMachineReadable("description=\"never closed\nstill open")
	assert.True(t, errors.As(err, &parseErr))
}

func TestParseHostOnlyIfs(t *testing.T) {
	out := `Name:            vboxnet0
GUID:            786f6276-656e-4074-8000-0a0027000000
DHCP:            Disabled
IPAddress:       192.168.56.1
NetworkMask:     255.255.255.0
IPV6Address:     fe80::800:27ff:fe00:0
Status:          Up

Name:            vboxnet1
IPAddress:       172.16.1.1
NetworkMask:     255.255.255.0
Status:          Down
`
	adapters, err := ParseHostOnlyIfs(out)
	require.NoError(t, err)
	require.Len(t, adapters, 2)

	assert.Equal(t, "vboxnet0", adapters[0].Name)
	assert.Equal(t, "192.168.56.1", adapters[0].IPAddress)
	assert.Equal(t, "Up", adapters[0].Status)
	assert.Equal(t, "fe80::800:27ff:fe00:0", adapters[0].Fields["IPV6Address"])

	assert.Equal(t, "vboxnet1", adapters[1].Name)
	assert.Equal(t, "172.16.1.1", adapters[1].IPAddress)
}

func TestParseHostOnlyIfs_CRLF(t *testing.T) {
	out := "Name:            VirtualBox Host-Only Ethernet Adapter\r\nIPAddress:       192.168.56.1\r\n\r\n"
	adapters, err := ParseHostOnlyIfs(out)
	require.NoError(t, err)
	require.Len(t, adapters, 1)
	assert.Equal(t, "VirtualBox Host-Only Ethernet Adapter", adapters[0].Name)
	assert.Equal(t, "192.168.56.1", adapters[0].IPAddress)
}

func TestParseHostOnlyIfs_Malformed(t *testing.T) {
	var parseErr *ParseError

	_, err := ParseHostOnlyIfs("garbage line")
	assert.True(t, errors.As(err, &parseErr))

	_, err = ParseHostOnlyIfs("IPAddress: 10.0.0.1\n")
	assert.True(t, errors.As(err, &parseErr))
}

func TestParseSystemProperties(t *testing.T) {
	out := "API version:                     7_0\r\nDefault machine folder:          C:\\Users\\me\\VirtualBox VMs\r\n"
	props, err := ParseSystemProperties(out)
	require.NoError(t, err)
	assert.Equal(t, `C:\Users\me\VirtualBox VMs`, props["Default machine folder"])
	assert.Equal(t, "7_0", props["API version"])
}

func TestParseForwardRule(t *testing.T) {
	rule, err := ParseForwardRule(`"guestssh,tcp,127.0.0.1,2050,,22"`)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", rule.HostIP)
	assert.Equal(t, 2050, rule.HostPort)
	assert.Equal(t, "guestssh,tcp,127.0.0.1,2050,,22", rule.String())

	for _, bad := range []string{"guestssh,tcp,,2050", "a,tcp,,x,,22", "a,tcp,,1,,y"} {
		_, err := ParseForwardRule(bad)
		assert.Error(t, err, bad)
	}
}
