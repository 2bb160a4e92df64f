package inventory

import (
	"bufio"
	"strconv"
	"strings"
)

// lines splits output into trimmed lines, tolerating CRLF.
func lines(out string) []string {
	var result []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		result = append(result, strings.TrimRight(scanner.Text(), "\r"))
	}
	return result
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// ParseVMList parses `VBoxManage list vms`:
//
//	"t1" {0b1c4f2e-...}
func ParseVMList(out string) ([]VirtualMachine, error) {
	var vms []VirtualMachine
	for _, line := range lines(out) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		open := strings.LastIndex(line, "{")
		if open < 0 || !strings.HasSuffix(line, "}") {
			return nil, &ParseError{Source: "list vms", Line: line, Reason: "missing {id}"}
		}
		name := strings.TrimSpace(line[:open])
		if len(name) < 2 || name[0] != '"' || name[len(name)-1] != '"' {
			return nil, &ParseError{Source: "list vms", Line: line, Reason: "missing quoted name"}
		}

		vms = append(vms, VirtualMachine{
			Name: name[1 : len(name)-1],
			ID:   line[open+1 : len(line)-1],
		})
	}
	return vms, nil
}

// ParseMachineReadable parses `showvminfo --machinereadable`. Keys and values
// may be quoted; a quoted value may span several lines.
func ParseMachineReadable(out string) (MachineInfo, error) {
	info := MachineInfo{}
	all := lines(out)

	for i := 0; i < len(all); i++ {
		line := strings.TrimSpace(all[i])
		if line == "" {
			continue
		}

		eq := strings.Index(line, "=")
		if eq <= 0 {
			return nil, &ParseError{Source: "showvminfo", Line: line, Reason: "expected key=value"}
		}
		key := unquote(line[:eq])
		raw := strings.TrimSpace(line[eq+1:])

		if strings.HasPrefix(raw, `"`) && (len(raw) == 1 || !strings.HasSuffix(raw, `"`)) {
			var b strings.Builder
			b.WriteString(raw)
			closed := false
			for i+1 < len(all) {
				i++
				b.WriteString("\n")
				b.WriteString(all[i])
				if strings.HasSuffix(strings.TrimSpace(all[i]), `"`) {
					closed = true
					break
				}
			}
			if !closed {
				return nil, &ParseError{Source: "showvminfo", Line: line, Reason: "unterminated quoted value"}
			}
			raw = strings.TrimSpace(b.String())
		}

		info[key] = unquote(raw)
	}
	return info, nil
}

// ParseHostOnlyIfs parses `VBoxManage list hostonlyifs`: blocks of
// "Key: Value" lines separated by blank lines.
func ParseHostOnlyIfs(out string) ([]HostOnlyAdapter, error) {
	var adapters []HostOnlyAdapter
	fields := map[string]string{}

	flush := func() error {
		if len(fields) == 0 {
			return nil
		}
		name := fields["Name"]
		if name == "" {
			return &ParseError{Source: "list hostonlyifs", Line: fields["GUID"], Reason: "adapter block without Name"}
		}
		adapters = append(adapters, HostOnlyAdapter{
			Name:        name,
			IPAddress:   fields["IPAddress"],
			NetworkMask: fields["NetworkMask"],
			Status:      fields["Status"],
			Fields:      fields,
		})
		fields = map[string]string{}
		return nil
	}

	for _, line := range lines(out) {
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ParseError{Source: "list hostonlyifs", Line: line, Reason: "expected Key: Value"}
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return adapters, nil
}

// ParseSystemProperties parses `VBoxManage list systemproperties`.
func ParseSystemProperties(out string) (map[string]string, error) {
	props := map[string]string{}
	for _, line := range lines(out) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ParseError{Source: "list systemproperties", Line: line, Reason: "expected Key: Value"}
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props, nil
}

// ParseForwardRule parses the value of a Forwarding(n) entry:
//
//	guestssh,tcp,,2002,,22
func ParseForwardRule(value string) (ForwardRule, error) {
	parts := strings.Split(unquote(value), ",")
	if len(parts) != 6 {
		return ForwardRule{}, &ParseError{Source: "showvminfo", Line: value, Reason: "forwarding rule needs 6 fields"}
	}
	hostPort, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return ForwardRule{}, &ParseError{Source: "showvminfo", Line: value, Reason: "invalid host port"}
	}
	guestPort, err := strconv.Atoi(strings.TrimSpace(parts[5]))
	if err != nil {
		return ForwardRule{}, &ParseError{Source: "showvminfo", Line: value, Reason: "invalid guest port"}
	}
	return ForwardRule{
		Label:     parts[0],
		Protocol:  parts[1],
		HostIP:    parts[2],
		HostPort:  hostPort,
		GuestIP:   parts[4],
		GuestPort: guestPort,
	}, nil
}
