package output

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/inventory"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// Describe writes one "Field:  value" line per known attribute of m.
func (f *TableFormatter) Describe(w io.Writer, m *v1alpha1.Machine) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	row := func(field, value string) {
		if field != "" {
			field += ":"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", field, value)
	}
	optional := func(field, value string) {
		if value != "" {
			row(field, value)
		}
	}

	row("Name", m.Name)
	row("State", orDash(m.Status.State))
	row("Phase", orDash(string(m.Status.Phase)))
	optional("Image", m.Spec.Image)
	optional("Install medium", m.Spec.InstallMedium)
	optional("ISO", m.Spec.ISO)
	row("CPUs", intOrDash(m.Spec.CPUs, ""))
	row("Memory", intOrDash(m.Spec.MemoryMB, " MB"))
	row("SSH", sshEndpoint(m))
	optional("IP", hostOnlyIP(m))
	optional("Host-only adapter", m.Status.HostOnlyAdapter)
	optional("MAC", m.Status.MACAddress)
	if m.Spec.DataDiskMB > 0 {
		row("Data disk", fmt.Sprintf("%d MB at %s", m.Spec.DataDiskMB, orDash(m.Spec.DataDiskMount)))
	}
	for i, fp := range m.Spec.ForwardPorts {
		row(label("Forwards", i), fp.String())
	}
	for i, sf := range m.Spec.SyncFolders {
		row(label("Shared folders", i), sf.String())
	}
	for i, c := range m.Status.Conditions {
		row(label("Conditions", i), condition(c))
	}
	optional("Failure", m.Status.FailureMessage)
	optional("Run", m.Status.RunID)
	row("Age", age(m.CreationTimestamp))

	return tw.Flush()
}

// List writes a table with one row per machine.
func (f *TableFormatter) List(w io.Writer, ms []*v1alpha1.Machine) error {
	if len(ms) == 0 {
		_, err := fmt.Fprintln(w, "No VMs found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPHASE\tSSH\tIP\tCPUS\tMEMORY\tAGE")
	}
	for _, m := range ms {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.Name,
			orDash(m.Status.State),
			orDash(string(m.Status.Phase)),
			intOrDash(m.Status.SSHPort, ""),
			orDash(hostOnlyIP(m)),
			intOrDash(m.Spec.CPUs, ""),
			intOrDash(m.Spec.MemoryMB, " MB"),
			age(m.CreationTimestamp),
		)
	}
	return tw.Flush()
}

// Adapters writes a table of host-only adapters.
func (f *TableFormatter) Adapters(w io.Writer, adapters []inventory.HostOnlyAdapter) error {
	if len(adapters) == 0 {
		_, err := fmt.Fprintln(w, "No host-only adapters found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !f.NoHeaders {
		_, _ = fmt.Fprintln(tw, "NAME\tIP\tNETMASK\tSTATUS")
	}
	for _, a := range adapters {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			a.Name, orDash(a.IPAddress), orDash(a.NetworkMask), orDash(a.Status))
	}
	return tw.Flush()
}

// label names only the first row of a repeated field.
func label(field string, i int) string {
	if i == 0 {
		return field
	}
	return ""
}

func sshEndpoint(m *v1alpha1.Machine) string {
	port := m.Status.SSHPort
	if port == 0 {
		port = m.Spec.SSHPort
	}
	if port == 0 {
		return "-"
	}
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func condition(c v1alpha1.Condition) string {
	s := fmt.Sprintf("%s=%s", c.Type, c.Status)
	if c.Reason != "" {
		s += " (" + c.Reason + ")"
	}
	if c.Message != "" {
		s += ": " + c.Message
	}
	return s
}

func hostOnlyIP(m *v1alpha1.Machine) string {
	for _, a := range m.Status.Addresses {
		if a.Type == v1alpha1.AddressHostOnlyIP {
			return a.Address
		}
	}
	return m.Spec.IP
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func intOrDash(n int, suffix string) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

func age(t v1alpha1.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatAge(time.Since(t.Time))
}

// formatAge formats a duration as a human-readable age string.
// Examples: "5s", "2m", "3h", "4d", "2w", "1y"
func formatAge(d time.Duration) string {
	if d < 0 {
		return "unknown"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	if hours < 24 {
		return fmt.Sprintf("%dh", hours)
	}

	days := hours / 24
	if days < 7 {
		return fmt.Sprintf("%dd", days)
	}

	weeks := days / 7
	if weeks < 8 {
		return fmt.Sprintf("%dw", weeks)
	}

	if years := days / 365; years > 0 {
		return fmt.Sprintf("%dy", years)
	}
	return fmt.Sprintf("%dd", days)
}
