// Package output writes anvil machines and host-only adapters as a table,
// YAML or JSON.
package output

import (
	"fmt"
	"io"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/inventory"
)

// Format is an output format name accepted by -o.
type Format string

const (
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
	FormatJSON  Format = "json"
)

// Formatter writes anvil resources.
type Formatter interface {
	// Describe writes everything known about one machine.
	Describe(w io.Writer, m *v1alpha1.Machine) error

	// List writes one entry per machine.
	List(w io.Writer, ms []*v1alpha1.Machine) error

	// Adapters writes host-only adapters.
	Adapters(w io.Writer, adapters []inventory.HostOnlyAdapter) error
}

// Options contains options for formatting output.
type Options struct {
	Format Format

	// NoHeaders omits the header row of table lists.
	NoHeaders bool
}

// NewFormatter returns the Formatter for opts.Format.
func NewFormatter(opts Options) (Formatter, error) {
	if err := ValidateFormat(string(opts.Format)); err != nil {
		return nil, err
	}
	switch opts.Format {
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %q (valid formats: table, yaml, json)", format)
	}
}
