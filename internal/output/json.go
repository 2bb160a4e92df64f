package output

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/inventory"
)

// JSONFormatter writes indented JSON. Lists are always arrays, empty or not.
type JSONFormatter struct{}

func (f *JSONFormatter) Describe(w io.Writer, m *v1alpha1.Machine) error {
	v1alpha1.SetDefaultAPIVersion(m)
	return encodeJSON(w, m)
}

func (f *JSONFormatter) List(w io.Writer, ms []*v1alpha1.Machine) error {
	for _, m := range ms {
		v1alpha1.SetDefaultAPIVersion(m)
	}
	if ms == nil {
		ms = []*v1alpha1.Machine{}
	}
	return encodeJSON(w, ms)
}

func (f *JSONFormatter) Adapters(w io.Writer, adapters []inventory.HostOnlyAdapter) error {
	if adapters == nil {
		adapters = []inventory.HostOnlyAdapter{}
	}
	return encodeJSON(w, adapters)
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
