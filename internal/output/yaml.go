package output

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/inventory"
)

// YAMLFormatter writes manifests that `anvil provision -f` accepts. Lists
// are written as a stream of documents.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Describe(w io.Writer, m *v1alpha1.Machine) error {
	return f.List(w, []*v1alpha1.Machine{m})
}

func (f *YAMLFormatter) List(w io.Writer, ms []*v1alpha1.Machine) error {
	docs := make([]any, 0, len(ms))
	for _, m := range ms {
		v1alpha1.SetDefaultAPIVersion(m)
		docs = append(docs, m)
	}
	return encodeYAML(w, docs...)
}

func (f *YAMLFormatter) Adapters(w io.Writer, adapters []inventory.HostOnlyAdapter) error {
	if len(adapters) == 0 {
		return nil
	}
	return encodeYAML(w, adapters)
}

// encodeYAML writes docs separated by ---. Nothing is written for no docs.
func encodeYAML(w io.Writer, docs ...any) error {
	if len(docs) == 0 {
		return nil
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
	}
	return enc.Close()
}
