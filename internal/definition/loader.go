package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jorge-barreto/stepwise/internal/fault"
)

// Parse decodes a YAML or JSON definition and validates it. Unknown fields
// are rejected so typos surface at load time.
func Parse(data []byte) (*Definition, error) {
	var src Source
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&src); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fault.New(fault.DefinitionError, "definition is empty")
		}
		return nil, fault.Wrap(fault.DefinitionError, "parse definition", err)
	}
	return Build(src)
}

// LoadReader reads a definition from r.
func LoadReader(r io.Reader) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading definition: %w", err)
	}
	return Parse(data)
}

// LoadFile reads a definition file from disk.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Marshal renders def as YAML.
func Marshal(def *Definition) ([]byte, error) {
	return yaml.Marshal(def.Source())
}
