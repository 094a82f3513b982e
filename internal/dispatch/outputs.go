package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// CollectOutputs looks for each required output under dir and returns a
// content-addressed reference for every one it finds, relative to root when
// possible: "path#sha256:<hex>".
func CollectOutputs(root, dir string, required []string) (map[string]string, []string) {
	outputs := make(map[string]string, len(required))
	var missing []string
	for _, name := range required {
		path := filepath.Join(dir, name)
		ref, err := HashRef(root, path)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		outputs[name] = ref
	}
	return outputs, missing
}

// HashRef returns the reference for the regular file at path.
func HashRef(root, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", path)
	}
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	ref := path
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		ref = filepath.ToSlash(rel)
	}
	return ref + "#sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Inputs is the bundle handed to a generator: what its dependencies produced
// and any reviewer feedback from earlier attempts.
type Inputs struct {
	Feature      string                       `yaml:"feature"`
	Definition   string                       `yaml:"definition"`
	Step         string                       `yaml:"step"`
	Description  string                       `yaml:"description,omitempty"`
	Attempt      int                          `yaml:"attempt"`
	Dependencies map[string]map[string]string `yaml:"dependencies,omitempty"`
	Feedback     string                       `yaml:"feedback,omitempty"`
}

// GatherInputs builds the bundle for stepID from the committed manifest.
func GatherInputs(m *manifest.Manifest, def *definition.Definition, stepID string) (*Inputs, error) {
	step, ok := def.Step(stepID)
	if !ok {
		return nil, fmt.Errorf("unknown step %q", stepID)
	}
	st := m.StepStates[stepID]
	in := &Inputs{
		Feature:     m.FeatureID,
		Definition:  def.Version(),
		Step:        stepID,
		Description: step.Description,
		Attempt:     st.Attempts + 1,
		Feedback:    st.Err(),
	}
	for _, dep := range step.DependsOn {
		outs := m.StepStates[dep].Outputs
		if len(outs) == 0 {
			continue
		}
		if in.Dependencies == nil {
			in.Dependencies = make(map[string]map[string]string)
		}
		cp := make(map[string]string, len(outs))
		for k, v := range outs {
			cp[k] = v
		}
		in.Dependencies[dep] = cp
	}
	return in, nil
}

// WriteInputs stores the bundle under the feature's inputs directory and
// returns its path.
func WriteInputs(artifactsDir string, in *Inputs) (string, error) {
	if err := EnsureDir(artifactsDir, in.Feature); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return "", err
	}
	path := filepath.Join(FeatureDir(artifactsDir, in.Feature), "inputs", in.Step+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing inputs for %s: %w", in.Step, err)
	}
	return path, nil
}
