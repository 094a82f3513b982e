package gate

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
)

// Predicate inspects a step's recorded outputs. A non-nil error is the reason
// the step needs revision.
type Predicate func(step definition.Step, outputs map[string]string) error

// Registry maps validator names to predicates.
type Registry struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{preds: make(map[string]Predicate)}
}

// Builtins returns a registry holding non-empty, refs-are-paths and
// has-content-hash.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("non-empty", NonEmpty)
	r.Register("refs-are-paths", RefsArePaths)
	r.Register("has-content-hash", HasContentHash)
	return r
}

// Register adds or replaces a predicate.
func (r *Registry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preds[name] = p
}

// Get looks up a predicate by name.
func (r *Registry) Get(name string) (Predicate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.preds[name]
	if !ok {
		return nil, fault.New(fault.DefinitionError, "unknown validator %q", name)
	}
	return p, nil
}

// Names lists the registered predicates.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.preds))
	for n := range r.preds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckDefinition reports validated gates that name an unregistered predicate.
func (r *Registry) CheckDefinition(def *definition.Definition) error {
	for _, s := range def.Steps() {
		if s.Gate != definition.GateValidated {
			continue
		}
		if _, err := r.Get(s.Validator); err != nil {
			return fmt.Errorf("definition %s: step %q: %w", def.Version(), s.ID, err)
		}
	}
	return nil
}

func requiredRefs(step definition.Step, outputs map[string]string) []string {
	names := step.RequiredOutputs
	if len(names) == 0 {
		for n := range outputs {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	return names
}

// NonEmpty requires every output reference to be non-blank.
func NonEmpty(step definition.Step, outputs map[string]string) error {
	if len(outputs) == 0 {
		return errors.New("no outputs recorded")
	}
	var empty []string
	for _, name := range requiredRefs(step, outputs) {
		if strings.TrimSpace(outputs[name]) == "" {
			empty = append(empty, name)
		}
	}
	if len(empty) > 0 {
		return fmt.Errorf("empty outputs: %s", strings.Join(empty, ", "))
	}
	return nil
}

// RefsArePaths requires relative slash-separated paths that stay inside the
// artifacts tree. A trailing #fragment is ignored.
func RefsArePaths(step definition.Step, outputs map[string]string) error {
	var bad []string
	for _, name := range requiredRefs(step, outputs) {
		ref, _, _ := strings.Cut(outputs[name], "#")
		if !isRelativePath(ref) {
			bad = append(bad, fmt.Sprintf("%s=%q", name, outputs[name]))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("outputs are not relative paths: %s", strings.Join(bad, ", "))
	}
	return nil
}

func isRelativePath(ref string) bool {
	if ref == "" || strings.Contains(ref, `\`) || path.IsAbs(ref) {
		return false
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." || part == "" {
			return false
		}
	}
	return true
}

// HasContentHash requires every reference to carry a sha256 digest.
func HasContentHash(step definition.Step, outputs map[string]string) error {
	var bad []string
	for _, name := range requiredRefs(step, outputs) {
		_, frag, ok := strings.Cut(outputs[name], "#")
		if !ok || !strings.HasPrefix(frag, "sha256:") || len(frag) != len("sha256:")+64 {
			bad = append(bad, name)
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("outputs without sha256 digest: %s", strings.Join(bad, ", "))
	}
	return nil
}
