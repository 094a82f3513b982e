package definition

import (
	"fmt"
	"strings"

	"github.com/jorge-barreto/stepwise/internal/fault"
)

// DefaultRetryCeiling is the number of failures a step may absorb before its
// next failure becomes terminal.
const DefaultRetryCeiling = 3

// GateType selects what must happen before a finished step counts as completed.
type GateType string

const (
	GateNone          GateType = "none"
	GateHumanApproval GateType = "human_approval"
	GateValidated     GateType = "validated"
)

// Step declares one unit of work in the graph.
type Step struct {
	ID              string   `yaml:"id" json:"id"`
	DependsOn       []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	RequiredOutputs []string `yaml:"requiredOutputs,omitempty" json:"requiredOutputs,omitempty"`
	Gate            GateType `yaml:"gate,omitempty" json:"gate,omitempty"`
	Validator       string   `yaml:"validator,omitempty" json:"validator,omitempty"`
	Phase           string   `yaml:"phase,omitempty" json:"phase,omitempty"`
	Description     string   `yaml:"description,omitempty" json:"description,omitempty"`
	Run             string   `yaml:"run,omitempty" json:"run,omitempty"`
}

// Gated reports whether completing the step parks it in AWAITING_GATE.
func (s Step) Gated() bool {
	return s.Gate == GateHumanApproval || s.Gate == GateValidated
}

func (s Step) clone() Step {
	s.DependsOn = cloneStrings(s.DependsOn)
	s.RequiredOutputs = cloneStrings(s.RequiredOutputs)
	return s
}

// Definition is a validated, immutable step graph. Build one with New or the
// loaders; the zero value is not usable.
type Definition struct {
	version      string
	name         string
	description  string
	retryCeiling int

	steps      []Step
	index      map[string]int
	dependents map[string][]string
	order      []string
}

// Source is the on-disk shape of a definition.
type Source struct {
	Version      string `yaml:"version" json:"version"`
	Name         string `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	RetryCeiling int    `yaml:"retryCeiling,omitempty" json:"retryCeiling,omitempty"`
	Steps        []Step `yaml:"steps" json:"steps"`
}

// New validates steps and builds a definition bound to version.
func New(version string, steps ...Step) (*Definition, error) {
	return Build(Source{Version: version, Steps: steps})
}

// Build validates src and returns the immutable definition.
func Build(src Source) (*Definition, error) {
	def := &Definition{
		version:      strings.TrimSpace(src.Version),
		name:         src.Name,
		description:  src.Description,
		retryCeiling: src.RetryCeiling,
	}
	if def.version == "" {
		return nil, fault.New(fault.DefinitionError, "'version' is required")
	}
	if def.retryCeiling < 0 {
		return nil, fault.New(fault.DefinitionError, "definition %s: retryCeiling must be >= 0", def.version)
	}
	if len(src.Steps) == 0 {
		return nil, fault.New(fault.DefinitionError, "definition %s: at least one step is required", def.version)
	}

	def.steps = make([]Step, len(src.Steps))
	def.index = make(map[string]int, len(src.Steps))
	for i, s := range src.Steps {
		s = s.clone()
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fault.New(fault.DefinitionError, "definition %s: step %d: 'id' is required", def.version, i+1)
		}
		if _, dup := def.index[s.ID]; dup {
			return nil, fault.New(fault.DefinitionError, "definition %s: duplicate step id %q", def.version, s.ID)
		}
		if s.Gate == "" {
			s.Gate = GateNone
		}
		def.steps[i] = s
		def.index[s.ID] = i
	}

	def.dependents = make(map[string][]string, len(def.steps))
	for _, s := range def.steps {
		if err := def.validateStep(s); err != nil {
			return nil, err
		}
		for _, dep := range s.DependsOn {
			def.dependents[dep] = append(def.dependents[dep], s.ID)
		}
	}

	order, err := topoSort(def.steps, def.index)
	if err != nil {
		return nil, fault.New(fault.DefinitionError, "definition %s: %v", def.version, err)
	}
	def.order = order
	return def, nil
}

func (def *Definition) validateStep(s Step) error {
	switch s.Gate {
	case GateNone, GateHumanApproval:
		if s.Validator != "" {
			return fault.New(fault.DefinitionError, "definition %s: step %q: 'validator' requires gate %q", def.version, s.ID, GateValidated)
		}
	case GateValidated:
		if s.Validator == "" {
			return fault.New(fault.DefinitionError, "definition %s: step %q: validated gate requires a 'validator'", def.version, s.ID)
		}
	default:
		return fault.New(fault.DefinitionError, "definition %s: step %q: unknown gate %q (must be none, human_approval, or validated)", def.version, s.ID, s.Gate)
	}

	seen := make(map[string]bool, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if dep == s.ID {
			return fault.New(fault.DefinitionError, "definition %s: step %q depends on itself", def.version, s.ID)
		}
		if _, ok := def.index[dep]; !ok {
			return fault.New(fault.DefinitionError, "definition %s: step %q depends on unknown step %q", def.version, s.ID, dep)
		}
		if seen[dep] {
			return fault.New(fault.DefinitionError, "definition %s: step %q has duplicate dependency %q", def.version, s.ID, dep)
		}
		seen[dep] = true
	}

	outputs := make(map[string]bool, len(s.RequiredOutputs))
	for _, o := range s.RequiredOutputs {
		if strings.TrimSpace(o) == "" {
			return fault.New(fault.DefinitionError, "definition %s: step %q: output names must be non-empty", def.version, s.ID)
		}
		if outputs[o] {
			return fault.New(fault.DefinitionError, "definition %s: step %q: duplicate output %q", def.version, s.ID, o)
		}
		outputs[o] = true
	}
	return nil
}

// topoSort orders steps so every dependency precedes its dependents. Among
// ready steps the earliest declared wins, which keeps the result stable.
func topoSort(steps []Step, index map[string]int) ([]string, error) {
	indegree := make([]int, len(steps))
	for i, s := range steps {
		indegree[i] = len(s.DependsOn)
	}
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			j := index[dep]
			dependents[j] = append(dependents[j], i)
		}
	}

	done := make([]bool, len(steps))
	order := make([]string, 0, len(steps))
	for len(order) < len(steps) {
		next := -1
		for i := range steps {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cyclic []string
			for i, s := range steps {
				if !done[i] {
					cyclic = append(cyclic, s.ID)
				}
			}
			return nil, fmt.Errorf("dependency cycle among steps %s", strings.Join(cyclic, ", "))
		}
		done[next] = true
		order = append(order, steps[next].ID)
		for _, d := range dependents[next] {
			indegree[d]--
		}
	}
	return order, nil
}

// Version returns the definition's version key.
func (def *Definition) Version() string { return def.version }

// Name returns the optional display name.
func (def *Definition) Name() string { return def.name }

// Description returns the optional description.
func (def *Definition) Description() string { return def.description }

// RetryCeiling returns how many failures a step may absorb and still be
// retried, falling back to DefaultRetryCeiling.
func (def *Definition) RetryCeiling() int {
	if def.retryCeiling == 0 {
		return DefaultRetryCeiling
	}
	return def.retryCeiling
}

// RetryCeilingOverride returns the ceiling declared by the definition itself.
func (def *Definition) RetryCeilingOverride() (int, bool) {
	return def.retryCeiling, def.retryCeiling > 0
}

// Len returns the number of steps.
func (def *Definition) Len() int { return len(def.steps) }

// Step returns a copy of the step with the given id.
func (def *Definition) Step(id string) (Step, bool) {
	i, ok := def.index[id]
	if !ok {
		return Step{}, false
	}
	return def.steps[i].clone(), true
}

// Has reports whether the definition declares id.
func (def *Definition) Has(id string) bool {
	_, ok := def.index[id]
	return ok
}

// Steps returns copies of the steps in declaration order.
func (def *Definition) Steps() []Step {
	out := make([]Step, len(def.steps))
	for i, s := range def.steps {
		out[i] = s.clone()
	}
	return out
}

// StepIDs returns step ids in declaration order.
func (def *Definition) StepIDs() []string {
	ids := make([]string, len(def.steps))
	for i, s := range def.steps {
		ids[i] = s.ID
	}
	return ids
}

// Dependents returns the steps that list id in dependsOn, in declaration order.
func (def *Definition) Dependents(id string) []string {
	return cloneStrings(def.dependents[id])
}

// TransitiveDependents returns every step downstream of id, sorted by
// topological position.
func (def *Definition) TransitiveDependents(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(cur string) {
		for _, d := range def.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				walk(d)
			}
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for _, sid := range def.order {
		if seen[sid] {
			out = append(out, sid)
		}
	}
	return out
}

// TopologicalOrder returns step ids with dependencies first; ties keep
// declaration order.
func (def *Definition) TopologicalOrder() []string {
	return cloneStrings(def.order)
}

// Source returns the serialisable form of the definition.
func (def *Definition) Source() Source {
	return Source{
		Version:      def.version,
		Name:         def.name,
		Description:  def.description,
		RetryCeiling: def.retryCeiling,
		Steps:        def.Steps(),
	}
}

// Phases groups step ids by phase label in topological order. Steps without a
// phase are grouped under "".
func (def *Definition) Phases() (labels []string, members map[string][]string) {
	members = make(map[string][]string)
	for _, id := range def.order {
		s := def.steps[def.index[id]]
		if _, ok := members[s.Phase]; !ok {
			labels = append(labels, s.Phase)
		}
		members[s.Phase] = append(members[s.Phase], id)
	}
	return labels, members
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
