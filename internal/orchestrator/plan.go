package orchestrator

import (
	"github.com/jorge-barreto/stepwise/internal/definition"
)

// PlanStep is one row of a dry-run execution plan.
type PlanStep struct {
	Position        int                 `json:"position"`
	ID              string              `json:"id"`
	Phase           string              `json:"phase,omitempty"`
	Description     string              `json:"description,omitempty"`
	DependsOn       []string            `json:"dependsOn,omitempty"`
	RequiredOutputs []string            `json:"requiredOutputs,omitempty"`
	Gate            definition.GateType `json:"gate,omitempty"`
	Validator       string              `json:"validator,omitempty"`
	// GateMode is the configured run override for a human gate, if any.
	GateMode string `json:"gateMode,omitempty"`
	// Wave is the earliest round in which the step could run if every
	// earlier round completed at once. Steps in one wave are independent.
	Wave int `json:"wave"`
}

// Plan lays out a definition in execution order without touching any
// manifest.
func (o *Orchestrator) Plan(definitionVersion string) ([]PlanStep, error) {
	def, err := o.catalog.Get(definitionVersion)
	if err != nil {
		return nil, err
	}
	return BuildPlan(def), nil
}

// BuildPlan computes the plan for def.
func BuildPlan(def *definition.Definition) []PlanStep {
	waves := make(map[string]int)
	var plan []PlanStep
	for i, id := range def.TopologicalOrder() {
		s, _ := def.Step(id)
		wave := 1
		for _, dep := range s.DependsOn {
			if waves[dep]+1 > wave {
				wave = waves[dep] + 1
			}
		}
		waves[id] = wave
		plan = append(plan, PlanStep{
			Position:        i + 1,
			ID:              id,
			Phase:           s.Phase,
			Description:     s.Description,
			DependsOn:       s.DependsOn,
			RequiredOutputs: s.RequiredOutputs,
			Gate:            s.Gate,
			Validator:       s.Validator,
			Wave:            wave,
		})
	}
	return plan
}
