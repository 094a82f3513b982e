// Package gate decides when a finished step may count as completed.
package gate

import (
	"time"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/machine"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// AutoReviewer is the decidedBy value for decisions made in auto mode.
const AutoReviewer = "auto"

// Controller records gate decisions and evaluates validated gates.
type Controller struct {
	validators *Registry
	policy     machine.Policy
}

// New returns a controller using validators for validated gates. A nil
// registry means the built-in predicates.
func New(validators *Registry, p machine.Policy) *Controller {
	if validators == nil {
		validators = Builtins()
	}
	return &Controller{validators: validators, policy: p}
}

// Validators returns the predicate registry.
func (c *Controller) Validators() *Registry { return c.validators }

// RequiresGate reports the gate type of stepID.
func RequiresGate(def *definition.Definition, stepID string) definition.GateType {
	s, ok := def.Step(stepID)
	if !ok {
		return definition.GateNone
	}
	return s.Gate
}

// RecordDecision appends decision to the step's review history and applies
// it. The step must be AWAITING_GATE.
func (c *Controller) RecordDecision(m *manifest.Manifest, def *definition.Definition, stepID string, d manifest.GateDecision) (*manifest.Manifest, machine.Outcome, error) {
	if !def.Has(stepID) {
		return nil, machine.Outcome{}, fault.New(fault.NotFound, "definition %s has no such step", def.Version()).WithStep(m.FeatureID, stepID)
	}
	if st := m.Status(stepID); st != manifest.StatusAwaitingGate {
		return nil, machine.Outcome{}, fault.New(fault.NoPendingGate, "step is %s", st).WithStep(m.FeatureID, stepID)
	}
	if d.DecidedBy == "" {
		d.DecidedBy = "unknown"
	}
	return machine.Apply(m, def, stepID, machine.Decide(d.Timestamp, d), c.policy)
}

// Evaluate runs the predicate of a validated gate that is waiting for review
// and records its verdict. It reports false when the step is not a pending
// validated gate.
func (c *Controller) Evaluate(m *manifest.Manifest, def *definition.Definition, stepID string, at time.Time) (*manifest.Manifest, machine.Outcome, bool, error) {
	s, ok := def.Step(stepID)
	if !ok || s.Gate != definition.GateValidated || m.Status(stepID) != manifest.StatusAwaitingGate {
		return m, machine.Outcome{}, false, nil
	}
	pred, err := c.validators.Get(s.Validator)
	if err != nil {
		return nil, machine.Outcome{}, false, err
	}
	d := manifest.GateDecision{
		DecidedBy: "validator:" + s.Validator,
		Decision:  manifest.Approved,
		Timestamp: at,
	}
	if err := pred(s, m.StepStates[stepID].Outputs); err != nil {
		d.Decision = manifest.Revise
		d.Notes = err.Error()
	}
	next, out, err := c.RecordDecision(m, def, stepID, d)
	if err != nil {
		return nil, machine.Outcome{}, false, err
	}
	return next, out, true, nil
}

// AutoApprove approves a pending human gate on behalf of an unattended run.
// Validated gates are left to Evaluate.
func (c *Controller) AutoApprove(m *manifest.Manifest, def *definition.Definition, stepID string, at time.Time) (*manifest.Manifest, machine.Outcome, error) {
	if RequiresGate(def, stepID) != definition.GateHumanApproval {
		return nil, machine.Outcome{}, fault.New(fault.NoPendingGate, "step has no human gate").WithStep(m.FeatureID, stepID)
	}
	return c.RecordDecision(m, def, stepID, manifest.GateDecision{
		DecidedBy: AutoReviewer,
		Decision:  manifest.Approved,
		Timestamp: at,
		Notes:     "approved automatically",
	})
}
