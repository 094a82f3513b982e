// Package machine implements the step lifecycle as a pure transition
// function over manifests.
package machine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

// DefaultStaleAfter is how long a step may stay IN_PROGRESS before an
// unforced reset is allowed.
const DefaultStaleAfter = 30 * time.Minute

// Policy carries the tunables that are not part of a definition.
type Policy struct {
	// RetryCeiling applies when the definition does not declare its own.
	RetryCeiling int
	StaleAfter   time.Duration
}

// DefaultPolicy returns the stock retry ceiling and staleness timeout.
func DefaultPolicy() Policy {
	return Policy{RetryCeiling: definition.DefaultRetryCeiling, StaleAfter: DefaultStaleAfter}
}

// Ceiling is the retry ceiling in force for def.
func (p Policy) Ceiling(def *definition.Definition) int {
	if n, ok := def.RetryCeilingOverride(); ok {
		return n
	}
	if p.RetryCeiling > 0 {
		return p.RetryCeiling
	}
	return definition.DefaultRetryCeiling
}

func (p Policy) staleAfter() time.Duration {
	if p.StaleAfter > 0 {
		return p.StaleAfter
	}
	return DefaultStaleAfter
}

// Outcome summarises what a transition did.
type Outcome struct {
	Step string
	From manifest.Status
	To   manifest.Status
	// Retried is set when a failure re-armed the step.
	Retried bool
	// Exhausted is set when a failure exceeded the retry ceiling.
	Exhausted bool
	// Unblocked lists steps that became ELIGIBLE as a consequence.
	Unblocked []string
	// Blocked lists steps that became BLOCKED as a consequence.
	Blocked []string
}

// Init builds the starting manifest for a feature: dependency-free steps are
// ELIGIBLE, the rest PENDING.
func Init(def *definition.Definition, featureID string, at time.Time) *manifest.Manifest {
	m := manifest.New(featureID, def.Version(), at)
	for _, id := range def.StepIDs() {
		m.StepStates[id] = manifest.StepState{Status: manifest.StatusPending, UpdatedAt: at}
	}
	settle(m, def, at)
	return m
}

// ComputeEligible returns, in topological order, the steps that may begin:
// PENDING or ELIGIBLE with every dependency COMPLETED.
func ComputeEligible(m *manifest.Manifest, def *definition.Definition) []string {
	var out []string
	for _, id := range def.TopologicalOrder() {
		st := m.Status(id)
		if st != manifest.StatusPending && st != manifest.StatusEligible {
			continue
		}
		if depsCompleted(m, def, id) {
			out = append(out, id)
		}
	}
	return out
}

func depsCompleted(m *manifest.Manifest, def *definition.Definition, id string) bool {
	s, _ := def.Step(id)
	for _, dep := range s.DependsOn {
		if m.Status(dep) != manifest.StatusCompleted {
			return false
		}
	}
	return true
}

// Apply returns the manifest that results from applying ev to stepID. The
// input manifest is never modified. On error the returned manifest is nil.
func Apply(m *manifest.Manifest, def *definition.Definition, stepID string, ev Event, p Policy) (*manifest.Manifest, Outcome, error) {
	if m.DefinitionVersion != def.Version() {
		return nil, Outcome{}, fault.New(fault.DefinitionError,
			"manifest is bound to definition %q, got %q", m.DefinitionVersion, def.Version()).WithStep(m.FeatureID, "")
	}
	spec, ok := def.Step(stepID)
	if !ok {
		return nil, Outcome{}, fault.New(fault.NotFound, "definition %s has no such step", def.Version()).WithStep(m.FeatureID, stepID)
	}
	cur, ok := m.Step(stepID)
	if !ok {
		return nil, Outcome{}, fault.New(fault.NotFound, "manifest has no state for step").WithStep(m.FeatureID, stepID)
	}

	next := m.Clone()
	t := &transition{m: next, def: def, spec: spec, state: cur, ev: ev, policy: p}
	var err error
	switch ev.Kind {
	case EventBegin:
		err = t.begin()
	case EventComplete:
		err = t.complete(false)
	case EventBlockedByGate:
		err = t.complete(true)
	case EventFail:
		err = t.fail()
	case EventDecide:
		err = t.decide()
	case EventReset:
		err = t.reset()
	default:
		err = fault.New(fault.IllegalTransition, "unknown event %q", ev.Kind)
	}
	if err != nil {
		if fe, ok := err.(*fault.Error); ok {
			err = fe.WithStep(m.FeatureID, stepID)
		}
		return nil, Outcome{}, err
	}

	next.StepStates[stepID] = t.state
	next.UpdatedAt = ev.At
	out := t.outcome
	out.Step = stepID
	out.From = cur.Status
	out.To = t.state.Status
	out.Unblocked, out.Blocked = settle(next, def, ev.At)
	return next, out, nil
}

type transition struct {
	m       *manifest.Manifest
	def     *definition.Definition
	spec    definition.Step
	state   manifest.StepState
	ev      Event
	policy  Policy
	outcome Outcome
}

func (t *transition) move(to manifest.Status) {
	from := t.state.Status
	t.m.History = append(t.m.History, t.ev.entry(t.spec.ID, from, to))
	t.state.Status = to
	t.state.UpdatedAt = t.ev.At
}

func (t *transition) illegal() error {
	return fault.New(fault.IllegalTransition, "cannot %s from %s", t.ev.Kind, t.state.Status)
}

func (t *transition) begin() error {
	switch t.state.Status {
	case manifest.StatusEligible:
	case manifest.StatusFailed:
		if t.state.Attempts > t.policy.Ceiling(t.def) {
			return fault.New(fault.RetryExhausted, "step failed %d times (ceiling %d); reset it to retry",
				t.state.Attempts, t.policy.Ceiling(t.def))
		}
		return t.illegal()
	default:
		return t.illegal()
	}
	at := t.ev.At
	t.state.StartedAt = &at
	t.state.Owner = t.ev.Actor
	t.move(manifest.StatusInProgress)
	return nil
}

func (t *transition) complete(viaGate bool) error {
	if t.state.Status != manifest.StatusInProgress {
		return t.illegal()
	}
	if viaGate && !t.spec.Gated() {
		return fault.New(fault.IllegalTransition, "step has no gate")
	}
	if missing := MissingOutputs(t.spec, t.ev.Outputs); len(missing) > 0 {
		return fault.New(fault.MissingOutputs, "missing %s", strings.Join(missing, ", "))
	}
	t.state.Outputs = copyOutputs(t.ev.Outputs)
	t.state.LastError = nil
	if t.spec.Gated() {
		t.move(manifest.StatusAwaitingGate)
	} else {
		t.move(manifest.StatusCompleted)
	}
	return nil
}

// MissingOutputs returns the required outputs absent from outputs, in
// declaration order. Blank references count as absent.
func MissingOutputs(s definition.Step, outputs map[string]string) []string {
	var missing []string
	for _, name := range s.RequiredOutputs {
		if strings.TrimSpace(outputs[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func (t *transition) fail() error {
	if t.state.Status != manifest.StatusInProgress {
		return t.illegal()
	}
	msg := t.ev.Error
	if msg == "" {
		msg = "step failed"
	}
	t.state.Attempts++
	t.state.LastError = &msg
	t.state.StartedAt = nil
	t.state.Owner = ""
	t.move(manifest.StatusFailed)

	if t.state.Attempts <= t.policy.Ceiling(t.def) {
		t.m.History = append(t.m.History, manifest.Entry{
			Step:    t.spec.ID,
			Event:   string(eventRetry),
			From:    manifest.StatusFailed,
			To:      manifest.StatusEligible,
			At:      t.ev.At,
			Derived: true,
		})
		t.state.Status = manifest.StatusEligible
		t.outcome.Retried = true
		return nil
	}
	t.outcome.Exhausted = true
	return nil
}

func (t *transition) decide() error {
	if t.state.Status != manifest.StatusAwaitingGate {
		return fault.New(fault.NoPendingGate, "step is %s, not %s", t.state.Status, manifest.StatusAwaitingGate)
	}
	switch t.ev.Decision {
	case manifest.Approved, manifest.Rejected, manifest.Revise:
	default:
		return fault.New(fault.IllegalTransition, "unknown gate decision %q", t.ev.Decision)
	}
	t.m.GateDecisions[t.spec.ID] = append(t.m.GateDecisions[t.spec.ID], manifest.GateDecision{
		DecidedBy: t.ev.DecidedBy,
		Decision:  t.ev.Decision,
		Timestamp: t.ev.At,
		Notes:     t.ev.Notes,
	})

	switch t.ev.Decision {
	case manifest.Approved:
		t.move(manifest.StatusCompleted)
	case manifest.Rejected:
		msg := "rejected at gate"
		if t.ev.Notes != "" {
			msg += ": " + t.ev.Notes
		}
		t.state.LastError = &msg
		t.move(manifest.StatusFailed)
	case manifest.Revise:
		t.state.Attempts++
		t.state.StartedAt = nil
		t.state.Owner = ""
		if t.ev.Notes != "" {
			notes := "revise: " + t.ev.Notes
			t.state.LastError = &notes
		}
		t.move(manifest.StatusEligible)
	}
	return nil
}

func (t *transition) reset() error {
	switch t.state.Status {
	case manifest.StatusInProgress:
		if !t.ev.Force {
			stale := t.policy.staleAfter()
			if t.state.StartedAt != nil && t.ev.At.Sub(*t.state.StartedAt) < stale {
				return fault.New(fault.IllegalTransition, "step started %s ago, not stale until %s; use force",
					t.ev.At.Sub(*t.state.StartedAt).Round(time.Second), stale)
			}
		}
		t.state.Attempts++
		msg := "reset while in progress"
		t.state.LastError = &msg
	case manifest.StatusFailed:
		t.state.Attempts = 0
		t.state.LastError = nil
	default:
		return t.illegal()
	}
	t.state.StartedAt = nil
	t.state.Owner = ""
	t.move(manifest.StatusEligible)
	return nil
}

// settle recomputes PENDING, ELIGIBLE and BLOCKED for steps that have not
// started. Steps downstream of a FAILED step are BLOCKED.
func settle(m *manifest.Manifest, def *definition.Definition, at time.Time) (unblocked, blocked []string) {
	dead := make(map[string]bool)
	for _, id := range def.TopologicalOrder() {
		if m.Status(id) == manifest.StatusFailed {
			for _, d := range def.TransitiveDependents(id) {
				dead[d] = true
			}
		}
	}
	for _, id := range def.TopologicalOrder() {
		s := m.StepStates[id]
		var want manifest.Status
		switch s.Status {
		case manifest.StatusPending, manifest.StatusEligible, manifest.StatusBlocked:
			switch {
			case dead[id]:
				want = manifest.StatusBlocked
			case depsCompleted(m, def, id):
				want = manifest.StatusEligible
			default:
				want = manifest.StatusPending
			}
		default:
			continue
		}
		if want == s.Status {
			continue
		}
		s.Status = want
		s.UpdatedAt = at
		m.StepStates[id] = s
		switch want {
		case manifest.StatusEligible:
			unblocked = append(unblocked, id)
		case manifest.StatusBlocked:
			blocked = append(blocked, id)
		}
	}
	return unblocked, blocked
}

// Replay re-applies the non-derived entries of history to initial.
func Replay(def *definition.Definition, initial *manifest.Manifest, history []manifest.Entry, p Policy) (*manifest.Manifest, error) {
	m := initial.Clone()
	for i, e := range history {
		if e.Derived {
			continue
		}
		next, _, err := Apply(m, def, e.Step, EventFromEntry(e), p)
		if err != nil {
			return nil, fmt.Errorf("replaying entry %d (%s %s): %w", i, e.Event, e.Step, err)
		}
		m = next
	}
	return m, nil
}

// CheckInvariants verifies that the manifest covers exactly the definition's
// steps and that no started or finished step has an unfinished dependency.
func CheckInvariants(m *manifest.Manifest, def *definition.Definition) error {
	var problems []string
	for _, id := range def.StepIDs() {
		st, ok := m.Step(id)
		if !ok {
			problems = append(problems, fmt.Sprintf("step %q has no state", id))
			continue
		}
		switch st.Status {
		case manifest.StatusEligible, manifest.StatusInProgress, manifest.StatusAwaitingGate, manifest.StatusCompleted:
			if !depsCompleted(m, def, id) {
				problems = append(problems, fmt.Sprintf("step %q is %s before its dependencies completed", id, st.Status))
			}
		}
	}
	for id := range m.StepStates {
		if !def.Has(id) {
			problems = append(problems, fmt.Sprintf("state for unknown step %q", id))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fault.New(fault.IllegalTransition, "invariant violated: %s", strings.Join(problems, "; ")).WithStep(m.FeatureID, "")
}
