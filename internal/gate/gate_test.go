package gate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorge-barreto/stepwise/internal/definition"
	"github.com/jorge-barreto/stepwise/internal/fault"
	"github.com/jorge-barreto/stepwise/internal/machine"
	"github.com/jorge-barreto/stepwise/internal/manifest"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

const digest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func gatedDefinition(t *testing.T) *definition.Definition {
	t.Helper()
	def, err := definition.New("gates/v1",
		definition.Step{ID: "draft", RequiredOutputs: []string{"doc"}, Gate: definition.GateHumanApproval},
		definition.Step{ID: "check", DependsOn: []string{"draft"}, RequiredOutputs: []string{"doc"}, Gate: definition.GateValidated, Validator: "has-content-hash"},
		definition.Step{ID: "ship", DependsOn: []string{"check"}},
	)
	require.NoError(t, err)
	return def
}

func run(t *testing.T, m *manifest.Manifest, def *definition.Definition, step string, outputs map[string]string) *manifest.Manifest {
	t.Helper()
	m, _, err := machine.Apply(m, def, step, machine.Begin(t0, ""), machine.DefaultPolicy())
	require.NoError(t, err)
	m, _, err = machine.Apply(m, def, step, machine.Complete(t0, outputs), machine.DefaultPolicy())
	require.NoError(t, err)
	return m
}

func TestRequiresGate(t *testing.T) {
	def := gatedDefinition(t)
	assert.Equal(t, definition.GateHumanApproval, RequiresGate(def, "draft"))
	assert.Equal(t, definition.GateValidated, RequiresGate(def, "check"))
	assert.Equal(t, definition.GateNone, RequiresGate(def, "ship"))
	assert.Equal(t, definition.GateNone, RequiresGate(def, "missing"))
}

func TestRecordDecision_NoPendingGate(t *testing.T) {
	def := gatedDefinition(t)
	c := New(nil, machine.DefaultPolicy())
	m := machine.Init(def, "f", t0)

	_, _, err := c.RecordDecision(m, def, "draft", manifest.GateDecision{Decision: manifest.Approved, Timestamp: t0})
	assert.ErrorIs(t, err, fault.NoPendingGate)

	_, _, err = c.RecordDecision(m, def, "nope", manifest.GateDecision{Decision: manifest.Approved, Timestamp: t0})
	assert.ErrorIs(t, err, fault.NotFound)
}

func TestRecordDecision_AppendsNeverOverwrites(t *testing.T) {
	def := gatedDefinition(t)
	c := New(nil, machine.DefaultPolicy())
	m := run(t, machine.Init(def, "f", t0), def, "draft", map[string]string{"doc": "draft.md"})

	m, _, err := c.RecordDecision(m, def, "draft", manifest.GateDecision{DecidedBy: "carol", Decision: manifest.Revise, Notes: "tighten scope", Timestamp: t0})
	require.NoError(t, err)
	m = run(t, m, def, "draft", map[string]string{"doc": "draft.md"})
	m, out, err := c.RecordDecision(m, def, "draft", manifest.GateDecision{DecidedBy: "carol", Decision: manifest.Approved, Timestamp: t0.Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, manifest.StatusCompleted, out.To)
	require.Len(t, m.GateDecisions["draft"], 2)
	assert.Equal(t, "tighten scope", m.GateDecisions["draft"][0].Notes)
	last, _ := m.LastDecision("draft")
	assert.Equal(t, manifest.Approved, last.Decision)
}

func TestEvaluate_ValidatedGate(t *testing.T) {
	def := gatedDefinition(t)
	c := New(nil, machine.DefaultPolicy())
	m := run(t, machine.Init(def, "f", t0), def, "draft", map[string]string{"doc": "draft.md"})
	m, _, err := c.AutoApprove(m, def, "draft", t0)
	require.NoError(t, err)

	failing := run(t, m, def, "check", map[string]string{"doc": "draft.md"})
	next, out, evaluated, err := c.Evaluate(failing, def, "check", t0)
	require.NoError(t, err)
	require.True(t, evaluated)
	assert.Equal(t, manifest.StatusEligible, out.To)
	d, _ := next.LastDecision("check")
	assert.Equal(t, "validator:has-content-hash", d.DecidedBy)
	assert.Equal(t, manifest.Revise, d.Decision)
	assert.Contains(t, d.Notes, "doc")

	passing := run(t, m, def, "check", map[string]string{"doc": "draft.md#" + digest})
	next, out, evaluated, err = c.Evaluate(passing, def, "check", t0)
	require.NoError(t, err)
	require.True(t, evaluated)
	assert.Equal(t, manifest.StatusCompleted, out.To)
	assert.Equal(t, manifest.StatusEligible, next.Status("ship"))
}

func TestEvaluate_SkipsNonValidated(t *testing.T) {
	def := gatedDefinition(t)
	c := New(nil, machine.DefaultPolicy())
	m := run(t, machine.Init(def, "f", t0), def, "draft", map[string]string{"doc": "d"})
	same, _, evaluated, err := c.Evaluate(m, def, "draft", t0)
	require.NoError(t, err)
	assert.False(t, evaluated)
	assert.Same(t, m, same)
}

func TestEvaluate_UnknownValidator(t *testing.T) {
	def := gatedDefinition(t)
	c := New(NewRegistry(), machine.DefaultPolicy())
	m := run(t, machine.Init(def, "f", t0), def, "draft", map[string]string{"doc": "d"})
	m, _, err := c.AutoApprove(m, def, "draft", t0)
	require.NoError(t, err)
	m = run(t, m, def, "check", map[string]string{"doc": "d"})

	_, _, _, err = c.Evaluate(m, def, "check", t0)
	assert.ErrorIs(t, err, fault.DefinitionError)
	assert.Error(t, NewRegistry().CheckDefinition(def))
	assert.NoError(t, Builtins().CheckDefinition(def))
}

func TestAutoApprove_OnlyHumanGates(t *testing.T) {
	def := gatedDefinition(t)
	c := New(nil, machine.DefaultPolicy())
	m := run(t, machine.Init(def, "f", t0), def, "draft", map[string]string{"doc": "d"})

	next, _, err := c.AutoApprove(m, def, "draft", t0)
	require.NoError(t, err)
	d, _ := next.LastDecision("draft")
	assert.Equal(t, AutoReviewer, d.DecidedBy)

	_, _, err = c.AutoApprove(next, def, "check", t0)
	assert.ErrorIs(t, err, fault.NoPendingGate)
}

func TestBuiltinPredicates(t *testing.T) {
	step := definition.Step{ID: "s", RequiredOutputs: []string{"a", "b"}}
	tests := []struct {
		name    string
		pred    Predicate
		outputs map[string]string
		wantErr string
	}{
		{"non-empty ok", NonEmpty, map[string]string{"a": "x", "b": "y"}, ""},
		{"non-empty blank", NonEmpty, map[string]string{"a": "x", "b": " "}, "empty outputs: b"},
		{"non-empty none", NonEmpty, nil, "no outputs"},
		{"paths ok", RefsArePaths, map[string]string{"a": "docs/prd.md", "b": "srs.md#sha256:ab"}, ""},
		{"paths absolute", RefsArePaths, map[string]string{"a": "/etc/passwd", "b": "x"}, "a="},
		{"paths escape", RefsArePaths, map[string]string{"a": "x", "b": "../x"}, "b="},
		{"hash ok", HasContentHash, map[string]string{"a": "a#" + digest, "b": "b#" + digest}, ""},
		{"hash short", HasContentHash, map[string]string{"a": "a#sha256:abc", "b": "b#" + digest}, "a"},
		{"hash missing", HasContentHash, map[string]string{"a": "a#" + digest, "b": "b"}, "b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pred(step, tc.outputs)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.wantErr), "got %v", err)
		})
	}
}

func TestRegistry_Names(t *testing.T) {
	assert.Equal(t, []string{"has-content-hash", "non-empty", "refs-are-paths"}, Builtins().Names())
}
